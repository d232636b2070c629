package shared

import (
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_TokenQueryParam(t *testing.T) {
	input := "dial ws://127.0.0.1:8181/ws?token=0b6f2c&x=1"
	result := Redact(input)
	if result != "dial ws://127.0.0.1:8181/ws?token=[REDACTED]&x=1" {
		t.Fatalf("unexpected redaction %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedact_DebuggerCredentials(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"GET /ws?token=s3cret&x=1", "GET /ws?token=[REDACTED]&x=1"},
		{"X-Auth-Token: abc", "X-Auth-Token: [REDACTED]"},
		{"1 + 1", "1 + 1"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
