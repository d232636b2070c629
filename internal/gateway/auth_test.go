package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{"bearer", "/ws", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"bearer wins over query", "/ws?token=q", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"x-auth-token", "/ws", map[string]string{"X-Auth-Token": "hdr"}, "hdr"},
		{"query", "/ws?token=q", nil, "q"},
		{"basic is ignored", "/ws", map[string]string{"Authorization": "Basic xyz"}, ""},
		{"none", "/ws", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := ExtractToken(r); got != tt.want {
				t.Fatalf("ExtractToken = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	tests := []struct {
		name   string
		token  string
		target string
		want   int
	}{
		{"disabled", "", "/api/sessions", http.StatusOK},
		{"missing", "secret", "/api/sessions", http.StatusUnauthorized},
		{"wrong", "secret", "/api/sessions?token=nope", http.StatusForbidden},
		{"valid", "secret", "/api/sessions?token=secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			requireToken(tt.token, inner).ServeHTTP(rec, httptest.NewRequest("GET", tt.target, nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestTokenMatches(t *testing.T) {
	if tokenMatches("", "") {
		t.Fatal("empty tokens must never match")
	}
	if tokenMatches("abc", "abcd") {
		t.Fatal("prefix matched")
	}
	if !tokenMatches("abcd", "abcd") {
		t.Fatal("equal tokens did not match")
	}
}
