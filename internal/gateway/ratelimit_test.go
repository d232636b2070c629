package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/devbridge/internal/config"
	"github.com/basket/devbridge/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl := gateway.NewClientLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         3,
	})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		if rec := hit(handler, "10.0.0.1:4000"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(handler, "10.0.0.1:4000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_KeyedByHostNotPort(t *testing.T) {
	rl := gateway.NewClientLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})
	handler := rl.Wrap(okHandler())

	if rec := hit(handler, "10.0.0.1:4000"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	// A new source port on the same host shares the bucket.
	if rec := hit(handler, "10.0.0.1:4001"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same host, new port: expected 429, got %d", rec.Code)
	}
	if rec := hit(handler, "10.0.0.2:4000"); rec.Code != http.StatusOK {
		t.Fatalf("other host: expected 200, got %d", rec.Code)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.BucketCount())
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 600 rpm refills one token every 100ms.
	rl := gateway.NewClientLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 600,
		BurstSize:         1,
	})
	handler := rl.Wrap(okHandler())

	hit(handler, "10.0.0.1:1")
	if rec := hit(handler, "10.0.0.1:1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before refill, got %d", rec.Code)
	}
	time.Sleep(150 * time.Millisecond)
	if rec := hit(handler, "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewClientLimiter(config.RateLimitConfig{Enabled: true})
	handler := rl.Wrap(okHandler())
	hit(handler, "10.0.0.1:1")
	hit(handler, "10.0.0.2:1")

	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 2 {
		t.Fatalf("fresh buckets evicted: %d", rl.BucketCount())
	}
	time.Sleep(10 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("stale buckets kept: %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewClientLimiter(config.RateLimitConfig{Enabled: false, BurstSize: 1})
	handler := rl.Wrap(okHandler())
	for i := 0; i < 10; i++ {
		if rec := hit(handler, "10.0.0.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with limiter disabled, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_RetryAfterReflectsRefillRate(t *testing.T) {
	// 6 rpm refills one token every 10s.
	rl := gateway.NewClientLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 6,
		BurstSize:         1,
	})
	handler := rl.Wrap(okHandler())

	hit(handler, "10.0.0.1:1")
	rec := hit(handler, "10.0.0.1:1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "10" {
		t.Fatalf("Retry-After = %q, want 10", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
}
