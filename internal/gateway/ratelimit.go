package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/devbridge/internal/config"
)

// bucket is one client's token bucket. Guarded by ClientLimiter.mu.
type bucket struct {
	tokens float64
	last   time.Time
}

// ClientLimiter throttles /api and /storage per client host with token
// buckets: BurstSize tokens, refilled at RequestsPerMinute.
type ClientLimiter struct {
	enabled bool
	rate    float64 // tokens per second
	burst   float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewClientLimiter fills in 120 rpm / burst 20 for non-positive values.
func NewClientLimiter(cfg config.RateLimitConfig) *ClientLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 20
	}
	return &ClientLimiter{
		enabled: cfg.Enabled,
		rate:    float64(rpm) / 60,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
	}
}

// allow takes a token for key. When none is left it reports how long
// until one is.
func (l *ClientLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// StartEviction drops idle buckets every interval until ctx ends.
func (l *ClientLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets idle for longer than maxAge.
func (l *ClientLimiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()
	before := len(l.buckets)
	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	if evicted := before - len(l.buckets); evicted > 0 {
		slog.Debug("ws: rate limiter eviction", "evicted", evicted, "remaining", len(l.buckets))
	}
}

func (l *ClientLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Wrap is a no-op when the limiter is disabled.
func (l *ClientLimiter) Wrap(next http.Handler) http.Handler {
	if !l.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.allow(clientKey(r), time.Now())
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey buckets by host so reconnecting clients on new ports share a
// budget.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
