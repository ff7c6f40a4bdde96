package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/taskgraph/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 2}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("third request inside the same instant should be rejected")
	}
	if !rl.Allow("b") {
		t.Fatal("clients are limited independently")
	}
	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatal("one token should refill after a second at 60 rpm")
	}
}

func TestRateLimiter_WrapReturns429(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1}, nil)
	now := time.Now()
	rl.now = func() time.Time { return now }
	h := rl.Wrap(okHandler())

	call := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := call("/api/nodes"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := call("/api/nodes")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
	if rec := call("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz is never limited, got %d", rec.Code)
	}
}

func TestRateLimiter_SetLimitsLive(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1}, nil)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("a")
	if rl.Allow("a") {
		t.Fatal("should be limited")
	}
	rl.SetLimits(config.RateLimitConfig{})
	if !rl.Allow("a") {
		t.Fatal("zero rate disables limiting")
	}
}

func TestRateLimiter_EvictStale(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60}, nil)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("old")
	now = now.Add(10 * time.Minute)
	rl.Allow("fresh")

	if n := rl.EvictStale(5 * time.Minute); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if rl.ClientCount() != 1 {
		t.Fatalf("expected 1 remaining client, got %d", rl.ClientCount())
	}
}

func TestCORS(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://board.example"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/nodes", nil)
	req.Header.Set("Origin", "https://board.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://board.example" {
		t.Fatalf("preflight: %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/nodes", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown origin preflight should be refused, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	rec = httptest.NewRecorder()
	NewCORSMiddleware(nil)(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("no origins configured should pass through untouched")
	}
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header, query, want string
	}{
		{"Bearer abc", "", "abc"},
		{"Basic abc", "", ""},
		{"", "xyz", "xyz"},
		{"Bearer abc", "xyz", "abc"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+tt.query, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := ExtractToken(req); got != tt.want {
			t.Errorf("header %q query %q: got %q, want %q", tt.header, tt.query, got, tt.want)
		}
	}
}
