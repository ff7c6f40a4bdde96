package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/taskgraph/internal/config"
	"github.com/basket/taskgraph/internal/otel"
)

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter enforces per-client request limits. Clients are keyed by
// bearer token when one is presented, otherwise by remote host.
type RateLimiter struct {
	inst *otel.Instruments

	mu      sync.Mutex
	rpm     int
	burst   int
	clients map[string]*clientLimiter
	now     func() time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, inst *otel.Instruments) *RateLimiter {
	rl := &RateLimiter{
		inst:    inst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
	rl.SetLimits(cfg)
	return rl
}

func perSecond(rpm int) rate.Limit {
	return rate.Limit(float64(rpm) / 60.0)
}

// SetLimits applies new limits to all current and future clients. A zero
// rate disables limiting.
func (rl *RateLimiter) SetLimits(cfg config.RateLimitConfig) {
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, cfg.RequestsPerMinute/10)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rpm = cfg.RequestsPerMinute
	rl.burst = burst
	now := rl.now()
	for _, c := range rl.clients {
		c.limiter.SetLimitAt(now, perSecond(rl.rpm))
		c.limiter.SetBurstAt(now, rl.burst)
	}
}

func (rl *RateLimiter) enabled() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.rpm > 0
}

// Allow reports whether the client identified by key may make a request
// now, consuming a token if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	if rl.rpm <= 0 {
		rl.mu.Unlock()
		return true
	}
	now := rl.now()
	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(perSecond(rl.rpm), rl.burst)}
		rl.clients[key] = c
	}
	c.lastAccess = now
	lim := c.limiter
	rl.mu.Unlock()
	return lim.AllowN(now, 1)
}

// StartEviction periodically drops clients idle for longer than maxAge.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes clients that have not been seen within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxAge)
	evicted := 0
	for key, c := range rl.clients {
		if c.lastAccess.Before(cutoff) {
			delete(rl.clients, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.clients))
	}
	return evicted
}

func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func clientKey(r *http.Request) string {
	if tok := ExtractToken(r); tok != "" {
		return "token:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || !rl.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.Allow(clientKey(r)) {
			rl.inst.RecordRateLimitReject(r.Context())
			w.Header().Set("Retry-After", strconv.Itoa(1))
			writeErrorMessage(w, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
