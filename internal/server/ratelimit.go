package server

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitStore decides whether a request from a client key may proceed.
// Injected so deployments can swap the in-memory limiter for a shared one.
type RateLimitStore interface {
	Allow(key string) bool
}

// MemoryRateLimit keeps one token bucket per client key.
type MemoryRateLimit struct {
	RPS   float64
	Burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryRateLimit(rps float64, burst int) *MemoryRateLimit {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &MemoryRateLimit{RPS: rps, Burst: burst, buckets: map[string]*rate.Limiter{}}
}

func (m *MemoryRateLimit) Allow(key string) bool {
	m.mu.Lock()
	lim, ok := m.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.RPS), m.Burst)
		m.buckets[key] = lim
	}
	m.mu.Unlock()
	return lim.Allow()
}

func newRateLimitMiddleware(basePath string, store RateLimitStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.Allow(clientKey(r)) {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
