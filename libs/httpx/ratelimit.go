package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window per-client limiter kept in process memory.
// Suitable for single-instance deployments; multi-instance setups should use
// RedisRateLimiter so the window is shared.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*clientWindow
	sweep   time.Time
}

type clientWindow struct {
	count int
	until time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		windows: map[string]*clientWindow{},
	}
}

func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(clientKey(r)) {
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.After(rl.sweep) {
		for k, cw := range rl.windows {
			if now.After(cw.until) {
				delete(rl.windows, k)
			}
		}
		rl.sweep = now.Add(rl.window)
	}

	cw := rl.windows[key]
	if cw == nil || now.After(cw.until) {
		rl.windows[key] = &clientWindow{count: 1, until: now.Add(rl.window)}
		return true
	}
	if cw.count >= rl.limit {
		return false
	}
	cw.count++
	return true
}

// clientKey picks the rate-limit bucket for a request: the first hop of
// X-Forwarded-For behind a proxy, the peer address otherwise.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
