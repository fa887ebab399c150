package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelgate-io/modelgate/internal/metrics"
)

// RateLimiter enforces a fixed one-minute request window per client on the
// /v1 endpoints. Windows are kept in memory; stale entries are purged
// periodically by the janitor via Cleanup.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateWindow

	max int
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter allowing max requests per client per
// minute. max <= 0 disables limiting.
func NewRateLimiter(max int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*rateWindow),
		max:     max,
	}
}

// Middleware wraps next with the rate check.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			metrics.RateLimited.Inc()
			writeOpenAIError(w, &apiError{
				Status:  http.StatusTooManyRequests,
				Message: "rate limit exceeded, retry after the current window",
				Type:    "rate_limit_error",
				Code:    "rate_limit_exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow counts one request against the client's current window, opening a new
// window when the previous one expired.
func (rl *RateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, ok := rl.clients[key]
	if !ok || now.After(win.resetAt) {
		rl.clients[key] = &rateWindow{count: 1, resetAt: now.Add(time.Minute)}
		return true
	}
	if win.count >= rl.max {
		return false
	}
	win.count++
	return true
}

// Cleanup drops expired windows. Called periodically by the janitor so the
// client map does not grow without bound.
func (rl *RateLimiter) Cleanup() {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, win := range rl.clients {
		if now.After(win.resetAt) {
			delete(rl.clients, key)
		}
	}
}

// clientKey resolves the limiter key for a request: the first hop of
// X-Forwarded-For, then CF-Connecting-IP, else "unknown".
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	return "unknown"
}
