package middleware

import (
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/akmatori/opsrelay/internal/api"
)

// RateLimiter is a token bucket per key, e.g. per webhook source
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter allows rps requests per second per key with the given
// burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request for key may proceed now
func (l *RateLimiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Reject writes a 429 with a one second Retry-After hint
func (l *RateLimiter) Reject(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(1))
	api.RespondErrorWithCode(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
}
