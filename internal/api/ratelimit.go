// ratelimit.go - Per-account rate limiting of contract calls.
package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// AccountRateLimiter keeps one token bucket per calling account.
type AccountRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewAccountRateLimiter allows perSecond calls per account with the given burst. A
// non-positive perSecond disables limiting.
func NewAccountRateLimiter(perSecond float64, burst int) *AccountRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &AccountRateLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

// Allow reports whether account may make a call now, consuming a token if so.
func (l *AccountRateLimiter) Allow(account string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[account]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[account] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
