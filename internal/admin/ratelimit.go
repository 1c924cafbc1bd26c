package admin

import (
	"sync"
	"time"
)

// rateLimiter counts requests per client IP over a one-minute sliding
// window. It is shared across all admin endpoints.
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		window: time.Minute,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// allow records the request and reports whether the client is still within
// the limit.
func (l *rateLimiter) allow(ip string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.hits[ip][:0]
	for _, t := range l.hits[ip] {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		l.hits[ip] = kept
		return false
	}
	l.hits[ip] = append(kept, now)
	return true
}
