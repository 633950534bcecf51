// Package ratelimit guards the SSE read endpoints with a per-key limiter.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter allows up to N events per key within a sliding window of W seconds.
// TryAcquire never blocks. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New builds a limiter permitting events per window for each distinct key.
func New(events int, window time.Duration) *Limiter {
	if events < 1 {
		events = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(events)),
		burst:    events,
	}
}

// TryAcquire reports whether key may proceed, consuming one slot if so.
func (l *Limiter) TryAcquire(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Clear drops all per-key state. Test utility.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}
