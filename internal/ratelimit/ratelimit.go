package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether another authentication attempt is allowed for a
// key. Implementations must both check and record the attempt in one call.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type bucket struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// MemoryLimiter is a fixed-window counter per key. The window resets when
// it elapses; buckets idle beyond the cleanup interval are purged by Sweep.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	attempts int
	window   time.Duration
	idle     time.Duration

	now func() time.Time // overridable in tests
}

func NewMemoryLimiter(attempts int, window, idle time.Duration) *MemoryLimiter {
	if attempts <= 0 {
		attempts = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &MemoryLimiter{
		buckets:  map[string]*bucket{},
		attempts: attempts,
		window:   window,
		idle:     idle,
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &bucket{count: 1, windowStart: now, lastSeen: now}
		return true, nil
	}
	b.lastSeen = now
	b.count++
	return b.count <= l.attempts, nil
}

// Sweep drops buckets that have been idle longer than the cleanup interval.
func (l *MemoryLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
