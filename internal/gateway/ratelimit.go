package gateway

import (
	"sync"
	"time"
)

// SlidingWindowLimiter admits at most limit events per window, tracked by
// exact timestamps so the window slides rather than resetting.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
}

// NewSlidingWindowLimiter creates a limiter of limit events per window.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
	}
}

// Allow records an event and reports whether it fits in the window.
func (l *SlidingWindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept

	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// RetryAfter estimates how long until the oldest event leaves the window.
func (l *SlidingWindowLimiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return 0
	}
	wait := l.window - time.Since(l.events[0])
	if wait < 0 {
		return 0
	}
	return wait
}
