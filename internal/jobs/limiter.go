package jobs

import (
	"sync"
	"time"
)

// Limiter is a sliding-window log: at most max admissions in any window.
// It shapes admission into active execution, not acceptance into the store.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
}

func NewLimiter(max int, window time.Duration) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{max: max, window: window, stamps: make([]time.Time, 0, max)}
}

// Allow reports whether one more admission fits at now. When it does not,
// retryAfter is how long until the oldest admission leaves the window.
func (l *Limiter) Allow(now time.Time) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(now)
	if len(l.stamps) < l.max {
		return true, 0
	}
	return false, l.stamps[0].Add(l.window).Sub(now)
}

// Record counts an admission at now.
func (l *Limiter) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(now)
	l.stamps = append(l.stamps, now)
}

// InWindow is the number of admissions currently counted.
func (l *Limiter) InWindow(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(now)
	return len(l.stamps)
}

func (l *Limiter) expire(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
