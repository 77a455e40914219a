package intake

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Key identifies a trigger across redeliveries.
type Key struct {
	Repo      string
	CommentID int64
	Action    string
}

// Dedup is an insert-if-absent set that forgets everything once per window.
type Dedup struct {
	clock  clockwork.Clock
	window time.Duration

	mu      sync.Mutex
	seen    map[Key]struct{}
	resetAt time.Time
}

func NewDedup(clock clockwork.Clock, window time.Duration) *Dedup {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Dedup{
		clock:   clock,
		window:  window,
		seen:    make(map[Key]struct{}),
		resetAt: clock.Now().Add(window),
	}
}

// Claim inserts k and reports whether it was absent.
func (d *Dedup) Claim(k Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked()
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.seen[k] = struct{}{}
	return true
}

// Release forgets k, letting a redelivery through after a failed submit.
func (d *Dedup) Release(k Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, k)
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked()
	return len(d.seen)
}

func (d *Dedup) expireLocked() {
	now := d.clock.Now()
	if now.Before(d.resetAt) {
		return
	}
	clear(d.seen)
	for !now.Before(d.resetAt) {
		d.resetAt = d.resetAt.Add(d.window)
	}
}
