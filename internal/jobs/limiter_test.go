package jobs

import (
	"testing"
	"time"
)

func TestLimiterSlidingWindow(t *testing.T) {
	l := NewLimiter(3, time.Minute)
	start := epoch

	for i := 0; i < 3; i++ {
		now := start.Add(time.Duration(i) * 10 * time.Second)
		if ok, _ := l.Allow(now); !ok {
			t.Fatalf("admission %d rejected", i)
		}
		l.Record(now)
	}

	ok, retryAfter := l.Allow(start.Add(30 * time.Second))
	if ok {
		t.Fatal("fourth admission inside the window was allowed")
	}
	if retryAfter != 30*time.Second {
		t.Errorf("retryAfter = %s, want 30s", retryAfter)
	}

	// The first stamp leaves the window; the other two still count.
	now := start.Add(time.Minute)
	if got := l.InWindow(now); got != 2 {
		t.Errorf("InWindow = %d, want 2", got)
	}
	if ok, _ := l.Allow(now); !ok {
		t.Error("admission after the oldest expired was rejected")
	}
}

func TestLimiterNeverExceedsMaxInAnyWindow(t *testing.T) {
	l := NewLimiter(5, time.Minute)
	var admitted []time.Time
	for s := 0; s < 300; s++ {
		now := epoch.Add(time.Duration(s) * time.Second)
		if ok, _ := l.Allow(now); ok {
			l.Record(now)
			admitted = append(admitted, now)
		}
	}
	for i := range admitted {
		n := 0
		for _, at := range admitted[i:] {
			if at.Sub(admitted[i]) < time.Minute {
				n++
			}
		}
		if n > 5 {
			t.Fatalf("%d admissions within a minute of %s", n, admitted[i])
		}
	}
	if len(admitted) != 25 {
		t.Errorf("admitted = %d over five minutes, want 25", len(admitted))
	}
}
