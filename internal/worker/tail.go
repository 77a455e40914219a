package worker

import "strings"

// Tail keeps the last N lines written to it. It is not safe for concurrent
// use; one goroutine owns each job's tails.
type Tail struct {
	lines   []string
	next    int
	full    bool
	dropped int
}

func NewTail(capacity int) *Tail {
	if capacity < 1 {
		capacity = 1
	}
	return &Tail{lines: make([]string, capacity)}
}

func (t *Tail) Add(line string) {
	if t.full {
		t.dropped++
	}
	t.lines[t.next] = line
	t.next++
	if t.next == len(t.lines) {
		t.next = 0
		t.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (t *Tail) Lines() []string {
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

func (t *Tail) Len() int {
	if t.full {
		return len(t.lines)
	}
	return t.next
}

// Dropped is how many lines were overwritten.
func (t *Tail) Dropped() int { return t.dropped }

func (t *Tail) String() string { return strings.Join(t.Lines(), "\n") }
