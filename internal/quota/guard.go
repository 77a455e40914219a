package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"taskpilot/internal/events"
	"taskpilot/internal/jobs"
)

// Queue is the part of the durable queue the guard drives.
type Queue interface {
	Pause()
	Resume()
	Defer(ctx context.Context, j *jobs.Job, until time.Time, reason string) error
}

// Store persists the pause so a restart keeps an active cool-down.
type Store interface {
	LoadState(ctx context.Context, queue string) (jobs.QueueState, error)
	SaveState(ctx context.Context, st jobs.QueueState) error
}

type Status struct {
	Blocked  bool       `json:"blocked"`
	ResumeAt *time.Time `json:"resumeAt,omitempty"`
}

// State is the process-wide pause flag. Only the Guard writes it.
type State struct {
	mu       sync.RWMutex
	paused   bool
	resumeAt time.Time
}

func (s *State) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.paused {
		return Status{}
	}
	at := s.resumeAt
	return Status{Blocked: true, ResumeAt: &at}
}

func (s *State) set(paused bool, resumeAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	s.resumeAt = resumeAt
}

type Options struct {
	QueueName string
	Cooldown  time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Events    events.Publisher
}

// Guard pauses the queue on a quota signal and resumes it when the
// cool-down ends. At most one resume timer is outstanding.
type Guard struct {
	queue    Queue
	store    Store
	name     string
	cooldown time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	events   events.Publisher

	state State

	mu    sync.Mutex
	timer clockwork.Timer
	gen   uint64
}

func NewGuard(queue Queue, store Store, opts Options) *Guard {
	if opts.QueueName == "" {
		opts.QueueName = jobs.DefaultQueueName
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Guard{
		queue:    queue,
		store:    store,
		name:     opts.QueueName,
		cooldown: opts.Cooldown,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "quota"),
		events:   opts.Events,
	}
}

func (g *Guard) Inspect(line string) bool { return Inspect(line) }

func (g *Guard) State() *State { return &g.state }

func (g *Guard) Status() Status { return g.state.Snapshot() }

// OnQuotaDetected pauses the queue for the cool-down and parks j until the
// queue resumes. The job's attempt is not spent.
func (g *Guard) OnQuotaDetected(ctx context.Context, j *jobs.Job, signal string) (time.Time, error) {
	resumeAt := g.Pause(ctx, g.cooldown)
	g.logger.Warn("quota signal detected", "job_id", j.ID, "signal", signal, "resume_at", resumeAt)
	if err := g.queue.Defer(ctx, j, resumeAt, "quota exhausted: "+signal); err != nil {
		return resumeAt, err
	}
	return resumeAt, nil
}

// Pause holds the queue for d. A pause while already paused replaces the
// pending resume and never shortens it.
func (g *Guard) Pause(ctx context.Context, d time.Duration) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	resumeAt := g.clock.Now().UTC().Add(d)
	if cur := g.state.Snapshot(); cur.Blocked && cur.ResumeAt.After(resumeAt) {
		resumeAt = *cur.ResumeAt
	}

	g.queue.Pause()
	g.state.set(true, resumeAt)
	g.armLocked(resumeAt)
	g.persist(ctx, true, &resumeAt)

	g.events.Publish(events.New(g.clock.Now().UTC(), events.QuotaExhausted, "", map[string]any{"resumeAt": resumeAt}))
	return resumeAt
}

// Resume lifts the pause now. It is a no-op when not paused.
func (g *Guard) Resume(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
	g.resumeLocked(ctx)
}

// Restore re-arms a pause persisted by a previous process.
func (g *Guard) Restore(ctx context.Context) error {
	st, err := g.store.LoadState(ctx, g.name)
	if err != nil {
		return err
	}
	if !st.Paused {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UTC()
	if st.ResumeAt == nil || !st.ResumeAt.After(now) {
		g.logger.Info("persisted cool-down already over")
		g.persist(ctx, false, nil)
		return nil
	}

	resumeAt := st.ResumeAt.UTC()
	g.queue.Pause()
	g.state.set(true, resumeAt)
	g.armLocked(resumeAt)
	g.logger.Warn("restored quota pause", "resume_at", resumeAt)
	return nil
}

func (g *Guard) armLocked(resumeAt time.Time) {
	g.stopLocked()
	gen := g.gen
	g.timer = g.clock.AfterFunc(resumeAt.Sub(g.clock.Now()), func() { g.fire(gen) })
}

func (g *Guard) stopLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
}

func (g *Guard) fire(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// A timer that fired while being replaced is stale.
	if gen != g.gen {
		return
	}
	g.timer = nil
	g.resumeLocked(context.Background())
}

func (g *Guard) resumeLocked(ctx context.Context) {
	if !g.state.Snapshot().Blocked {
		return
	}
	g.state.set(false, time.Time{})
	g.persist(ctx, false, nil)
	g.queue.Resume()
	g.logger.Info("quota restored, queue resumed")
	g.events.Publish(events.New(g.clock.Now().UTC(), events.QuotaRestored, "", nil))
}

func (g *Guard) persist(ctx context.Context, paused bool, resumeAt *time.Time) {
	st := jobs.QueueState{Queue: g.name, Paused: paused, ResumeAt: resumeAt}
	if err := g.store.SaveState(context.WithoutCancel(ctx), st); err != nil {
		g.logger.Error("persist queue state failed", "error", err)
	}
}
