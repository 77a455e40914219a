package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/datatypes"

	"taskpilot/internal/events"
)

const DefaultQueueName = "agent"

type Options struct {
	Name    string
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Events  events.Publisher
	Limiter *Limiter

	MaxAttempts int
	Backoff     time.Duration

	KeepCompleted int
	KeepFailed    int

	StallTimeout  time.Duration
	OrphanTimeout time.Duration
	PollInterval  time.Duration

	// Notify, when set, tells other replicas that work was enqueued.
	Notify func(ctx context.Context)
}

// Queue is the durable, rate-limited, retrying job queue. It is the only
// writer of job status and attempt counts.
type Queue struct {
	repo   *Repo
	name   string
	clock  clockwork.Clock
	logger *slog.Logger
	events events.Publisher
	limit  *Limiter
	notify func(ctx context.Context)

	maxAttempts   int
	backoff       time.Duration
	keepCompleted int
	keepFailed    int
	stallTimeout  time.Duration
	orphanTimeout time.Duration
	poll          time.Duration

	// mu orders claims against pause so that no claim starts once Pause
	// has returned.
	mu     sync.Mutex
	paused bool
	wake   chan struct{}
}

func NewQueue(repo *Repo, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = DefaultQueueName
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
	if opts.Limiter == nil {
		opts.Limiter = NewLimiter(50, time.Minute)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Minute
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = 50
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = 100
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 5 * time.Minute
	}
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = 35 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Queue{
		repo:          repo,
		name:          opts.Name,
		clock:         opts.Clock,
		logger:        opts.Logger.With("queue", opts.Name),
		events:        opts.Events,
		limit:         opts.Limiter,
		notify:        opts.Notify,
		maxAttempts:   opts.MaxAttempts,
		backoff:       opts.Backoff,
		keepCompleted: opts.KeepCompleted,
		keepFailed:    opts.KeepFailed,
		stallTimeout:  opts.StallTimeout,
		orphanTimeout: opts.OrphanTimeout,
		poll:          opts.PollInterval,
		wake:          make(chan struct{}),
	}
}

func (q *Queue) Name() string { return q.name }
func (q *Queue) Repo() *Repo  { return q.repo }

type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

func (q *Queue) Enqueue(ctx context.Context, p Payload, opts EnqueueOptions) (string, error) {
	now := q.now()
	j := &Job{
		ID:          uuid.NewString(),
		Status:      StatusWaiting,
		EnqueuedAt:  now,
		RunAt:       now,
		Payload:     datatypes.NewJSONType(p),
		MaxAttempts: q.maxAttempts,
	}
	if opts.MaxAttempts > 0 {
		j.MaxAttempts = opts.MaxAttempts
	}
	if opts.Delay > 0 {
		j.Status = StatusDelayed
		j.RunAt = now.Add(opts.Delay)
	}
	if err := q.repo.Create(ctx, j); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Info("job enqueued", "job_id", j.ID, "repo", p.Repo, "status", j.Status, "run_at", j.RunAt)
	if j.Status == StatusWaiting {
		q.events.Publish(events.New(q.now(), events.JobWaiting, j.ID, j.View()))
	}
	q.signal()
	if q.notify != nil {
		q.notify(ctx)
	}
	return j.ID, nil
}

// Dequeue blocks until a job can be claimed for workerID or ctx ends.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	for {
		wake := q.changed()
		j, wait, err := q.claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Error("claim failed", "worker", workerID, "error", err)
			wait = q.poll
		}
		if j != nil {
			return j, nil
		}
		if wait <= 0 || wait > q.poll {
			wait = q.poll
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-q.clock.After(wait):
		}
	}
}

// Claim makes a single non-blocking claim attempt. It returns nil when the
// queue is paused, the limiter is full, or nothing is due.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	j, _, err := q.claim(ctx, workerID)
	return j, err
}

func (q *Queue) claim(ctx context.Context, workerID string) (*Job, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, 0, nil
	}

	now := q.now()
	if err := q.promote(ctx, now); err != nil {
		return nil, 0, err
	}

	if ok, retryAfter := q.limit.Allow(now); !ok {
		return nil, retryAfter, nil
	}

	j, err := q.repo.Claim(ctx, workerID, now)
	if err != nil {
		return nil, 0, err
	}
	if j == nil {
		next, err := q.repo.NextRunAt(ctx)
		if err != nil || next == nil {
			return nil, 0, err
		}
		return nil, next.Sub(now), nil
	}

	q.limit.Record(now)
	q.logger.Info("job active", "job_id", j.ID, "worker", workerID, "attempt", j.Attempts)
	q.events.Publish(events.New(q.now(), events.JobActive, j.ID, j.View()))
	return j, 0, nil
}

func (q *Queue) Complete(ctx context.Context, j *Job, res Result) error {
	now := q.now()
	if err := q.repo.MarkCompleted(ctx, j, res, now); err != nil {
		return fmt.Errorf("complete %s: %w", j.ID, err)
	}
	j.Status = StatusCompleted
	q.logger.Info("job completed", "job_id", j.ID, "duration_ms", res.DurationMs)
	q.events.Publish(events.New(q.now(), events.JobCompleted, j.ID, map[string]any{"result": res}))
	q.prune(ctx, StatusCompleted, q.keepCompleted)
	return nil
}

// Failure describes a failed execution.
type Failure struct {
	Reason    string
	Retryable bool
	Result    Result
}

// Fail records a failed attempt. Retryable failures are rescheduled with
// exponential backoff until the attempt ceiling; willRetry reports which
// path was taken.
func (q *Queue) Fail(ctx context.Context, j *Job, f Failure) (willRetry bool, err error) {
	now := q.now()
	data := map[string]any{
		"error":        f.Reason,
		"attemptsMade": j.Attempts,
		"maxAttempts":  j.MaxAttempts,
	}

	if f.Retryable && j.Attempts < j.MaxAttempts {
		delay := Backoff(q.backoff, j.Attempts)
		runAt := now.Add(delay)
		if err := q.repo.RetryLater(ctx, j, runAt, f.Reason, now); err != nil {
			return false, fmt.Errorf("retry %s: %w", j.ID, err)
		}
		j.Status = StatusDelayed
		data["willRetry"] = true
		data["retryAt"] = runAt
		q.logger.Warn("job failed, retrying",
			"job_id", j.ID, "attempt", j.Attempts, "retry_in", delay, "reason", f.Reason)
		q.events.Publish(events.New(q.now(), events.JobFailed, j.ID, data))
		return true, nil
	}

	if err := q.repo.MarkFailed(ctx, j, f.Reason, f.Result, now); err != nil {
		return false, fmt.Errorf("fail %s: %w", j.ID, err)
	}
	j.Status = StatusFailed
	data["willRetry"] = false
	q.logger.Error("job failed", "job_id", j.ID, "attempt", j.Attempts, "reason", f.Reason)
	q.events.Publish(events.New(q.now(), events.JobFailed, j.ID, data))
	q.prune(ctx, StatusFailed, q.keepFailed)
	return false, nil
}

// Defer parks an active job until until without spending its attempt.
func (q *Queue) Defer(ctx context.Context, j *Job, until time.Time, reason string) error {
	if err := q.repo.Defer(ctx, j, until.UTC(), reason, q.now()); err != nil {
		return fmt.Errorf("defer %s: %w", j.ID, err)
	}
	j.Status = StatusDelayed
	q.logger.Warn("job deferred", "job_id", j.ID, "until", until, "reason", reason)
	return nil
}

func (q *Queue) Touch(ctx context.Context, jobID string) error {
	return q.repo.Touch(ctx, jobID, q.now())
}

// Pause stops claims. It is idempotent.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		q.paused = true
		q.logger.Warn("queue paused")
	}
}

// Resume re-enables claims and wakes waiting workers. It is idempotent.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		q.paused = false
		q.logger.Info("queue resumed")
		q.signalLocked()
	}
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Wake nudges blocked dequeuers, e.g. after a cross-replica notification.
func (q *Queue) Wake() { q.signal() }

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.repo.Get(ctx, id)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// List returns the newest jobs first, optionally filtered by status. The
// limit is clamped to [1, 500] with 50 as the default.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]Job, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return q.repo.List(ctx, status, limit)
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.repo.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   counts[StatusWaiting],
		Delayed:   counts[StatusDelayed],
		Active:    counts[StatusActive],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
		Paused:    q.Paused(),
	}, nil
}

// StatsEvent is the queue:stats snapshot handed to observers.
func (q *Queue) StatsEvent(ctx context.Context) (events.Event, error) {
	st, err := q.Stats(ctx)
	if err != nil {
		return events.Event{}, err
	}
	return events.New(q.now(), events.QueueStats, "", st), nil
}

// Run performs housekeeping until ctx ends: promoting due delayed jobs,
// flagging stalls and recovering jobs orphaned by a crashed process.
func (q *Queue) Run(ctx context.Context) {
	ticker := q.clock.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		q.maintain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (q *Queue) maintain(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	err := q.promote(ctx, now)
	q.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		q.logger.Error("promote failed", "error", err)
	}

	stalled, err := q.repo.MarkStalled(ctx, now.Add(-q.stallTimeout), now)
	if err != nil && ctx.Err() == nil {
		q.logger.Error("stall check failed", "error", err)
	}
	for i := range stalled {
		j := &stalled[i]
		q.logger.Warn("job stalled", "job_id", j.ID, "last_heartbeat", j.HeartbeatAt)
		q.events.Publish(events.New(q.now(), events.JobStalled, j.ID, map[string]any{
			"lastHeartbeat": j.HeartbeatAt,
		}))
	}

	orphans, err := q.repo.RequeueOrphans(ctx, now.Add(-q.orphanTimeout), now)
	if err != nil && ctx.Err() == nil {
		q.logger.Error("orphan recovery failed", "error", err)
	}
	for i := range orphans {
		j := &orphans[i]
		j.Status = StatusWaiting
		q.logger.Warn("orphaned job requeued", "job_id", j.ID, "locked_by", j.LockedBy)
		q.events.Publish(events.New(q.now(), events.JobWaiting, j.ID, j.View()))
	}
	if len(orphans) > 0 {
		q.signal()
	}
}

// promote must be called with q.mu held.
func (q *Queue) promote(ctx context.Context, now time.Time) error {
	due, err := q.repo.PromoteDue(ctx, now)
	if err != nil {
		return err
	}
	for i := range due {
		q.events.Publish(events.New(q.now(), events.JobWaiting, due[i].ID, due[i].View()))
	}
	if len(due) > 0 {
		q.signalLocked()
	}
	return nil
}

func (q *Queue) prune(ctx context.Context, status Status, keep int) {
	n, err := q.repo.Prune(ctx, status, keep)
	if err != nil {
		q.logger.Error("prune failed", "status", status, "error", err)
		return
	}
	if n > 0 {
		q.logger.Debug("pruned history", "status", status, "removed", n)
	}
}

func (q *Queue) changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.signalLocked()
}

func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) now() time.Time { return q.clock.Now().UTC() }

// Backoff is base doubled for every attempt after the first.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}

// IsLostClaim reports whether err means another owner moved the job.
func IsLostClaim(err error) bool { return errors.Is(err, ErrLostClaim) }
