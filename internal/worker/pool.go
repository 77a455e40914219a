package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"taskpilot/internal/events"
	"taskpilot/internal/jobs"
)

const (
	labelMarker  = "::label::"
	commitMarker = "::commit::"

	lineBuffer = 256
)

var (
	errQuotaSignal  = errors.New("quota signal on stderr")
	errProcessPanic = errors.New("worker panicked while reading output")
)

// Queue is what a worker needs from the durable queue.
type Queue interface {
	Dequeue(ctx context.Context, workerID string) (*jobs.Job, error)
	Complete(ctx context.Context, j *jobs.Job, res jobs.Result) error
	Fail(ctx context.Context, j *jobs.Job, f jobs.Failure) (bool, error)
	Defer(ctx context.Context, j *jobs.Job, until time.Time, reason string) error
	Touch(ctx context.Context, jobID string) error
}

// Guard is the quota detector and backpressure hook.
type Guard interface {
	Inspect(line string) bool
	OnQuotaDetected(ctx context.Context, j *jobs.Job, signal string) (time.Time, error)
}

type Options struct {
	Size      int
	ID        string
	TailLines int
	// Heartbeat throttles progress writes to the store.
	Heartbeat time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Events    events.Publisher
}

// Pool runs a fixed number of workers, each executing one job at a time.
type Pool struct {
	queue  Queue
	runner *Runner
	guard  Guard

	size      int
	id        string
	tailLines int
	heartbeat time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	events    events.Publisher
}

func NewPool(queue Queue, runner *Runner, guard Guard, opts Options) *Pool {
	if opts.Size < 1 {
		opts.Size = 2
	}
	if opts.ID == "" {
		host, _ := os.Hostname()
		opts.ID = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if opts.TailLines < 1 {
		opts.TailLines = 1000
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
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
	return &Pool{
		queue:     queue,
		runner:    runner,
		guard:     guard,
		size:      opts.Size,
		id:        opts.ID,
		tailLines: opts.TailLines,
		heartbeat: opts.Heartbeat,
		clock:     opts.Clock,
		logger:    opts.Logger,
		events:    opts.Events,
	}
}

// Run blocks until ctx ends and every worker has returned. Jobs running at
// shutdown are killed and handed back to the queue without spending an
// attempt.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 1; i <= p.size; i++ {
		id := fmt.Sprintf("%s/%d", p.id, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, id)
		}()
	}
	p.logger.Info("worker pool started", "size", p.size, "id", p.id)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.logger.With("worker", workerID)
	for {
		j, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(time.Second):
			}
			continue
		}
		p.Process(ctx, j)
	}
}

// Process executes one claimed job and reports its outcome.
func (p *Pool) Process(ctx context.Context, j *jobs.Job) {
	log := p.logger.With("job_id", j.ID)
	// Reports must land even when shutdown cancelled ctx.
	reportCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker recovered panic", "panic", r, "stack", string(debug.Stack()))
			p.fail(reportCtx, log, j, jobs.Failure{Reason: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	payload := j.Payload.Data()
	if err := payload.Validate(); err != nil {
		log.Warn("malformed payload", "error", err)
		p.fail(reportCtx, log, j, jobs.Failure{Reason: err.Error()})
		return
	}

	out := p.execute(ctx, j, payload)
	p.report(ctx, reportCtx, log, j, out)
}

type outcome struct {
	exit        Exit
	stdout      *Tail
	stderr      *Tail
	label       string
	artifacts   []string
	quotaSignal string
	startedAt   time.Time
	finishedAt  time.Time
}

func (p *Pool) execute(ctx context.Context, j *jobs.Job, payload jobs.Payload) outcome {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := outcome{
		stdout:    NewTail(p.tailLines),
		stderr:    NewTail(p.tailLines),
		startedAt: p.clock.Now().UTC(),
	}

	lines := make(chan Line, lineBuffer)
	exited := make(chan Exit, 1)
	go func() {
		exited <- p.runner.Run(runCtx, Spec{Dir: payload.WorkDir, Task: payload.Task, Env: payload.Env}, lines)
	}()
	// On a panic below, kill the process and drain lines so the runner's
	// readers and Run can return. A no-op after a normal exit.
	defer func() {
		if r := recover(); r != nil {
			cancel(errProcessPanic)
			for range lines {
			}
			<-exited
			panic(r)
		}
	}()

	lastBeat := out.startedAt
	for ln := range lines {
		kind := events.JobStdout
		tail := out.stdout
		if ln.Stream == Stderr {
			kind = events.JobStderr
			tail = out.stderr
		}
		tail.Add(ln.Text)
		p.events.PublishToRoom(j.ID, events.New(p.clock.Now().UTC(), kind, j.ID, map[string]any{"line": ln.Text}))

		switch {
		case strings.HasPrefix(ln.Text, labelMarker):
			out.label = strings.TrimSpace(strings.TrimPrefix(ln.Text, labelMarker))
		case strings.HasPrefix(ln.Text, commitMarker):
			if sha := strings.TrimSpace(strings.TrimPrefix(ln.Text, commitMarker)); sha != "" {
				out.artifacts = append(out.artifacts, sha)
			}
		}

		if ln.Stream == Stderr && out.quotaSignal == "" && p.guard.Inspect(ln.Text) {
			out.quotaSignal = ln.Text
			cancel(errQuotaSignal)
		}

		if now := p.clock.Now(); now.Sub(lastBeat) >= p.heartbeat {
			lastBeat = now
			if err := p.queue.Touch(ctx, j.ID); err != nil && ctx.Err() == nil {
				p.logger.Warn("heartbeat failed", "job_id", j.ID, "error", err)
			}
		}
	}

	out.exit = <-exited
	out.finishedAt = p.clock.Now().UTC()
	return out
}

func (p *Pool) report(ctx, reportCtx context.Context, log *slog.Logger, j *jobs.Job, out outcome) {
	res := jobs.Result{
		Label:       out.label,
		CompletedAt: out.finishedAt,
		DurationMs:  out.finishedAt.Sub(out.startedAt).Milliseconds(),
		Artifacts:   out.artifacts,
		ExitCode:    out.exit.Code,
	}
	if out.stdout.Dropped() > 0 || out.stderr.Dropped() > 0 {
		log.Debug("output truncated", "stdout_dropped", out.stdout.Dropped(), "stderr_dropped", out.stderr.Dropped())
	}

	switch {
	case out.quotaSignal != "":
		if _, err := p.guard.OnQuotaDetected(reportCtx, j, out.quotaSignal); err != nil {
			log.Error("quota deferral failed", "error", err)
		}

	case errors.Is(out.exit.Cause, ErrTimeout):
		res.Output = joinOutput(out.stdout, out.stderr)
		p.fail(reportCtx, log, j, jobs.Failure{
			Reason: fmt.Sprintf("timed out after %s", p.runner.Timeout),
			Result: res,
		})

	case out.exit.Cause != nil && ctx.Err() != nil:
		// Shutdown: give the job back for the next process.
		if err := p.queue.Defer(reportCtx, j, p.clock.Now().UTC(), "interrupted by shutdown"); err != nil {
			log.Error("release on shutdown failed", "error", err)
		}

	case out.exit.Err != nil:
		res.Output = out.stderr.String()
		p.fail(reportCtx, log, j, jobs.Failure{Reason: out.exit.Err.Error(), Retryable: true, Result: res})

	case out.exit.Code == 0:
		res.Success = true
		res.Output = out.stdout.String()
		if err := p.queue.Complete(reportCtx, j, res); err != nil {
			log.Error("report completion failed", "error", err)
		}

	default:
		res.Output = out.stderr.String()
		p.fail(reportCtx, log, j, jobs.Failure{
			Reason:    failureReason(out.exit.Code, out.stderr),
			Retryable: true,
			Result:    res,
		})
	}
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, j *jobs.Job, f jobs.Failure) {
	if _, err := p.queue.Fail(ctx, j, f); err != nil {
		log.Error("report failure failed", "error", err)
	}
}

func failureReason(code int, stderr *Tail) string {
	reason := fmt.Sprintf("exit code %d", code)
	if lines := stderr.Lines(); len(lines) > 0 {
		reason += ": " + lines[len(lines)-1]
	}
	return reason
}

func joinOutput(stdout, stderr *Tail) string {
	switch {
	case stderr.Len() == 0:
		return stdout.String()
	case stdout.Len() == 0:
		return stderr.String()
	}
	return stdout.String() + "\n" + stderr.String()
}
