// Package submit turns an accepted trigger into a queued agent job.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"taskpilot/internal/jobs"
	"taskpilot/internal/project"
)

type Repository struct {
	FullName string
	CloneURL string
	Owner    string
	Private  bool
}

type PullRequest struct {
	Number  int
	HeadRef string
	HeadSHA string
}

type Comment struct {
	ID     int64
	Body   string
	Author string
}

// Trigger is a validated comment event.
type Trigger struct {
	DeliveryID string
	Event      string
	Repo       Repository
	PR         *PullRequest
	Comment    Comment
}

// WorkspaceKey names the trigger's working directory: one per pull request,
// otherwise one per comment.
func (t Trigger) WorkspaceKey() string {
	if t.PR != nil && t.PR.Number > 0 {
		return "pr-" + strconv.Itoa(t.PR.Number)
	}
	return "comment-" + strconv.FormatInt(t.Comment.ID, 10)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload, opts jobs.EnqueueOptions) (string, error)
}

type Workspaces interface {
	Prepare(repo, key string) (string, error)
}

var ErrEmptyInstruction = errors.New("submit: comment has no instruction after the trigger phrase")

type Options struct {
	TriggerPhrase string
	Renderer      *Renderer
	Detect        func(dir string) project.Kind
	Logger        *slog.Logger
}

type Submitter struct {
	queue      Enqueuer
	workspaces Workspaces
	renderer   *Renderer
	detect     func(dir string) project.Kind
	phrase     string
	logger     *slog.Logger
}

func New(queue Enqueuer, workspaces Workspaces, opts Options) (*Submitter, error) {
	if opts.Renderer == nil {
		r, err := NewRenderer(DefaultTemplate)
		if err != nil {
			return nil, err
		}
		opts.Renderer = r
	}
	if opts.Detect == nil {
		opts.Detect = project.Detect
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Submitter{
		queue:      queue,
		workspaces: workspaces,
		renderer:   opts.Renderer,
		detect:     opts.Detect,
		phrase:     opts.TriggerPhrase,
		logger:     opts.Logger,
	}, nil
}

// Submit prepares the job's working directory, renders the task and
// enqueues it. Nothing is enqueued when any step fails.
func (s *Submitter) Submit(ctx context.Context, t Trigger) (string, error) {
	instruction := Instruction(t.Comment.Body, s.phrase)
	if instruction == "" {
		return "", ErrEmptyInstruction
	}

	dir, err := s.workspaces.Prepare(t.Repo.FullName, t.WorkspaceKey())
	if err != nil {
		return "", err
	}
	kind := s.detect(dir)

	data := TaskData{
		Repo:        t.Repo.FullName,
		Commenter:   t.Comment.Author,
		CommentID:   t.Comment.ID,
		Instruction: instruction,
		ProjectKind: string(kind),
	}
	if t.PR != nil {
		data.PRNumber = t.PR.Number
		data.HeadRef = t.PR.HeadRef
	}
	task, err := s.renderer.Render(data)
	if err != nil {
		return "", err
	}

	payload := jobs.Payload{
		WorkDir:     dir,
		Task:        task,
		Env:         Env(t, kind),
		Repo:        t.Repo.FullName,
		PRNumber:    data.PRNumber,
		CommentID:   t.Comment.ID,
		Commenter:   t.Comment.Author,
		ProjectKind: string(kind),
		DeliveryID:  t.DeliveryID,
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	id, err := s.queue.Enqueue(ctx, payload, jobs.EnqueueOptions{})
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", t.Repo.FullName, err)
	}
	s.logger.Info("job submitted",
		"job_id", id,
		"repo", t.Repo.FullName,
		"delivery_id", t.DeliveryID,
		"project_kind", kind,
	)
	return id, nil
}

// Env is the environment handed to the agent process on top of the
// server's own.
func Env(t Trigger, kind project.Kind) map[string]string {
	env := map[string]string{
		"TASKPILOT_REPO":         t.Repo.FullName,
		"TASKPILOT_COMMENT_ID":   strconv.FormatInt(t.Comment.ID, 10),
		"TASKPILOT_COMMENTER":    t.Comment.Author,
		"TASKPILOT_PROJECT_KIND": string(kind),
	}
	if t.PR != nil && t.PR.Number > 0 {
		env["TASKPILOT_PR"] = strconv.Itoa(t.PR.Number)
	}
	if t.DeliveryID != "" {
		env["TASKPILOT_DELIVERY_ID"] = t.DeliveryID
	}
	return env
}

// Instruction is the comment body with the first trigger phrase removed.
func Instruction(body, phrase string) string {
	if phrase != "" {
		re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(phrase))
		if loc := re.FindStringIndex(body); loc != nil {
			body = body[:loc[0]] + body[loc[1]:]
		}
	}
	return strings.TrimSpace(body)
}
