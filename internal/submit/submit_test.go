package submit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskpilot/internal/jobs"
	"taskpilot/internal/workspace"
)

type captureQueue struct {
	payloads []jobs.Payload
	err      error
}

func (q *captureQueue) Enqueue(_ context.Context, p jobs.Payload, _ jobs.EnqueueOptions) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.payloads = append(q.payloads, p)
	return "job-1", nil
}

func newSubmitter(t *testing.T, q Enqueuer, root string) *Submitter {
	t.Helper()
	s, err := New(q, &workspace.Manager{Root: root}, Options{
		TriggerPhrase: "@agent",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func sampleTrigger() Trigger {
	return Trigger{
		DeliveryID: "d-1",
		Event:      "issue_comment",
		Repo:       Repository{FullName: "org/app", Owner: "org"},
		PR:         &PullRequest{Number: 12, HeadRef: "feature/login"},
		Comment:    Comment{ID: 555, Body: "@agent add input validation", Author: "octocat"},
	}
}

func TestSubmitEnqueuesRenderedJob(t *testing.T) {
	root := t.TempDir()
	// Seed the workspace so the classifier has something to find.
	wsDir := filepath.Join(root, "org__app", "pr-12")
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := &captureQueue{}
	id, err := newSubmitter(t, q, root).Submit(context.Background(), sampleTrigger())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-1" || len(q.payloads) != 1 {
		t.Fatalf("id = %q payloads = %d", id, len(q.payloads))
	}

	p := q.payloads[0]
	if p.WorkDir != wsDir {
		t.Errorf("work dir = %s, want %s", p.WorkDir, wsDir)
	}
	if p.ProjectKind != "go" || p.PRNumber != 12 || p.CommentID != 555 || p.DeliveryID != "d-1" {
		t.Errorf("payload = %+v", p)
	}
	for _, want := range []string{"org/app", "pull request #12", "feature/login", "@octocat", "add input validation", "go"} {
		if !strings.Contains(p.Task, want) {
			t.Errorf("task missing %q:\n%s", want, p.Task)
		}
	}
	if strings.Contains(p.Task, "@agent") {
		t.Error("trigger phrase should be stripped from the instruction")
	}
	wantEnv := map[string]string{
		"TASKPILOT_REPO":         "org/app",
		"TASKPILOT_PR":           "12",
		"TASKPILOT_COMMENT_ID":   "555",
		"TASKPILOT_COMMENTER":    "octocat",
		"TASKPILOT_PROJECT_KIND": "go",
	}
	for k, v := range wantEnv {
		if p.Env[k] != v {
			t.Errorf("env %s = %q, want %q", k, p.Env[k], v)
		}
	}
}

func TestSubmitWithoutPullRequest(t *testing.T) {
	q := &captureQueue{}
	tr := sampleTrigger()
	tr.PR = nil

	if _, err := newSubmitter(t, q, t.TempDir()).Submit(context.Background(), tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p := q.payloads[0]
	if filepath.Base(p.WorkDir) != "comment-555" {
		t.Errorf("work dir = %s", p.WorkDir)
	}
	if _, ok := p.Env["TASKPILOT_PR"]; ok {
		t.Error("TASKPILOT_PR set without a pull request")
	}
	if p.ProjectKind != "unknown" {
		t.Errorf("project kind = %s", p.ProjectKind)
	}
}

func TestSubmitFailuresEnqueueNothing(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Trigger)
		qErr   error
		want   error
	}{
		{"empty instruction", func(tr *Trigger) { tr.Comment.Body = "  @agent  " }, nil, ErrEmptyInstruction},
		{"bad repository", func(tr *Trigger) { tr.Repo.FullName = "../../etc" }, nil, workspace.ErrBadRepo},
		{"store down", func(*Trigger) {}, errors.New("connection refused"), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &captureQueue{err: tc.qErr}
			tr := sampleTrigger()
			tc.mutate(&tr)
			_, err := newSubmitter(t, q, t.TempDir()).Submit(context.Background(), tr)
			if err == nil {
				t.Fatal("Submit succeeded")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
			if len(q.payloads) != 0 {
				t.Error("partial job enqueued")
			}
		})
	}
}

func TestInstruction(t *testing.T) {
	cases := []struct{ body, phrase, want string }{
		{"@agent add tests", "@agent", "add tests"},
		{"please @Agent fix the build", "@agent", "please  fix the build"},
		{"no phrase here", "@agent", "no phrase here"},
		{"  spaced  ", "", "spaced"},
	}
	for _, tc := range cases {
		if got := Instruction(tc.body, tc.phrase); got != tc.want {
			t.Errorf("Instruction(%q, %q) = %q, want %q", tc.body, tc.phrase, got, tc.want)
		}
	}
}

func TestRendererTemplates(t *testing.T) {
	if _, err := NewRenderer("{{.Nope"); err == nil {
		t.Error("expected parse error")
	}

	r, err := NewRenderer("{{.Missing}}")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	if _, err := r.Render(TaskData{}); err == nil {
		t.Error("expected error for unknown field")
	}

	path := filepath.Join(t.TempDir(), "task.tmpl")
	if err := os.WriteFile(path, []byte("{{.Repo}}: {{.Instruction}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err = LoadRenderer(path)
	if err != nil {
		t.Fatalf("LoadRenderer: %v", err)
	}
	got, err := r.Render(TaskData{Repo: "org/app", Instruction: "add tests"})
	if err != nil || got != "org/app: add tests" {
		t.Errorf("Render = %q, %v", got, err)
	}

	if _, err := LoadRenderer(filepath.Join(t.TempDir(), "absent.tmpl")); err == nil {
		t.Error("expected error for missing template file")
	}
}
