package jobs

import (
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed" // retry backoff or quota deferral
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusDelayed, StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one agent run. Status and Attempts are only written by Queue; the
// worker holding the claim supplies Result and LastError through it.
type Job struct {
	Seq uint64 `gorm:"primaryKey"`
	ID  string `gorm:"uniqueIndex;size:36;not null"`

	Status     Status    `gorm:"type:text;index;not null"`
	EnqueuedAt time.Time `gorm:"not null"`
	RunAt      time.Time `gorm:"index;not null"`

	Payload datatypes.JSONType[Payload] `gorm:"not null"`
	Result  datatypes.JSONType[Result]

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:3"`

	LastError string `gorm:"type:text"`

	LockedBy    *string    `gorm:"type:text"`
	LockedAt    *time.Time `gorm:"index"`
	HeartbeatAt *time.Time
	StalledAt   *time.Time
	FinishedAt  *time.Time `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payload is everything the worker needs to run the agent process.
type Payload struct {
	WorkDir     string            `json:"workDir"`
	Task        string            `json:"task"`
	Env         map[string]string `json:"env,omitempty"`
	Repo        string            `json:"repo"`
	PRNumber    int               `json:"prNumber,omitempty"`
	CommentID   int64             `json:"commentId,omitempty"`
	Commenter   string            `json:"commenter,omitempty"`
	ProjectKind string            `json:"projectKind,omitempty"`
	DeliveryID  string            `json:"deliveryId,omitempty"`
}

var (
	ErrMissingWorkDir = errors.New("payload: work dir is required")
	ErrMissingTask    = errors.New("payload: task text is required")
)

func (p Payload) Validate() error {
	if strings.TrimSpace(p.WorkDir) == "" {
		return ErrMissingWorkDir
	}
	if strings.TrimSpace(p.Task) == "" {
		return ErrMissingTask
	}
	return nil
}

// Result is the outcome reported by the worker.
type Result struct {
	Success     bool      `json:"success"`
	Output      string    `json:"output"`
	Label       string    `json:"label,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	ExitCode    int       `json:"exitCode"`
}

// QueueState persists the pause so a restart honours a running cool-down.
type QueueState struct {
	Queue     string `gorm:"primaryKey;size:64"`
	Paused    bool   `gorm:"not null;default:false"`
	ResumeAt  *time.Time
	UpdatedAt time.Time
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// View is the JSON shape of a job for observers and the inspection endpoint.
type View struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Repo        string     `json:"repo"`
	PRNumber    int        `json:"prNumber,omitempty"`
	Commenter   string     `json:"commenter,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	RunAt       time.Time  `json:"runAt"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	LastError   string     `json:"lastError,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

func (j *Job) View() View {
	p := j.Payload.Data()
	v := View{
		ID:          j.ID,
		Status:      j.Status,
		Repo:        p.Repo,
		PRNumber:    p.PRNumber,
		Commenter:   p.Commenter,
		EnqueuedAt:  j.EnqueuedAt,
		RunAt:       j.RunAt,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		FinishedAt:  j.FinishedAt,
	}
	if r := j.Result.Data(); !r.CompletedAt.IsZero() {
		v.Result = &r
	}
	return v
}
