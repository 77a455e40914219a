package events

import "time"

type Kind string

const (
	JobWaiting     Kind = "job:waiting"
	JobActive      Kind = "job:active"
	JobCompleted   Kind = "job:completed"
	JobFailed      Kind = "job:failed"
	JobStalled     Kind = "job:stalled"
	JobStdout      Kind = "job:stdout"
	JobStderr      Kind = "job:stderr"
	QueueStats     Kind = "queue:stats"
	QuotaExhausted Kind = "quota:exhausted"
	QuotaRestored  Kind = "quota:restored"
)

// Event is immutable once published. JobID is empty for queue-wide events.
type Event struct {
	Type      Kind      `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps the event with at, which producers take from their own clock.
func New(at time.Time, kind Kind, jobID string, data any) Event {
	return Event{Type: kind, JobID: jobID, Data: data, Timestamp: at.UTC()}
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(ev Event)
	PublishToRoom(jobID string, ev Event)
}

// Discard drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event)               {}
func (discard) PublishToRoom(string, Event) {}
