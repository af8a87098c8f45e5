// Package events defines the typed event set emitted by task runners.
package events

import (
	"time"

	"github.com/google/uuid"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// Name identifies one of the fixed runner event kinds. The set is closed:
// runners emit nothing else and the task service persists nothing else.
type Name string

const (
	IterationStart       Name = "iteration:start"
	IterationComplete    Name = "iteration:complete"
	VerificationStart    Name = "verification:start"
	VerificationComplete Name = "verification:complete"
	StatusUpdate         Name = "status:update"
	TaskComplete         Name = "task:complete"
	TaskFailed           Name = "task:failed"
	TaskPaused           Name = "task:paused"
	TaskResumed          Name = "task:resumed"
	TaskCancelled        Name = "task:cancelled"
)

// Names lists every runner event kind.
func Names() []Name {
	return []Name{
		IterationStart, IterationComplete,
		VerificationStart, VerificationComplete,
		StatusUpdate,
		TaskComplete, TaskFailed, TaskPaused, TaskResumed, TaskCancelled,
	}
}

// TaskEvent is one runner event with the full task snapshot at emission
// time. Events are immutable once published; subscribers share them by
// value.
type TaskEvent struct {
	ID   string    `json:"id"`
	Name Name      `json:"name"`
	Task v1.Task   `json:"task"`
	At   time.Time `json:"at"`

	// Payload fields, populated per event kind.
	Output     string  `json:"output,omitempty"`     // iteration:complete, task:cancelled
	Message    string  `json:"message,omitempty"`    // status:update
	Result     string  `json:"result,omitempty"`     // task:complete
	Error      string  `json:"error,omitempty"`      // task:failed
	Feedback   string  `json:"feedback,omitempty"`   // verification:complete
	Passed     bool    `json:"passed,omitempty"`     // verification:complete
	Confidence float64 `json:"confidence,omitempty"` // verification:complete
}

// New creates an event with a fresh ID and the given task snapshot.
func New(name Name, task v1.Task) TaskEvent {
	return TaskEvent{
		ID:   uuid.New().String(),
		Name: name,
		Task: task,
		At:   time.Now().UTC(),
	}
}

// Subject returns the NATS subject used when mirroring the event to an
// external broker ("task:failed" becomes "task.event.task.failed").
func (e TaskEvent) Subject() string {
	name := string(e.Name)
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			out[i] = '.'
		} else {
			out[i] = name[i]
		}
	}
	return "task.event." + string(out)
}
