package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// ManualRunner is pure bookkeeping: a human drives the agent and later
// reports the outcome through the task service.
type ManualRunner struct {
	*base
	logger *logger.Logger
}

// NewManualRunner creates the manual runner.
func NewManualRunner(deps Deps) *ManualRunner {
	return &ManualRunner{
		base:   newBase(deps),
		logger: deps.Logger.WithFields(zap.String("component", "runner-manual")),
	}
}

// Kind returns the runner kind.
func (r *ManualRunner) Kind() v1.RunnerKind { return v1.RunnerManual }

// Accepts reports whether the task targets this runner.
func (r *ManualRunner) Accepts(task *v1.Task) bool {
	return task.RunnerKind == v1.RunnerManual
}

// Start marks the task running and emits iteration:start. The human
// works in the session directly; no loop is launched.
func (r *ManualRunner) Start(ctx context.Context, task *v1.Task) error {
	session, err := r.deps.Sessions.Get(ctx, task.SessionID)
	if err != nil {
		return err
	}
	sessionName, err := r.deps.Sessions.EnsureAlive(ctx, task.SessionID)
	if err != nil {
		return err
	}

	rec, err := r.register(task, sessionName, session.ProjectPath)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	rec.task.CurrentIteration = 1
	rec.mu.Unlock()
	r.publish(rec, events.IterationStart, nil)

	r.logger.Info("manual task started", zap.String("task_id", task.ID))
	return nil
}

// Pause is unsupported.
func (r *ManualRunner) Pause(string) error { return ErrPauseUnsupported }

// Resume is unsupported.
func (r *ManualRunner) Resume(string) error { return ErrPauseUnsupported }

// Cancel deregisters the task and emits task:cancelled. Idempotent.
func (r *ManualRunner) Cancel(taskID string) error {
	rec := r.deregister(taskID)
	if rec == nil {
		return nil
	}
	rec.cancel()
	r.publish(rec, events.TaskCancelled, nil)
	return nil
}

// Status returns the tracked view of the task.
func (r *ManualRunner) Status(taskID string) Status {
	return r.status(taskID)
}

// Complete records the human-reported success.
func (r *ManualRunner) Complete(taskID, result string) error {
	rec := r.deregister(taskID)
	if rec == nil {
		return fmt.Errorf("task %s is not tracked by this runner", taskID)
	}
	rec.cancel()
	r.publish(rec, events.TaskComplete, func(e *events.TaskEvent) {
		e.Result = result
	})
	return nil
}

// Fail records the human-reported failure.
func (r *ManualRunner) Fail(taskID, errMsg string) error {
	rec := r.deregister(taskID)
	if rec == nil {
		return fmt.Errorf("task %s is not tracked by this runner", taskID)
	}
	rec.cancel()
	r.publish(rec, events.TaskFailed, func(e *events.TaskEvent) {
		e.Error = errMsg
	})
	return nil
}
