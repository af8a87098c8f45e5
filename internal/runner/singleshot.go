package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// SingleShotRunner runs exactly one iteration and skips verification:
// quiescence means done, timeout means failed. No pause support.
type SingleShotRunner struct {
	*base
	logger *logger.Logger
}

// NewSingleShotRunner creates the single-shot runner.
func NewSingleShotRunner(deps Deps) *SingleShotRunner {
	return &SingleShotRunner{
		base:   newBase(deps),
		logger: deps.Logger.WithFields(zap.String("component", "runner-simple")),
	}
}

// Kind returns the runner kind.
func (r *SingleShotRunner) Kind() v1.RunnerKind { return v1.RunnerSimple }

// Accepts reports whether the task targets this runner.
func (r *SingleShotRunner) Accepts(task *v1.Task) bool {
	return task.RunnerKind == v1.RunnerSimple
}

// Start registers the task and launches its single iteration.
func (r *SingleShotRunner) Start(ctx context.Context, task *v1.Task) error {
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

	r.logger.Info("starting single-shot task",
		zap.String("task_id", task.ID),
		zap.String("session", sessionName))
	go r.run(rec)
	return nil
}

// Pause is unsupported.
func (r *SingleShotRunner) Pause(string) error { return ErrPauseUnsupported }

// Resume is unsupported.
func (r *SingleShotRunner) Resume(string) error { return ErrPauseUnsupported }

// Cancel stops the task. Idempotent.
func (r *SingleShotRunner) Cancel(taskID string) error {
	return r.cancelTracked(taskID)
}

// Status returns the tracked view of the task.
func (r *SingleShotRunner) Status(taskID string) Status {
	return r.status(taskID)
}

func (r *SingleShotRunner) run(rec *running) {
	taskID := rec.snapshot().ID
	defer func() {
		if p := recover(); p != nil {
			if r.deregister(taskID) != nil {
				r.publish(rec, events.TaskFailed, func(e *events.TaskEvent) {
					e.Error = fmt.Sprintf("runner panic: %v", p)
				})
			}
		}
	}()

	// A stale sidecar from an earlier task must not end the wait
	// immediately.
	removeStatusFile(rec.projectPath)

	r.prepareSession(rec)
	if rec.cancelled() {
		return
	}

	rec.mu.Lock()
	rec.task.CurrentIteration = 1
	rec.mu.Unlock()
	r.publish(rec, events.IterationStart, nil)

	if !r.sendPrompt(rec, rec.snapshot().Prompt) {
		if r.deregister(taskID) == nil {
			return
		}
		r.publish(rec, events.TaskFailed, func(e *events.TaskEvent) {
			e.Error = "could not send to session"
		})
		return
	}

	completed := r.waitForCompletion(rec)
	if rec.cancelled() {
		return
	}
	if !completed {
		if r.deregister(taskID) == nil {
			return
		}
		r.publish(rec, events.TaskFailed, func(e *events.TaskEvent) {
			e.Error = "timed out"
		})
		return
	}

	output := r.deps.Terminal.CaptureScrollback(rec.session(), 5000)
	r.publish(rec, events.IterationComplete, func(e *events.TaskEvent) {
		e.Output = output
	})
	if r.deregister(taskID) == nil {
		return
	}
	r.publish(rec, events.TaskComplete, func(e *events.TaskEvent) {
		e.Result = output
	})
}
