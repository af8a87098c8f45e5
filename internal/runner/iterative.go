package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const timeoutContinuationPrompt = "The previous operation timed out. Please continue or retry."

// feedbackPrompt wraps verifier feedback in the corrective envelope sent
// to the agent for the next iteration.
func feedbackPrompt(feedback string) string {
	return "The previous attempt was not successful. Here's the feedback:\n" +
		feedback +
		"\nPlease address the issues mentioned above and continue working on the task."
}

// IterativeRunner drives the verify-and-retry loop: send prompt, wait
// for the session to quiesce, capture output, verify, and either finish
// or inject feedback and iterate.
type IterativeRunner struct {
	*base
	logger *logger.Logger
}

// NewIterativeRunner creates the iterative runner.
func NewIterativeRunner(deps Deps) *IterativeRunner {
	return &IterativeRunner{
		base:   newBase(deps),
		logger: deps.Logger.WithFields(zap.String("component", "runner-ralph")),
	}
}

// Kind returns the runner kind.
func (r *IterativeRunner) Kind() v1.RunnerKind { return v1.RunnerRalph }

// Accepts reports whether the task targets this runner.
func (r *IterativeRunner) Accepts(task *v1.Task) bool {
	return task.RunnerKind == v1.RunnerRalph
}

// Start registers the task and launches its loop goroutine. Fails when
// the session is unknown, cannot be revived, or the task is already
// tracked.
func (r *IterativeRunner) Start(ctx context.Context, task *v1.Task) error {
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

	r.logger.Info("starting iterative task",
		zap.String("task_id", task.ID),
		zap.String("session", sessionName),
		zap.Int("max_iterations", task.MaxIterations))
	go r.loop(rec)
	return nil
}

// Pause interrupts the agent and sets the pause flag. The loop honors it
// at the next iteration boundary; a mid-iteration wait is not cut short.
func (r *IterativeRunner) Pause(taskID string) error {
	rec := r.lookup(taskID)
	if rec == nil {
		return fmt.Errorf("task %s is not tracked by this runner", taskID)
	}
	r.deps.Terminal.SendEscape(rec.session(), 2)
	rec.paused.Store(true)
	r.publish(rec, events.TaskPaused, nil)
	return nil
}

// Resume tells the agent to continue and clears the pause flag.
func (r *IterativeRunner) Resume(taskID string) error {
	rec := r.lookup(taskID)
	if rec == nil {
		return fmt.Errorf("task %s is not tracked by this runner", taskID)
	}
	r.deps.Terminal.SendKeys(rec.session(), "continue")
	rec.paused.Store(false)
	r.publish(rec, events.TaskResumed, nil)
	return nil
}

// Cancel stops the task, capturing a final scrollback. Idempotent.
func (r *IterativeRunner) Cancel(taskID string) error {
	return r.cancelTracked(taskID)
}

// Status returns the tracked view of the task.
func (r *IterativeRunner) Status(taskID string) Status {
	return r.status(taskID)
}

// loop is the per-task coroutine. It owns the record until a terminal
// transition deregisters it. All store writes happen via events.
func (r *IterativeRunner) loop(rec *running) {
	taskID := rec.snapshot().ID
	defer func() {
		if p := recover(); p != nil {
			if r.deregister(taskID) != nil {
				r.publish(rec, events.TaskFailed, func(e *events.TaskEvent) {
					e.Error = fmt.Sprintf("runner panic: %v", p)
				})
			}
			r.logger.Error("runner loop panic",
				zap.String("task_id", taskID),
				zap.Any("panic", p))
		}
	}()

	// A stale sidecar from an earlier task must not end the first wait
	// immediately.
	removeStatusFile(rec.projectPath)

	r.prepareSession(rec)

	prompt := rec.snapshot().Prompt
	for {
		if rec.cancelled() {
			return
		}
		if !r.waitWhilePaused(rec) {
			return
		}

		snap := rec.snapshot()
		if snap.CurrentIteration >= snap.MaxIterations {
			if r.deregister(taskID) == nil {
				return
			}
			r.publish(rec, events.TaskFailed, func(e *events.TaskEvent) {
				e.Error = "max iterations reached"
			})
			return
		}

		rec.mu.Lock()
		rec.task.CurrentIteration++
		iteration := rec.task.CurrentIteration
		rec.mu.Unlock()

		r.publish(rec, events.IterationStart, nil)
		r.statusUpdate(rec, fmt.Sprintf("Iteration %d starting...", iteration))

		if !r.sendPrompt(rec, prompt) {
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
			r.publish(rec, events.IterationComplete, func(e *events.TaskEvent) {
				e.Output = "timeout"
			})
			prompt = timeoutContinuationPrompt
			continue
		}

		output := r.deps.Terminal.CaptureScrollback(rec.session(), 5000)
		r.publish(rec, events.IterationComplete, func(e *events.TaskEvent) {
			e.Output = output
		})

		r.publish(rec, events.VerificationStart, nil)
		task := rec.snapshot()
		result := r.deps.Verifier.Verify(rec.ctx, &task, output)
		rec.mu.Lock()
		rec.task.LastVerificationResult = serializeResult(result)
		rec.mu.Unlock()
		r.publish(rec, events.VerificationComplete, func(e *events.TaskEvent) {
			e.Passed = result.Passed
			e.Feedback = result.Feedback
			e.Confidence = result.Confidence
		})

		if result.Passed {
			if r.deregister(taskID) == nil {
				return
			}
			r.publish(rec, events.TaskComplete, func(e *events.TaskEvent) {
				e.Result = output
			})
			r.logger.Info("task completed",
				zap.String("task_id", taskID),
				zap.Int("iterations", iteration))
			return
		}

		prompt = feedbackPrompt(result.Feedback)
	}
}
