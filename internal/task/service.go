// Package task implements the task service: the public façade over task
// records and the only code that mutates them in the store.
package task

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/clock"
	apperrors "github.com/foremanhq/foreman/internal/common/errors"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/runner"
	"github.com/foremanhq/foreman/internal/store"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const (
	minIterations = 1
	maxIterations = 100
)

// manualCompleter is the extra surface of the manual runner.
type manualCompleter interface {
	Complete(taskID, result string) error
	Fail(taskID, errMsg string) error
}

// Service routes task lifecycle operations to runners and persists
// runner events. Runners never touch the store; the service's event
// subscriber is the single write path for progress.
type Service struct {
	store    *store.Store
	registry *runner.Registry
	bus      bus.Bus
	clock    clock.Clock
	logger   *logger.Logger

	sub bus.Subscription
}

// NewService creates the task service and subscribes it to the bus.
func NewService(st *store.Store, registry *runner.Registry, b bus.Bus, clk clock.Clock, log *logger.Logger) (*Service, error) {
	s := &Service{
		store:    st,
		registry: registry,
		bus:      b,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "task-service")),
	}
	sub, err := b.Subscribe(s.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to event bus: %w", err)
	}
	s.sub = sub
	return s, nil
}

// Close unsubscribes from the bus.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// CreateInput holds the fields for a new task.
type CreateInput struct {
	SessionID          string
	Name               string
	Prompt             string
	RunnerKind         v1.RunnerKind
	MaxIterations      int
	VerificationPrompt string
	AutoStart          bool
}

// Create inserts a pending task, optionally starting it immediately.
func (s *Service) Create(ctx context.Context, input CreateInput) (*v1.Task, error) {
	if input.Name == "" {
		return nil, apperrors.ValidationError("name", "must not be empty")
	}
	if input.Prompt == "" {
		return nil, apperrors.ValidationError("prompt", "must not be empty")
	}
	if input.RunnerKind == "" {
		input.RunnerKind = v1.RunnerRalph
	}
	if !input.RunnerKind.Valid() {
		return nil, apperrors.ValidationError("runner_kind", fmt.Sprintf("unknown runner kind %q", input.RunnerKind))
	}
	if input.MaxIterations == 0 {
		input.MaxIterations = 10
	}
	if input.MaxIterations < minIterations || input.MaxIterations > maxIterations {
		return nil, apperrors.ValidationError("max_iterations",
			fmt.Sprintf("must be between %d and %d", minIterations, maxIterations))
	}
	if _, err := s.store.GetSession(ctx, input.SessionID); err != nil {
		return nil, err
	}

	task := &v1.Task{
		SessionID:          input.SessionID,
		Name:               input.Name,
		Prompt:             input.Prompt,
		RunnerKind:         input.RunnerKind,
		MaxIterations:      input.MaxIterations,
		VerificationPrompt: input.VerificationPrompt,
		Status:             v1.TaskStatusPending,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, apperrors.Wrap(err, "failed to create task")
	}

	if input.AutoStart {
		if err := s.Start(ctx, task.ID); err != nil {
			return task, err
		}
		return s.store.GetTask(ctx, task.ID)
	}
	return task, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (*v1.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks, optionally filtered to one session.
func (s *Service) List(ctx context.Context, sessionID string) ([]*v1.Task, error) {
	return s.store.ListTasks(ctx, sessionID)
}

// ListByStatus returns tasks in any of the given statuses.
func (s *Service) ListByStatus(ctx context.Context, statuses ...v1.TaskStatus) ([]*v1.Task, error) {
	return s.store.ListTasksByStatus(ctx, statuses...)
}

// RecordActivity resets health failure tracking after observed session
// output and refreshes the progress timestamp.
func (s *Service) RecordActivity(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil
		}
		now := s.clock.Now().UTC()
		t.HealthCheckFailures = 0
		t.LastProgressAt = &now
		return s.store.UpdateTaskTx(ctx, tx, t)
	})
}

// RecordHealthFailure increments the health failure counter and returns
// the new count.
func (s *Service) RecordHealthFailure(ctx context.Context, id string) (int, error) {
	var count int
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			count = t.HealthCheckFailures
			return nil
		}
		t.HealthCheckFailures++
		count = t.HealthCheckFailures
		return s.store.UpdateTaskTx(ctx, tx, t)
	})
	return count, err
}

// Start transitions a pending task to running and dispatches it to its
// runner. The single-active-per-session invariant is checked and the
// status written in one transaction.
func (s *Service) Start(ctx context.Context, id string) error {
	var task *v1.Task
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != v1.TaskStatusPending {
			return apperrors.BadRequest(fmt.Sprintf("task is %s, only pending tasks can be started", t.Status))
		}
		active, err := s.store.ActiveTaskTx(ctx, tx, t.SessionID)
		if err != nil {
			return err
		}
		if active != nil {
			return apperrors.Conflict("another task already running on this session")
		}

		now := s.clock.Now().UTC()
		t.Status = v1.TaskStatusRunning
		t.StartedAt = &now
		t.LastProgressAt = &now
		t.HealthCheckFailures = 0
		t.Error = ""
		if err := s.store.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return err
	}

	r, err := s.registry.Get(task.RunnerKind)
	if err == nil {
		err = r.Start(ctx, task)
	}
	if err != nil {
		s.logger.WithTaskID(id).WithError(err).Error("runner start failed, reverting task")
		revertErr := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			t, gerr := s.store.GetTaskTx(ctx, tx, id)
			if gerr != nil {
				return gerr
			}
			t.Status = v1.TaskStatusPending
			t.StartedAt = nil
			t.Error = err.Error()
			return s.store.UpdateTaskTx(ctx, tx, t)
		})
		if revertErr != nil {
			s.logger.WithTaskID(id).WithError(revertErr).Error("failed to revert task after start failure")
		}
		return apperrors.Wrap(err, "failed to start task")
	}

	s.logger.WithTaskID(id).Info("task started", zap.String("runner", string(task.RunnerKind)))
	return nil
}

// Pause routes a pause to the task's runner. The status write follows
// from the task:paused event.
func (s *Service) Pause(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != v1.TaskStatusRunning {
		return apperrors.BadRequest(fmt.Sprintf("task is %s, only running tasks can be paused", task.Status))
	}
	r, err := s.registry.Get(task.RunnerKind)
	if err != nil {
		return err
	}
	return r.Pause(id)
}

// Resume routes a resume to the task's runner.
func (s *Service) Resume(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != v1.TaskStatusPaused {
		return apperrors.BadRequest(fmt.Sprintf("task is %s, only paused tasks can be resumed", task.Status))
	}
	r, err := s.registry.Get(task.RunnerKind)
	if err != nil {
		return err
	}
	return r.Resume(id)
}

// Cancel stops a task. Terminal tasks are a no-op. With force set, a
// task its runner has lost track of is written terminal directly.
func (s *Service) Cancel(ctx context.Context, id string, force bool) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	// Pending and queued tasks are not tracked by any runner.
	if task.Status == v1.TaskStatusPending || task.Status == v1.TaskStatusQueued {
		return s.writeTerminal(ctx, id, v1.TaskStatusCancelled, "")
	}

	r, err := s.registry.Get(task.RunnerKind)
	if err != nil {
		return err
	}
	if !r.Status(id).Running {
		// Runner lost the task; bypass it.
		if force {
			return s.writeTerminal(ctx, id, v1.TaskStatusCancelled, "force-cancelled: runner lost track of task")
		}
		return s.writeTerminal(ctx, id, v1.TaskStatusCancelled, "")
	}
	return r.Cancel(id)
}

// ForceFail writes a failed terminal state directly, bypassing the
// runner entirely. Used by the watchdog. Idempotent.
func (s *Service) ForceFail(ctx context.Context, id, reason string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	if r, rerr := s.registry.Get(task.RunnerKind); rerr == nil && r.Status(id).Running {
		// Best effort; the direct write below is the guarantee.
		_ = r.Cancel(id)
	}
	return s.writeTerminal(ctx, id, v1.TaskStatusFailed, reason)
}

// CompleteManual records a human-reported success for a manual task.
func (s *Service) CompleteManual(ctx context.Context, id, result string) error {
	return s.finishManual(ctx, id, func(m manualCompleter) error {
		return m.Complete(id, result)
	})
}

// FailManual records a human-reported failure for a manual task.
func (s *Service) FailManual(ctx context.Context, id, errMsg string) error {
	return s.finishManual(ctx, id, func(m manualCompleter) error {
		return m.Fail(id, errMsg)
	})
}

func (s *Service) finishManual(ctx context.Context, id string, fn func(manualCompleter) error) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.RunnerKind != v1.RunnerManual {
		return apperrors.BadRequest("only manual tasks can be completed manually")
	}
	if !task.Status.Active() {
		return apperrors.BadRequest(fmt.Sprintf("task is %s, not active", task.Status))
	}
	r, err := s.registry.Get(v1.RunnerManual)
	if err != nil {
		return err
	}
	m, ok := r.(manualCompleter)
	if !ok {
		return apperrors.InternalError("manual runner does not support completion", nil)
	}
	return fn(m)
}

// Queue places a pending task at the back of its session's queue and
// triggers queue processing.
func (s *Service) Queue(ctx context.Context, id string) error {
	var sessionID string
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != v1.TaskStatusPending {
			return apperrors.BadRequest(fmt.Sprintf("task is %s, only pending tasks can be queued", t.Status))
		}
		pos, err := s.store.NextQueuePositionTx(ctx, tx, t.SessionID)
		if err != nil {
			return err
		}
		t.Status = v1.TaskStatusQueued
		t.QueuePosition = &pos
		sessionID = t.SessionID
		return s.store.UpdateTaskTx(ctx, tx, t)
	})
	if err != nil {
		return err
	}
	return s.ProcessQueue(ctx, sessionID)
}

// Unqueue returns a queued task to pending, clearing its position.
func (s *Service) Unqueue(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != v1.TaskStatusQueued {
			return apperrors.BadRequest(fmt.Sprintf("task is %s, only queued tasks can be unqueued", t.Status))
		}
		t.Status = v1.TaskStatusPending
		t.QueuePosition = nil
		return s.store.UpdateTaskTx(ctx, tx, t)
	})
}

// UpdateInput holds the mutable fields of a pending task. Nil pointers
// leave the field unchanged.
type UpdateInput struct {
	Name               *string
	Prompt             *string
	RunnerKind         *v1.RunnerKind
	MaxIterations      *int
	VerificationPrompt *string
}

// Update edits a pending task.
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (*v1.Task, error) {
	var updated *v1.Task
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != v1.TaskStatusPending {
			return apperrors.BadRequest(fmt.Sprintf("task is %s, only pending tasks can be updated", t.Status))
		}
		if input.Name != nil {
			t.Name = *input.Name
		}
		if input.Prompt != nil {
			t.Prompt = *input.Prompt
		}
		if input.RunnerKind != nil {
			if !input.RunnerKind.Valid() {
				return apperrors.ValidationError("runner_kind", fmt.Sprintf("unknown runner kind %q", *input.RunnerKind))
			}
			t.RunnerKind = *input.RunnerKind
		}
		if input.MaxIterations != nil {
			if *input.MaxIterations < minIterations || *input.MaxIterations > maxIterations {
				return apperrors.ValidationError("max_iterations",
					fmt.Sprintf("must be between %d and %d", minIterations, maxIterations))
			}
			t.MaxIterations = *input.MaxIterations
		}
		if input.VerificationPrompt != nil {
			t.VerificationPrompt = *input.VerificationPrompt
		}
		if err := s.store.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	return updated, err
}

// Delete removes a task, cancelling it first when active.
func (s *Service) Delete(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Active() {
		if err := s.Cancel(ctx, id, true); err != nil {
			return err
		}
	}
	return s.store.DeleteTask(ctx, id)
}

// ProcessQueue promotes the head of the session's queue when no task is
// active. A start failure puts the task back in the queue with the
// error recorded.
func (s *Service) ProcessQueue(ctx context.Context, sessionID string) error {
	var next *v1.Task
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		active, err := s.store.ActiveTaskTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if active != nil {
			return nil
		}
		t, err := s.store.NextQueuedTaskTx(ctx, tx, sessionID)
		if err != nil || t == nil {
			return err
		}
		t.Status = v1.TaskStatusPending
		t.QueuePosition = nil
		if err := s.store.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		next = t
		return nil
	})
	if err != nil || next == nil {
		return err
	}

	if err := s.Start(ctx, next.ID); err != nil {
		s.logger.WithTaskID(next.ID).WithError(err).Warn("queued task failed to start, re-queueing")
		return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			t, gerr := s.store.GetTaskTx(ctx, tx, next.ID)
			if gerr != nil {
				return gerr
			}
			if t.Status.Terminal() {
				return nil
			}
			pos, perr := s.store.NextQueuePositionTx(ctx, tx, sessionID)
			if perr != nil {
				return perr
			}
			t.Status = v1.TaskStatusQueued
			t.QueuePosition = &pos
			t.Error = err.Error()
			return s.store.UpdateTaskTx(ctx, tx, t)
		})
	}
	return nil
}

// writeTerminal writes a terminal status directly to the store and
// re-evaluates the session queue.
func (s *Service) writeTerminal(ctx context.Context, id string, status v1.TaskStatus, reason string) error {
	var sessionID string
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil
		}
		now := s.clock.Now().UTC()
		t.Status = status
		t.CompletedAt = &now
		t.QueuePosition = nil
		if reason != "" {
			t.Error = reason
		}
		if err := s.store.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		sessionID = t.SessionID
		return nil
	})
	if err != nil || sessionID == "" {
		return err
	}
	s.logger.WithTaskID(id).Info("task force-terminated",
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return s.ProcessQueue(ctx, sessionID)
}

// handleEvent is the bus subscriber persisting runner events. Writes are
// applied in emission order per task because bus delivery is serialized
// per subscriber.
func (s *Service) handleEvent(ctx context.Context, event events.TaskEvent) {
	if err := s.applyEvent(ctx, event); err != nil {
		s.logger.WithTaskID(event.Task.ID).WithError(err).Error("failed to persist event",
			zap.String("event", string(event.Name)))
	}
}

func (s *Service) applyEvent(ctx context.Context, event events.TaskEvent) error {
	var sessionID string
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskTx(ctx, tx, event.Task.ID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		// Terminal tasks are never mutated again; a late event from a
		// dying loop is dropped.
		if t.Status.Terminal() {
			return nil
		}

		now := s.clock.Now().UTC()
		switch event.Name {
		case events.IterationStart, events.IterationComplete:
			t.CurrentIteration = event.Task.CurrentIteration
			t.LastProgressAt = &now
		case events.VerificationStart:
			t.LastProgressAt = &now
		case events.VerificationComplete:
			t.LastVerificationResult = event.Task.LastVerificationResult
			t.LastProgressAt = &now
		case events.StatusUpdate:
			t.StatusMessage = event.Message
			t.LastProgressAt = &now
		case events.TaskPaused:
			t.Status = v1.TaskStatusPaused
		case events.TaskResumed:
			t.Status = v1.TaskStatusRunning
			t.LastProgressAt = &now
		case events.TaskComplete:
			t.Status = v1.TaskStatusCompleted
			t.Result = event.Result
			t.CurrentIteration = event.Task.CurrentIteration
			t.CompletedAt = &now
			sessionID = t.SessionID
		case events.TaskFailed:
			t.Status = v1.TaskStatusFailed
			t.Error = event.Error
			t.CurrentIteration = event.Task.CurrentIteration
			t.CompletedAt = &now
			sessionID = t.SessionID
		case events.TaskCancelled:
			t.Status = v1.TaskStatusCancelled
			if event.Output != "" {
				t.Result = event.Output
			}
			t.CompletedAt = &now
			sessionID = t.SessionID
		default:
			return nil
		}
		return s.store.UpdateTaskTx(ctx, tx, t)
	})
	if err != nil || sessionID == "" {
		return err
	}
	return s.ProcessQueue(ctx, sessionID)
}
