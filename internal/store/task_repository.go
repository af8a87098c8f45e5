package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/foremanhq/foreman/internal/common/errors"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const taskColumns = `id, session_id, name, prompt, runner_kind, status, current_iteration, max_iterations,
	verification_prompt, last_verification_result, status_message, result, error, queue_position,
	created_at, started_at, completed_at, last_progress_at, health_check_failures`

// CreateTask inserts a new task, generating an ID if absent.
func (s *Store) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.RunnerKind == "" {
		task.RunnerKind = v1.RunnerRalph
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	if task.MaxIterations == 0 {
		task.MaxIterations = 10
	}
	task.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.SessionID, task.Name, task.Prompt, string(task.RunnerKind), string(task.Status),
		task.CurrentIteration, task.MaxIterations,
		nullString(task.VerificationPrompt), nullString(task.LastVerificationResult),
		nullString(task.StatusMessage), nullString(task.Result), nullString(task.Error),
		task.QueuePosition, task.CreatedAt, task.StartedAt, task.CompletedAt,
		task.LastProgressAt, task.HealthCheckFailures)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	return getTask(ctx, s.db, id)
}

// GetTaskTx retrieves a task by ID inside a transaction.
func (s *Store) GetTaskTx(ctx context.Context, tx *sqlx.Tx, id string) (*v1.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q sqlx.ExtContext, id string) (*v1.Task, error) {
	row := q.QueryRowxContext(ctx, q.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered to one session, newest
// first.
func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]*v1.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryTasks(ctx, query, args...)
}

// ListTasksByStatus returns all tasks in any of the given statuses.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...v1.TaskStatus) ([]*v1.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE status IN (%s) ORDER BY created_at ASC`,
		taskColumns, strings.Join(placeholders, ","))
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*v1.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// UpdateTask writes all mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, task *v1.Task) error {
	return updateTask(ctx, s.db, task)
}

// UpdateTaskTx writes all mutable task fields inside a transaction.
func (s *Store) UpdateTaskTx(ctx context.Context, tx *sqlx.Tx, task *v1.Task) error {
	return updateTask(ctx, tx, task)
}

func updateTask(ctx context.Context, q sqlx.ExtContext, task *v1.Task) error {
	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE tasks SET
			name = ?, prompt = ?, runner_kind = ?, status = ?,
			current_iteration = ?, max_iterations = ?,
			verification_prompt = ?, last_verification_result = ?,
			status_message = ?, result = ?, error = ?, queue_position = ?,
			started_at = ?, completed_at = ?, last_progress_at = ?, health_check_failures = ?
		WHERE id = ?
	`), task.Name, task.Prompt, string(task.RunnerKind), string(task.Status),
		task.CurrentIteration, task.MaxIterations,
		nullString(task.VerificationPrompt), nullString(task.LastVerificationResult),
		nullString(task.StatusMessage), nullString(task.Result), nullString(task.Error),
		task.QueuePosition, task.StartedAt, task.CompletedAt, task.LastProgressAt,
		task.HealthCheckFailures, task.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", task.ID)
	}
	return nil
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// ActiveTaskTx returns the running or paused task for the session, or
// nil if none. Must run inside the same transaction as the status write
// it guards.
func (s *Store) ActiveTaskTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (*v1.Task, error) {
	row := tx.QueryRowxContext(ctx, tx.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND status IN ('running', 'paused')
		LIMIT 1
	`), sessionID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// NextQueuePositionTx computes max(queue_position)+1 among the session's
// queued tasks.
func (s *Store) NextQueuePositionTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowxContext(ctx, tx.Rebind(`
		SELECT MAX(queue_position) FROM tasks WHERE session_id = ? AND status = 'queued'
	`), sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// NextQueuedTaskTx returns the queued task with the smallest queue
// position for the session, or nil if the queue is empty.
func (s *Store) NextQueuedTaskTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (*v1.Task, error) {
	row := tx.QueryRowxContext(ctx, tx.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND status = 'queued'
		ORDER BY queue_position ASC
		LIMIT 1
	`), sessionID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// QueuedTasks returns the session's queue in position order.
func (s *Store) QueuedTasks(ctx context.Context, sessionID string) ([]*v1.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND status = 'queued'
		ORDER BY queue_position ASC`, sessionID)
}

func scanTask(row rowScanner) (*v1.Task, error) {
	task := &v1.Task{}
	var (
		runnerKind         string
		status             string
		verificationPrompt sql.NullString
		lastVerification   sql.NullString
		statusMessage      sql.NullString
		result             sql.NullString
		taskErr            sql.NullString
		queuePosition      sql.NullInt64
		startedAt          sql.NullTime
		completedAt        sql.NullTime
		lastProgressAt     sql.NullTime
	)
	err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.Name,
		&task.Prompt,
		&runnerKind,
		&status,
		&task.CurrentIteration,
		&task.MaxIterations,
		&verificationPrompt,
		&lastVerification,
		&statusMessage,
		&result,
		&taskErr,
		&queuePosition,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&lastProgressAt,
		&task.HealthCheckFailures,
	)
	if err != nil {
		return nil, err
	}
	task.RunnerKind = v1.RunnerKind(runnerKind)
	task.Status = v1.TaskStatus(status)
	task.VerificationPrompt = verificationPrompt.String
	task.LastVerificationResult = lastVerification.String
	task.StatusMessage = statusMessage.String
	task.Result = result.String
	task.Error = taskErr.String
	if queuePosition.Valid {
		pos := int(queuePosition.Int64)
		task.QueuePosition = &pos
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if lastProgressAt.Valid {
		t := lastProgressAt.Time
		task.LastProgressAt = &t
	}
	return task, nil
}
