package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/foremanhq/foreman/internal/common/errors"
	"github.com/foremanhq/foreman/internal/common/logger"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	st, err := Open(filepath.Join(t.TempDir(), "foreman.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSession(t *testing.T, st *Store) *v1.Session {
	t.Helper()
	sess := &v1.Session{
		Name:                "backend",
		ProjectPath:         "/tmp/project",
		TerminalSessionName: "foreman_backend_abc",
		AgentKind:           v1.AgentClaude,
		Autonomous:          true,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func seedTask(t *testing.T, st *Store, sessionID string, status v1.TaskStatus) *v1.Task {
	t.Helper()
	task := &v1.Task{
		SessionID: sessionID,
		Name:      "add endpoint",
		Prompt:    "add a /health endpoint",
		Status:    status,
	}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func TestSessionRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := seedSession(t, st)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Name, got.Name)
	assert.Equal(t, sess.ProjectPath, got.ProjectPath)
	assert.Equal(t, v1.AgentClaude, got.AgentKind)
	assert.True(t, got.Autonomous)

	byName, err := st.GetSessionByName(ctx, "backend")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byName.ID)
}

func TestGetSessionNotFound(t *testing.T) {
	st := testStore(t)
	_, err := st.GetSession(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateSessionTerminalName(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := seedSession(t, st)

	require.NoError(t, st.UpdateSessionTerminalName(ctx, sess.ID, "foreman_backend_def"))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "foreman_backend_def", got.TerminalSessionName)
}

func TestDeleteSessionCascadesTasks(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := seedSession(t, st)
	task := seedTask(t, st, sess.ID, v1.TaskStatusPending)

	require.NoError(t, st.DeleteSession(ctx, sess.ID))

	_, err := st.GetTask(ctx, task.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestTaskRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := seedSession(t, st)
	task := seedTask(t, st, sess.ID, v1.TaskStatusPending)

	assert.Equal(t, v1.RunnerRalph, task.RunnerKind)
	assert.Equal(t, 10, task.MaxIterations)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, got.Status)
	assert.Nil(t, got.QueuePosition)
	assert.Nil(t, got.StartedAt)

	got.Status = v1.TaskStatusRunning
	got.StatusMessage = "Iteration 1 starting..."
	pos := 3
	got.QueuePosition = &pos
	require.NoError(t, st.UpdateTask(ctx, got))

	reloaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusRunning, reloaded.Status)
	assert.Equal(t, "Iteration 1 starting...", reloaded.StatusMessage)
	require.NotNil(t, reloaded.QueuePosition)
	assert.Equal(t, 3, *reloaded.QueuePosition)
}

func TestUpdateMissingTaskIsNotFound(t *testing.T) {
	st := testStore(t)
	err := st.UpdateTask(context.Background(), &v1.Task{ID: "missing", Status: v1.TaskStatusPending})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListTasksByStatus(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := seedSession(t, st)
	seedTask(t, st, sess.ID, v1.TaskStatusPending)
	running := seedTask(t, st, sess.ID, v1.TaskStatusRunning)
	paused := seedTask(t, st, sess.ID, v1.TaskStatusPaused)

	got, err := st.ListTasksByStatus(ctx, v1.TaskStatusRunning, v1.TaskStatusPaused)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	assert.True(t, ids[running.ID])
	assert.True(t, ids[paused.ID])
}

func TestActiveTaskTx(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := seedSession(t, st)

	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		active, err := st.ActiveTaskTx(ctx, tx, sess.ID)
		require.NoError(t, err)
		assert.Nil(t, active)
		return nil
	})
	require.NoError(t, err)

	running := seedTask(t, st, sess.ID, v1.TaskStatusRunning)

	err = st.WithTx(ctx, func(tx *sqlx.Tx) error {
		active, err := st.ActiveTaskTx(ctx, tx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, running.ID, active.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestQueuePositions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := seedSession(t, st)

	queueAt := func(task *v1.Task, pos int) {
		task.Status = v1.TaskStatusQueued
		task.QueuePosition = &pos
		require.NoError(t, st.UpdateTask(ctx, task))
	}

	first := seedTask(t, st, sess.ID, v1.TaskStatusPending)
	second := seedTask(t, st, sess.ID, v1.TaskStatusPending)

	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		pos, err := st.NextQueuePositionTx(ctx, tx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, pos)
		return nil
	})
	require.NoError(t, err)

	queueAt(first, 1)
	queueAt(second, 2)

	err = st.WithTx(ctx, func(tx *sqlx.Tx) error {
		pos, err := st.NextQueuePositionTx(ctx, tx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, pos)

		next, err := st.NextQueuedTaskTx(ctx, tx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, first.ID, next.ID)
		return nil
	})
	require.NoError(t, err)

	queued, err := st.QueuedTasks(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, first.ID, queued[0].ID)
	assert.Equal(t, second.ID, queued[1].ID)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := seedSession(t, st)
	task := seedTask(t, st, sess.ID, v1.TaskStatusPending)

	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		t2, err := st.GetTaskTx(ctx, tx, task.ID)
		require.NoError(t, err)
		t2.Status = v1.TaskStatusRunning
		require.NoError(t, st.UpdateTaskTx(ctx, tx, t2))
		return assert.AnError
	})
	require.Error(t, err)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, got.Status)
}

func TestVerifierSettings(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	// Missing row yields the zero value, not an error.
	settings, err := st.VerifierSettings(ctx)
	require.NoError(t, err)
	assert.False(t, settings.Enabled)

	seed := v1.VerifierSettings{Enabled: true, APIURL: "https://api.example.com/v1", APIKey: "k", Model: "gpt-4o-mini", MaxTokens: 500}
	require.NoError(t, st.SeedVerifierSettings(ctx, seed))

	// Seeding again must not overwrite.
	require.NoError(t, st.SeedVerifierSettings(ctx, v1.VerifierSettings{Model: "other"}))
	settings, err = st.VerifierSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", settings.Model)

	// An explicit write does.
	seed.Model = "gpt-4o"
	require.NoError(t, st.SetVerifierSettings(ctx, seed))
	settings, err = st.VerifierSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", settings.Model)
}
