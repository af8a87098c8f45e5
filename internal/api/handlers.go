// Package api exposes the HTTP surface: session and task CRUD, task
// lifecycle verbs, verifier settings, and the websocket event stream.
package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/foremanhq/foreman/internal/common/errors"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/session"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/internal/task"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// settingsInvalidator drops the verifier's settings cache after a
// settings write.
type settingsInvalidator interface {
	InvalidateSettings()
}

// Handler contains the HTTP handlers.
type Handler struct {
	sessions *session.Manager
	tasks    *task.Service
	store    *store.Store
	verifier settingsInvalidator
	logger   *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(sessions *session.Manager, tasks *task.Service, st *store.Store, verifier settingsInvalidator, log *logger.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		tasks:    tasks,
		store:    st,
		verifier: verifier,
		logger:   log,
	}
}

// respondError maps application errors to their HTTP status, hiding
// everything else behind a 500.
func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.logger.Error(fallback, zap.Error(err))
	appErr = apperrors.InternalError(fallback, err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// Session endpoints

// CreateSession creates a new session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), session.CreateInput{
		Name:          req.Name,
		ProjectPath:   req.ProjectPath,
		AgentKind:     req.AgentKind,
		Autonomous:    req.Autonomous,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		h.respondError(c, err, "failed to create session")
		return
	}

	c.JSON(http.StatusCreated, sess)
}

// ListSessions returns all sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession retrieves a session by ID
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession deletes a session and its terminal
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.respondError(c, err, "failed to delete session")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSessionTasks returns all tasks for a session
// GET /api/v1/sessions/:sessionId/tasks
func (h *Handler) ListSessionTasks(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.sessions.Get(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}
	tasks, err := h.tasks.List(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err, "failed to list tasks")
		return
	}
	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasks, Total: len(tasks)})
}

// Task endpoints

// CreateTask creates a new task
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	created, err := h.tasks.Create(c.Request.Context(), task.CreateInput{
		SessionID:          req.SessionID,
		Name:               req.Name,
		Prompt:             req.Prompt,
		RunnerKind:         req.RunnerKind,
		MaxIterations:      req.MaxIterations,
		VerificationPrompt: req.VerificationPrompt,
		AutoStart:          req.AutoStart,
	})
	if err != nil {
		h.respondError(c, err, "failed to create task")
		return
	}

	c.JSON(http.StatusCreated, created)
}

// ListTasks returns all tasks, optionally filtered by session
// GET /api/v1/tasks?session_id=...
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.tasks.List(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		h.respondError(c, err, "failed to list tasks")
		return
	}
	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasks, Total: len(tasks)})
}

// GetTask retrieves a task by ID
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err, "failed to get task")
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpdateTask edits a pending task
// PUT /api/v1/tasks/:taskId
func (h *Handler) UpdateTask(c *gin.Context) {
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	updated, err := h.tasks.Update(c.Request.Context(), c.Param("taskId"), task.UpdateInput{
		Name:               req.Name,
		Prompt:             req.Prompt,
		RunnerKind:         req.RunnerKind,
		MaxIterations:      req.MaxIterations,
		VerificationPrompt: req.VerificationPrompt,
	})
	if err != nil {
		h.respondError(c, err, "failed to update task")
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteTask deletes a task, cancelling it first when active
// DELETE /api/v1/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	if err := h.tasks.Delete(c.Request.Context(), c.Param("taskId")); err != nil {
		h.respondError(c, err, "failed to delete task")
		return
	}
	c.Status(http.StatusNoContent)
}

// StartTask starts a pending task
// POST /api/v1/tasks/:taskId/start
func (h *Handler) StartTask(c *gin.Context) {
	h.lifecycle(c, "failed to start task", h.tasks.Start)
}

// PauseTask pauses a running task
// POST /api/v1/tasks/:taskId/pause
func (h *Handler) PauseTask(c *gin.Context) {
	h.lifecycle(c, "failed to pause task", h.tasks.Pause)
}

// ResumeTask resumes a paused task
// POST /api/v1/tasks/:taskId/resume
func (h *Handler) ResumeTask(c *gin.Context) {
	h.lifecycle(c, "failed to resume task", h.tasks.Resume)
}

// QueueTask places a pending task in its session's queue
// POST /api/v1/tasks/:taskId/queue
func (h *Handler) QueueTask(c *gin.Context) {
	h.lifecycle(c, "failed to queue task", h.tasks.Queue)
}

// UnqueueTask returns a queued task to pending
// POST /api/v1/tasks/:taskId/unqueue
func (h *Handler) UnqueueTask(c *gin.Context) {
	h.lifecycle(c, "failed to unqueue task", h.tasks.Unqueue)
}

// CancelTask cancels a task; force bypasses a lost runner
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	var req CancelTaskRequest
	// Body is optional; an empty body means a plain cancel.
	_ = c.ShouldBindJSON(&req)

	taskID := c.Param("taskId")
	if err := h.tasks.Cancel(c.Request.Context(), taskID, req.Force); err != nil {
		h.respondError(c, err, "failed to cancel task")
		return
	}
	h.respondTask(c, taskID)
}

// CompleteTask records a human-reported success for a manual task
// POST /api/v1/tasks/:taskId/complete
func (h *Handler) CompleteTask(c *gin.Context) {
	var req CompleteTaskRequest
	_ = c.ShouldBindJSON(&req)

	taskID := c.Param("taskId")
	if err := h.tasks.CompleteManual(c.Request.Context(), taskID, req.Result); err != nil {
		h.respondError(c, err, "failed to complete task")
		return
	}
	h.respondTask(c, taskID)
}

// FailTask records a human-reported failure for a manual task
// POST /api/v1/tasks/:taskId/fail
func (h *Handler) FailTask(c *gin.Context) {
	var req FailTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	taskID := c.Param("taskId")
	if err := h.tasks.FailManual(c.Request.Context(), taskID, req.Error); err != nil {
		h.respondError(c, err, "failed to fail task")
		return
	}
	h.respondTask(c, taskID)
}

func (h *Handler) lifecycle(c *gin.Context, fallback string, op func(ctx context.Context, id string) error) {
	taskID := c.Param("taskId")
	if err := op(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err, fallback)
		return
	}
	h.respondTask(c, taskID)
}

// respondTask reloads and returns the task so lifecycle verbs echo the
// post-transition row.
func (h *Handler) respondTask(c *gin.Context, taskID string) {
	t, err := h.tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err, "failed to reload task")
		return
	}
	c.JSON(http.StatusOK, t)
}

// Verifier settings endpoints

// GetVerifierSettings returns the stored verifier settings
// GET /api/v1/settings/verifier
func (h *Handler) GetVerifierSettings(c *gin.Context) {
	settings, err := h.store.VerifierSettings(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to load verifier settings")
		return
	}
	c.JSON(http.StatusOK, VerifierSettingsResponse{
		Enabled:   settings.Enabled,
		APIURL:    settings.APIURL,
		APIKeySet: settings.APIKey != "",
		Model:     settings.Model,
		MaxTokens: settings.MaxTokens,
	})
}

// UpdateVerifierSettings replaces the stored verifier settings
// PUT /api/v1/settings/verifier
func (h *Handler) UpdateVerifierSettings(c *gin.Context) {
	var req VerifierSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	settings := v1.VerifierSettings{
		Enabled:   req.Enabled,
		APIURL:    req.APIURL,
		APIKey:    req.APIKey,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if err := h.store.SetVerifierSettings(c.Request.Context(), settings); err != nil {
		h.respondError(c, err, "failed to save verifier settings")
		return
	}
	h.verifier.InvalidateSettings()

	c.JSON(http.StatusOK, VerifierSettingsResponse{
		Enabled:   settings.Enabled,
		APIURL:    settings.APIURL,
		APIKeySet: settings.APIKey != "",
		Model:     settings.Model,
		MaxTokens: settings.MaxTokens,
	})
}

// Health returns liveness
// GET /api/v1/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
