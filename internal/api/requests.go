package api

import v1 "github.com/foremanhq/foreman/pkg/api/v1"

// CreateSessionRequest is the payload for creating a session.
type CreateSessionRequest struct {
	Name          string       `json:"name" binding:"required"`
	ProjectPath   string       `json:"project_path" binding:"required"`
	AgentKind     v1.AgentKind `json:"agent_kind"`
	Autonomous    bool         `json:"autonomous"`
	InitialPrompt string       `json:"initial_prompt"`
}

// SessionsListResponse wraps a session listing.
type SessionsListResponse struct {
	Sessions []*v1.Session `json:"sessions"`
	Total    int           `json:"total"`
}

// CreateTaskRequest is the payload for creating a task.
type CreateTaskRequest struct {
	SessionID          string        `json:"session_id" binding:"required"`
	Name               string        `json:"name" binding:"required"`
	Prompt             string        `json:"prompt" binding:"required"`
	RunnerKind         v1.RunnerKind `json:"runner_kind"`
	MaxIterations      int           `json:"max_iterations"`
	VerificationPrompt string        `json:"verification_prompt"`
	AutoStart          bool          `json:"auto_start"`
}

// UpdateTaskRequest is the payload for editing a pending task. Nil
// fields are left unchanged.
type UpdateTaskRequest struct {
	Name               *string        `json:"name"`
	Prompt             *string        `json:"prompt"`
	RunnerKind         *v1.RunnerKind `json:"runner_kind"`
	MaxIterations      *int           `json:"max_iterations"`
	VerificationPrompt *string        `json:"verification_prompt"`
}

// CancelTaskRequest is the optional payload for cancelling a task.
type CancelTaskRequest struct {
	Force bool `json:"force"`
}

// CompleteTaskRequest is the payload for completing a manual task.
type CompleteTaskRequest struct {
	Result string `json:"result"`
}

// FailTaskRequest is the payload for failing a manual task.
type FailTaskRequest struct {
	Error string `json:"error" binding:"required"`
}

// TasksListResponse wraps a task listing.
type TasksListResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Total int        `json:"total"`
}

// VerifierSettingsRequest is the payload for updating verifier settings.
type VerifierSettingsRequest struct {
	Enabled   bool   `json:"enabled"`
	APIURL    string `json:"api_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

// VerifierSettingsResponse mirrors the stored settings with the API key
// masked.
type VerifierSettingsResponse struct {
	Enabled   bool   `json:"enabled"`
	APIURL    string `json:"api_url"`
	APIKeySet bool   `json:"api_key_set"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}
