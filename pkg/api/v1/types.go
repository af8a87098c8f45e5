// Package v1 defines the public data types exchanged between the Foreman
// engine, its HTTP API, and external consumers.
package v1

import "time"

// AgentKind identifies the interactive program running inside a session.
type AgentKind string

const (
	AgentOpencode AgentKind = "opencode"
	AgentClaude   AgentKind = "claude"
	AgentBash     AgentKind = "bash"
)

// Valid reports whether the agent kind is a known value.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentOpencode, AgentClaude, AgentBash:
		return true
	}
	return false
}

// Command returns the shell command used to launch the agent.
func (k AgentKind) Command(autonomous bool) string {
	switch k {
	case AgentOpencode:
		return "opencode"
	case AgentClaude:
		if autonomous {
			return "claude --dangerously-skip-permissions"
		}
		return "claude"
	default:
		return "bash"
	}
}

// RunnerKind selects the execution policy for a task.
type RunnerKind string

const (
	// RunnerRalph is the iterative verify-and-retry loop.
	RunnerRalph RunnerKind = "ralph"
	// RunnerSimple runs a single iteration without verification.
	RunnerSimple RunnerKind = "simple"
	// RunnerManual leaves completion to a human.
	RunnerManual RunnerKind = "manual"
)

// Valid reports whether the runner kind is a known value.
func (k RunnerKind) Valid() bool {
	switch k {
	case RunnerRalph, RunnerSimple, RunnerManual:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks are never
// mutated again except via delete.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status occupies the session. At most one
// active task may exist per session.
func (s TaskStatus) Active() bool {
	return s == TaskStatusRunning || s == TaskStatusPaused
}

// Session is a durable reference to one long-lived terminal process.
type Session struct {
	ID                  string    `json:"id" db:"id"`
	Name                string    `json:"name" db:"name"`
	ProjectPath         string    `json:"project_path" db:"project_path"`
	TerminalSessionName string    `json:"terminal_session_name" db:"terminal_session_name"`
	AgentKind           AgentKind `json:"agent_kind" db:"agent_kind"`
	Autonomous          bool      `json:"autonomous" db:"autonomous"`
	InitialPrompt       string    `json:"initial_prompt,omitempty" db:"initial_prompt"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	LastAccessedAt      time.Time `json:"last_accessed_at" db:"last_accessed_at"`

	// Alive is derived from the terminal driver, never persisted.
	Alive bool `json:"alive" db:"-"`
}

// Task is one unit of work scoped to a session.
type Task struct {
	ID                     string     `json:"id" db:"id"`
	SessionID              string     `json:"session_id" db:"session_id"`
	Name                   string     `json:"name" db:"name"`
	Prompt                 string     `json:"prompt" db:"prompt"`
	RunnerKind             RunnerKind `json:"runner_kind" db:"runner_kind"`
	Status                 TaskStatus `json:"status" db:"status"`
	CurrentIteration       int        `json:"current_iteration" db:"current_iteration"`
	MaxIterations          int        `json:"max_iterations" db:"max_iterations"`
	VerificationPrompt     string     `json:"verification_prompt,omitempty" db:"verification_prompt"`
	LastVerificationResult string     `json:"last_verification_result,omitempty" db:"last_verification_result"`
	StatusMessage          string     `json:"status_message,omitempty" db:"status_message"`
	Result                 string     `json:"result,omitempty" db:"result"`
	Error                  string     `json:"error,omitempty" db:"error"`
	QueuePosition          *int       `json:"queue_position,omitempty" db:"queue_position"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	StartedAt              *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	LastProgressAt         *time.Time `json:"last_progress_at,omitempty" db:"last_progress_at"`
	HealthCheckFailures    int        `json:"health_check_failures" db:"health_check_failures"`
}

// VerificationResult is the verifier's judgement of one iteration.
type VerificationResult struct {
	Passed     bool    `json:"passed"`
	Feedback   string  `json:"feedback"`
	Confidence float64 `json:"confidence"`
}

// VerifierSettings is the persisted verifier configuration.
type VerifierSettings struct {
	Enabled   bool   `json:"enabled"`
	APIURL    string `json:"api_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

// ActivityState classifies a terminal session's recent behavior.
type ActivityState string

const (
	ActivityActive          ActivityState = "active"
	ActivityIdle            ActivityState = "idle"
	ActivityWaitingForInput ActivityState = "waiting_for_input"
)
