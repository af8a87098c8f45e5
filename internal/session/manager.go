// Package session manages durable agent sessions: the store rows and
// the terminal processes they point at.
package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/foremanhq/foreman/internal/common/errors"
	"github.com/foremanhq/foreman/internal/common/logger"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// reviveSettle is how long a revived agent gets to boot before the
// initial prompt is replayed.
const reviveSettle = 3 * time.Second

// Terminal is the slice of the tmux driver the manager needs.
type Terminal interface {
	Create(name, cwd, command string) error
	Kill(name string)
	IsAlive(name string) bool
	SendKeys(name, text string) bool
	SessionPrefix() string
}

// Store is the persistence surface the manager needs.
type Store interface {
	CreateSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	GetSessionByName(ctx context.Context, name string) (*v1.Session, error)
	ListSessions(ctx context.Context) ([]*v1.Session, error)
	TouchSession(ctx context.Context, id string) error
	UpdateSessionTerminalName(ctx context.Context, id, terminalName string) error
	DeleteSession(ctx context.Context, id string) error
}

// Manager creates, revives, and deletes sessions. Identity survives
// terminal death: EnsureAlive respawns the terminal under a fresh name
// and rebinds the row.
type Manager struct {
	store    Store
	terminal Terminal
	logger   *logger.Logger
}

// NewManager creates a session manager.
func NewManager(store Store, terminal Terminal, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		terminal: terminal,
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
}

// CreateInput holds the fields for a new session.
type CreateInput struct {
	Name          string
	ProjectPath   string
	AgentKind     v1.AgentKind
	Autonomous    bool
	InitialPrompt string
}

// Create spawns the terminal session, launches the agent, and persists
// the session row.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*v1.Session, error) {
	if input.Name == "" {
		return nil, apperrors.ValidationError("name", "must not be empty")
	}
	if !input.AgentKind.Valid() {
		return nil, apperrors.ValidationError("agent_kind", fmt.Sprintf("unknown agent kind %q", input.AgentKind))
	}
	if existing, err := m.store.GetSessionByName(ctx, input.Name); err == nil && existing != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("session %q already exists", input.Name))
	}

	terminalName := m.terminalName(input.Name)
	command := input.AgentKind.Command(input.Autonomous)
	if err := m.terminal.Create(terminalName, input.ProjectPath, command); err != nil {
		return nil, apperrors.InternalError("failed to create terminal session", err)
	}

	session := &v1.Session{
		Name:                input.Name,
		ProjectPath:         input.ProjectPath,
		TerminalSessionName: terminalName,
		AgentKind:           input.AgentKind,
		Autonomous:          input.Autonomous,
		InitialPrompt:       input.InitialPrompt,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		m.terminal.Kill(terminalName)
		return nil, apperrors.Wrap(err, "failed to persist session")
	}

	if input.InitialPrompt != "" {
		time.Sleep(reviveSettle)
		m.terminal.SendKeys(terminalName, input.InitialPrompt)
	}

	session.Alive = true
	m.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("terminal", terminalName))
	return session, nil
}

// Get returns the session with Alive derived from the terminal driver.
func (m *Manager) Get(ctx context.Context, id string) (*v1.Session, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Alive = m.terminal.IsAlive(session.TerminalSessionName)
	return session, nil
}

// List returns all sessions with Alive derived.
func (m *Manager) List(ctx context.Context) ([]*v1.Session, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		s.Alive = m.terminal.IsAlive(s.TerminalSessionName)
	}
	return sessions, nil
}

// Touch records access time.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.store.TouchSession(ctx, id)
}

// Delete kills the terminal session and removes the row. Tasks cascade.
func (m *Manager) Delete(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	m.terminal.Kill(session.TerminalSessionName)
	return m.store.DeleteSession(ctx, id)
}

// EnsureAlive revives the session's terminal if it died, relaunching the
// agent and replaying the initial prompt. Returns the current terminal
// session name, which changes on revive.
func (m *Manager) EnsureAlive(ctx context.Context, id string) (string, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if m.terminal.IsAlive(session.TerminalSessionName) {
		return session.TerminalSessionName, nil
	}

	// The old name may be reusable but a fresh one avoids racing a
	// half-dead server.
	newName := m.terminalName(session.Name)
	command := session.AgentKind.Command(session.Autonomous)
	if err := m.terminal.Create(newName, session.ProjectPath, command); err != nil {
		return "", apperrors.InternalError("failed to revive terminal session", err)
	}
	if err := m.store.UpdateSessionTerminalName(ctx, id, newName); err != nil {
		m.terminal.Kill(newName)
		return "", err
	}

	if session.InitialPrompt != "" {
		time.Sleep(reviveSettle)
		m.terminal.SendKeys(newName, session.InitialPrompt)
	}

	m.logger.Info("session revived",
		zap.String("session_id", id),
		zap.String("old_terminal", session.TerminalSessionName),
		zap.String("new_terminal", newName))
	return newName, nil
}

var terminalNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

func (m *Manager) terminalName(name string) string {
	sanitized := terminalNameSanitizer.ReplaceAllString(name, "-")
	suffix := strings.Split(uuid.New().String(), "-")[0]
	return m.terminal.SessionPrefix() + sanitized + "_" + suffix
}
