package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/foremanhq/foreman/internal/common/errors"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const sessionColumns = `id, name, project_path, terminal_session_name, agent_kind, autonomous, initial_prompt, created_at, last_accessed_at`

// CreateSession inserts a new session, generating an ID if absent.
func (s *Store) CreateSession(ctx context.Context, session *v1.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastAccessedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.Name, session.ProjectPath, session.TerminalSessionName,
		string(session.AgentKind), boolToInt(session.Autonomous), nullString(session.InitialPrompt),
		session.CreatedAt, session.LastAccessedAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	return s.getSessionWhere(ctx, "id = ?", id)
}

// GetSessionByName retrieves a session by its unique human name.
func (s *Store) GetSessionByName(ctx context.Context, name string) (*v1.Session, error) {
	return s.getSessionWhere(ctx, "name = ?", name)
}

func (s *Store) getSessionWhere(ctx context.Context, where string, arg interface{}) (*v1.Session, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE `+where), arg)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", toString(arg))
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// TouchSession updates last_accessed_at.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET last_accessed_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// UpdateSessionTerminalName rebinds the session to a new terminal
// session name after a revive renames it.
func (s *Store) UpdateSessionTerminalName(ctx context.Context, id, terminalName string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET terminal_session_name = ?, last_accessed_at = ? WHERE id = ?
	`), terminalName, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// DeleteSession removes a session; its tasks cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*v1.Session, error) {
	session := &v1.Session{}
	var (
		agentKind     string
		autonomous    int
		initialPrompt sql.NullString
	)
	err := row.Scan(
		&session.ID,
		&session.Name,
		&session.ProjectPath,
		&session.TerminalSessionName,
		&agentKind,
		&autonomous,
		&initialPrompt,
		&session.CreatedAt,
		&session.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}
	session.AgentKind = v1.AgentKind(agentKind)
	session.Autonomous = autonomous != 0
	session.InitialPrompt = initialPrompt.String
	return session, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
