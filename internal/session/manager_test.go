package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/foremanhq/foreman/internal/common/errors"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/store"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

type fakeTerminal struct {
	mu        sync.Mutex
	alive     map[string]bool
	created   []string
	killed    []string
	sent      map[string][]string
	createErr error
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		alive: make(map[string]bool),
		sent:  make(map[string][]string),
	}
}

func (f *fakeTerminal) Create(name, cwd, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, name)
	f.alive[name] = true
	return nil
}

func (f *fakeTerminal) Kill(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	delete(f.alive, name)
}

func (f *fakeTerminal) IsAlive(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[name]
}

func (f *fakeTerminal) SendKeys(name, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[name] {
		return false
	}
	f.sent[name] = append(f.sent[name], text)
	return true
}

func (f *fakeTerminal) SessionPrefix() string { return "foreman_" }

func newTestManager(t *testing.T) (*Manager, *fakeTerminal, *store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"), log)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	terminal := newFakeTerminal()
	return NewManager(st, terminal, log), terminal, st
}

func TestCreateSpawnsTerminal(t *testing.T) {
	m, terminal, _ := newTestManager(t)

	sess, err := m.Create(context.Background(), CreateInput{
		Name:        "backend",
		ProjectPath: "/tmp/project",
		AgentKind:   v1.AgentClaude,
		Autonomous:  true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !strings.HasPrefix(sess.TerminalSessionName, "foreman_backend_") {
		t.Errorf("unexpected terminal name %q", sess.TerminalSessionName)
	}
	if !sess.Alive {
		t.Error("expected new session reported alive")
	}
	if len(terminal.created) != 1 {
		t.Errorf("expected one terminal created, got %d", len(terminal.created))
	}
}

func TestCreateSanitizesName(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, err := m.Create(context.Background(), CreateInput{
		Name:        "my app/v2",
		ProjectPath: "/tmp/project",
		AgentKind:   v1.AgentClaude,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(sess.TerminalSessionName, "foreman_my-app-v2_") {
		t.Errorf("unexpected terminal name %q", sess.TerminalSessionName)
	}
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	input := CreateInput{Name: "backend", ProjectPath: "/tmp", AgentKind: v1.AgentClaude}
	if _, err := m.Create(ctx, input); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Create(ctx, input); !apperrors.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateInput{AgentKind: v1.AgentClaude}); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := m.Create(ctx, CreateInput{Name: "x", AgentKind: "bogus"}); err == nil {
		t.Error("expected error for unknown agent kind")
	}
}

func TestCreateTerminalFailure(t *testing.T) {
	m, terminal, st := newTestManager(t)
	terminal.createErr = apperrors.InternalError("tmux exploded", nil)

	_, err := m.Create(context.Background(), CreateInput{
		Name:      "backend",
		AgentKind: v1.AgentClaude,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := st.GetSessionByName(context.Background(), "backend"); !apperrors.IsNotFound(err) {
		t.Error("expected no session row after terminal failure")
	}
}

func TestGetDerivesAlive(t *testing.T) {
	m, terminal, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateInput{Name: "backend", AgentKind: v1.AgentClaude})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Alive {
		t.Error("expected alive")
	}

	terminal.Kill(sess.TerminalSessionName)
	got, err = m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Alive {
		t.Error("expected dead after terminal kill")
	}
}

func TestDeleteKillsTerminal(t *testing.T) {
	m, terminal, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateInput{Name: "backend", AgentKind: v1.AgentClaude})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if len(terminal.killed) != 1 || terminal.killed[0] != sess.TerminalSessionName {
		t.Errorf("expected terminal killed, got %v", terminal.killed)
	}
	if _, err := m.Get(ctx, sess.ID); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestEnsureAliveNoopWhenAlive(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateInput{Name: "backend", AgentKind: v1.AgentClaude})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	name, err := m.EnsureAlive(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EnsureAlive failed: %v", err)
	}
	if name != sess.TerminalSessionName {
		t.Errorf("expected unchanged name, got %q", name)
	}
}

func TestEnsureAliveRevivesUnderNewName(t *testing.T) {
	m, terminal, st := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateInput{Name: "backend", AgentKind: v1.AgentClaude})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	terminal.Kill(sess.TerminalSessionName)

	name, err := m.EnsureAlive(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EnsureAlive failed: %v", err)
	}
	if name == sess.TerminalSessionName {
		t.Error("expected a fresh terminal name on revive")
	}
	if !terminal.IsAlive(name) {
		t.Error("expected revived terminal alive")
	}

	// The row is rebound to the new terminal.
	row, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if row.TerminalSessionName != name {
		t.Errorf("row still points at %q, want %q", row.TerminalSessionName, name)
	}
}

func TestEnsureAliveReplaysInitialPrompt(t *testing.T) {
	m, terminal, st := newTestManager(t)
	ctx := context.Background()

	// Seed a row whose terminal is already gone.
	sess := &v1.Session{
		Name:                "backend",
		ProjectPath:         "/tmp/project",
		TerminalSessionName: "foreman_backend_dead",
		AgentKind:           v1.AgentClaude,
		InitialPrompt:       "you are working on the backend service",
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	name, err := m.EnsureAlive(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EnsureAlive failed: %v", err)
	}

	sent := terminal.sent[name]
	found := false
	for _, s := range sent {
		if s == "you are working on the backend service" {
			found = true
		}
	}
	if !found {
		t.Errorf("initial prompt not replayed, sent: %v", sent)
	}
}
