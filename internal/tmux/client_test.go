package tmux

import (
	"errors"
	"strings"
	"testing"

	"github.com/foremanhq/foreman/internal/common/logger"
)

type call struct {
	args []string
}

// fakeRun records invocations and replays scripted outputs keyed by the
// tmux subcommand.
type fakeRun struct {
	calls   []call
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRun) run(args ...string) (string, error) {
	f.calls = append(f.calls, call{args: args})
	cmd := args[0]
	if err, ok := f.errs[cmd]; ok {
		return "", err
	}
	return f.outputs[cmd], nil
}

func (f *fakeRun) callsFor(cmd string) []call {
	var out []call
	for _, c := range f.calls {
		if c.args[0] == cmd {
			out = append(out, c)
		}
	}
	return out
}

func newTestClient(t *testing.T) (*Client, *fakeRun) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	fake := &fakeRun{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
	c := &Client{
		cfg:    Config{Binary: "tmux", SessionPrefix: DefaultSessionPrefix, Cols: 220, Rows: 50},
		run:    fake.run,
		logger: log,
	}
	return c, fake
}

func TestCreatePassesGeometryAndCwd(t *testing.T) {
	c, fake := newTestClient(t)

	if err := c.Create("foreman_backend", "/tmp/project", "claude --dangerously-skip-permissions"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	creates := fake.callsFor("new-session")
	if len(creates) != 1 {
		t.Fatalf("expected one new-session call, got %d", len(creates))
	}
	got := strings.Join(creates[0].args, " ")
	for _, want := range []string{"-d", "-s foreman_backend", "-x 220", "-y 50", "-c /tmp/project"} {
		if !strings.Contains(got, want) {
			t.Errorf("new-session args missing %q: %s", want, got)
		}
	}

	sends := fake.callsFor("send-keys")
	if len(sends) != 1 {
		t.Fatalf("expected launch command sent, got %d send-keys calls", len(sends))
	}
	if sent := strings.Join(sends[0].args, " "); !strings.Contains(sent, "claude --dangerously-skip-permissions") {
		t.Errorf("launch command not sent: %s", sent)
	}
}

func TestCreateWithoutCwdOmitsFlag(t *testing.T) {
	c, fake := newTestClient(t)

	if err := c.Create("foreman_backend", "", ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got := strings.Join(fake.callsFor("new-session")[0].args, " ")
	if strings.Contains(got, "-c") {
		t.Errorf("unexpected -c flag without cwd: %s", got)
	}
}

func TestCreateFailure(t *testing.T) {
	c, fake := newTestClient(t)
	fake.errs["new-session"] = errors.New("duplicate session")

	if err := c.Create("foreman_backend", "", ""); err == nil {
		t.Error("expected error")
	}
}

func TestIsAlive(t *testing.T) {
	c, fake := newTestClient(t)

	if !c.IsAlive("foreman_backend") {
		t.Error("expected alive when has-session succeeds")
	}

	fake.errs["has-session"] = errors.New("no such session")
	if c.IsAlive("foreman_backend") {
		t.Error("expected dead when has-session fails")
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	c, fake := newTestClient(t)
	fake.outputs["list-sessions"] = "foreman_backend\npersonal\nforeman_frontend\n"

	got := c.List()
	if len(got) != 2 || got[0] != "foreman_backend" || got[1] != "foreman_frontend" {
		t.Errorf("unexpected list: %v", got)
	}
}

func TestListNoServerIsEmpty(t *testing.T) {
	c, fake := newTestClient(t)
	fake.errs["list-sessions"] = errors.New("no server running")

	if got := c.List(); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestSendKeysAppendsEnter(t *testing.T) {
	c, fake := newTestClient(t)

	if !c.SendKeys("foreman_backend", "run the tests") {
		t.Fatal("SendKeys failed")
	}
	args := fake.callsFor("send-keys")[0].args
	if args[len(args)-1] != "Enter" {
		t.Errorf("expected trailing Enter, got %v", args)
	}
}

func TestSendKeysMissingSessionReturnsFalse(t *testing.T) {
	c, fake := newTestClient(t)
	fake.errs["send-keys"] = errors.New("no such session")

	if c.SendKeys("foreman_backend", "hello") {
		t.Error("expected false for missing session")
	}
}

func TestSendEscapeCount(t *testing.T) {
	c, fake := newTestClient(t)

	c.SendEscape("foreman_backend", 2)
	if got := len(fake.callsFor("send-keys")); got != 2 {
		t.Errorf("expected 2 escape sends, got %d", got)
	}
}

func TestCaptureRecent(t *testing.T) {
	c, fake := newTestClient(t)
	fake.outputs["capture-pane"] = "line one\nline two\n"

	out, ok := c.CaptureRecent("foreman_backend", 50)
	if !ok || out != "line one\nline two\n" {
		t.Errorf("unexpected capture: %q %v", out, ok)
	}

	fake.errs["capture-pane"] = errors.New("no such session")
	if _, ok := c.CaptureRecent("foreman_backend", 50); ok {
		t.Error("expected false for missing session")
	}
}
