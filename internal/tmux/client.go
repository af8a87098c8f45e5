// Package tmux wraps the tmux binary as the terminal driver for agent
// sessions. Every operation shells out to tmux; the binary's absence is
// detected once at construction time.
package tmux

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
)

// DefaultSessionPrefix namespaces managed sessions so List never returns
// the operator's own tmux sessions.
const DefaultSessionPrefix = "foreman_"

// runFunc executes one tmux invocation and returns combined stdout.
// Injectable so tests can fake the binary.
type runFunc func(args ...string) (string, error)

// Config holds the terminal driver settings.
type Config struct {
	Binary        string
	SessionPrefix string
	Cols          int
	Rows          int
}

// Client is the terminal driver. Safe for concurrent use; tmux itself
// serializes operations per session.
type Client struct {
	cfg    Config
	run    runFunc
	logger *logger.Logger
}

// NewClient probes the tmux binary and returns a driver. A missing or
// broken binary is a startup error.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.Binary == "" {
		cfg.Binary = "tmux"
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = DefaultSessionPrefix
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 220
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 50
	}

	c := &Client{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "tmux")),
	}
	c.run = func(args ...string) (string, error) {
		out, err := exec.Command(cfg.Binary, args...).CombinedOutput()
		return string(out), err
	}

	if out, err := c.run("-V"); err != nil {
		return nil, fmt.Errorf("tmux binary %q not usable: %w (output: %s)", cfg.Binary, err, strings.TrimSpace(out))
	}
	return c, nil
}

// SessionPrefix returns the prefix applied to managed session names.
func (c *Client) SessionPrefix() string {
	return c.cfg.SessionPrefix
}

// Create spawns a detached session running command in cwd. Failure is
// fatal to the caller.
func (c *Client) Create(name, cwd, command string) error {
	args := []string{
		"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(c.cfg.Cols), "-y", strconv.Itoa(c.cfg.Rows),
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if out, err := c.run(args...); err != nil {
		return fmt.Errorf("failed to create session %q: %w (output: %s)", name, err, strings.TrimSpace(out))
	}

	// Mouse mode can fail on old tmux versions; the session still works.
	_, _ = c.run("set-option", "-t", name, "mouse", "on")

	if command != "" {
		if !c.SendKeys(name, command) {
			return fmt.Errorf("failed to send launch command to session %q", name)
		}
	}

	c.logger.Info("created session", zap.String("session", name), zap.String("cwd", cwd))
	return nil
}

// Kill terminates the session. Best-effort; a missing session is not an
// error.
func (c *Client) Kill(name string) {
	if _, err := c.run("kill-session", "-t", name); err != nil {
		c.logger.Debug("kill-session failed", zap.String("session", name), zap.Error(err))
	}
}

// IsAlive reports whether the session exists.
func (c *Client) IsAlive(name string) bool {
	_, err := c.run("has-session", "-t", name)
	return err == nil
}

// List returns the names of all managed sessions (those carrying the
// configured prefix).
func (c *Client) List() []string {
	out, err := c.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// "no server running" and "no sessions" both mean an empty list.
		return nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.HasPrefix(line, c.cfg.SessionPrefix) {
			names = append(names, line)
		}
	}
	return names
}

// SendKeys appends text plus a newline to the session's input. Returns
// false when the session is missing instead of an error so callers can
// trigger revive-and-retry.
func (c *Client) SendKeys(name, text string) bool {
	if _, err := c.run("send-keys", "-t", name, text, "Enter"); err != nil {
		c.logger.Warn("send-keys failed", zap.String("session", name), zap.Error(err))
		return false
	}
	return true
}

// SendCtrlC sends an interrupt to the session. Best-effort.
func (c *Client) SendCtrlC(name string) {
	_, _ = c.run("send-keys", "-t", name, "C-c")
}

// SendEscape sends count escape keypresses with a short gap between
// them. Best-effort.
func (c *Client) SendEscape(name string, count int) {
	for i := 0; i < count; i++ {
		_, _ = c.run("send-keys", "-t", name, "Escape")
		if i < count-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// CaptureRecent returns the last N lines of the pane. The bool is false
// when the session is missing.
func (c *Client) CaptureRecent(name string, lines int) (string, bool) {
	out, err := c.run("capture-pane", "-t", name, "-p", "-J", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", false
	}
	return out, true
}

// CaptureScrollback returns up to N lines of scrollback, empty string on
// failure.
func (c *Client) CaptureScrollback(name string, lines int) string {
	out, ok := c.CaptureRecent(name, lines)
	if !ok {
		return ""
	}
	return out
}
