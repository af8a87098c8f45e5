// Package activity classifies terminal sessions as active, idle, or
// waiting for input by hashing recent scrollback across polls.
package activity

import (
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/common/clock"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const (
	// pollLines is how much scrollback one poll hashes.
	pollLines = 15
	// promptLines is the fresh capture used for waiting-pattern matching.
	promptLines = 5
)

// Capturer is the slice of the terminal driver the detector needs.
type Capturer interface {
	CaptureRecent(name string, lines int) (string, bool)
}

// waitingPatterns match explicit interactive prompts in the last lines of
// output. An agent that printed one of these and then went quiet is
// waiting on the operator, not merely idle.
var waitingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\?\s*$`),
	regexp.MustCompile(`(?i)\(y/n\)`),
	regexp.MustCompile(`\[Y/n\]`),
	regexp.MustCompile(`\[y/N\]`),
	regexp.MustCompile(`(?i)press any key`),
	regexp.MustCompile(`(?i)continue\?`),
	regexp.MustCompile(`(?i)enter .*:`),
	regexp.MustCompile(`(?i)password:`),
	regexp.MustCompile(`(?i)do you want to proceed`),
	regexp.MustCompile(`(?i)would you like me to`),
	regexp.MustCompile(`(?i)should i continue`),
	regexp.MustCompile(`(?i)may i make this change`),
	regexp.MustCompile(`(?i)shall i proceed`),
	regexp.MustCompile(`(?i)allow this action`),
	regexp.MustCompile(`(?i)approve the following`),
	regexp.MustCompile(`(?i)\[allow\]`),
	regexp.MustCompile(`(?i)\[deny\]`),
}

// sample is one session's observation state.
type sample struct {
	lastOutputAt time.Time
	lastHash     uint64
}

// Config holds the classification thresholds.
type Config struct {
	// ActiveIdleThreshold is how recently output must have changed for
	// the session to count as active.
	ActiveIdleThreshold time.Duration
	// WaitingThreshold is how long output must be unchanged before a
	// matching prompt line means waiting_for_input.
	WaitingThreshold time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ActiveIdleThreshold: 3 * time.Second,
		WaitingThreshold:    6 * time.Second,
	}
}

// Detector tracks output changes per session. Poll is the only writer;
// distinct sessions never contend because keys differ.
type Detector struct {
	mu      sync.Mutex
	samples map[string]*sample

	capture Capturer
	clock   clock.Clock
	cfg     Config
}

// NewDetector creates a detector over the given terminal driver.
func NewDetector(capture Capturer, clk clock.Clock, cfg Config) *Detector {
	if cfg.ActiveIdleThreshold <= 0 {
		cfg.ActiveIdleThreshold = 3 * time.Second
	}
	if cfg.WaitingThreshold <= 0 {
		cfg.WaitingThreshold = 6 * time.Second
	}
	return &Detector{
		samples: make(map[string]*sample),
		capture: capture,
		clock:   clk,
		cfg:     cfg,
	}
}

// Poll captures the session tail and records the time of the last
// observed change.
func (d *Detector) Poll(session string) {
	content, ok := d.capture.CaptureRecent(session, pollLines)
	if !ok {
		return
	}
	h := hashContent(content)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	s, exists := d.samples[session]
	if !exists {
		d.samples[session] = &sample{lastOutputAt: now, lastHash: h}
		return
	}
	if s.lastHash != h {
		s.lastHash = h
		s.lastOutputAt = now
	}
}

// Classify returns the session's activity state. A session with no
// sample is idle.
func (d *Detector) Classify(session string) v1.ActivityState {
	d.mu.Lock()
	s, exists := d.samples[session]
	var lastOutputAt time.Time
	if exists {
		lastOutputAt = s.lastOutputAt
	}
	d.mu.Unlock()

	if !exists {
		return v1.ActivityIdle
	}

	delta := d.clock.Since(lastOutputAt)
	if delta < d.cfg.ActiveIdleThreshold {
		return v1.ActivityActive
	}
	if delta >= d.cfg.WaitingThreshold && d.hasWaitingPrompt(session) {
		return v1.ActivityWaitingForInput
	}
	return v1.ActivityIdle
}

// LastOutputAt returns when the session's output last changed. The bool
// is false when the session has never been polled.
func (d *Detector) LastOutputAt(session string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.samples[session]
	if !ok {
		return time.Time{}, false
	}
	return s.lastOutputAt, true
}

// Forget drops the session's sample. Called when a session is killed or
// renamed.
func (d *Detector) Forget(session string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samples, session)
}

// hasWaitingPrompt matches the last three lines of a fresh capture
// against the waiting patterns.
func (d *Detector) hasWaitingPrompt(session string) bool {
	content, ok := d.capture.CaptureRecent(session, promptLines)
	if !ok {
		return false
	}
	lines := nonEmptyLines(content)
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	for _, line := range lines {
		for _, p := range waitingPatterns {
			if p.MatchString(line) {
				return true
			}
		}
	}
	return false
}

func nonEmptyLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// hashContent computes a cheap rolling hash of the capture. FNV-1a is
// enough; collisions only delay idle detection by one poll.
func hashContent(content string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return h.Sum64()
}
