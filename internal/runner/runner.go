// Package runner implements the task execution policies: the iterative
// verify-and-retry loop, the single-shot variant, and manual bookkeeping.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/clock"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// ErrPauseUnsupported is returned by runner variants that cannot pause.
var ErrPauseUnsupported = errors.New("pause/resume not supported by this runner")

// ErrAlreadyRunning is returned when a task is started twice in the same
// runner.
var ErrAlreadyRunning = errors.New("task is already running")

// Terminal is the slice of the tmux driver runners need.
type Terminal interface {
	IsAlive(name string) bool
	SendKeys(name, text string) bool
	SendCtrlC(name string)
	SendEscape(name string, count int)
	CaptureScrollback(name string, lines int) string
}

// Detector is the activity classification surface runners poll.
type Detector interface {
	Poll(session string)
	Classify(session string) v1.ActivityState
	Forget(session string)
}

// Verifier judges iteration output.
type Verifier interface {
	Verify(ctx context.Context, task *v1.Task, output string) v1.VerificationResult
	StatusSummary(ctx context.Context, taskName, output string) string
}

// Sessions resolves and revives the session a task is bound to.
type Sessions interface {
	Get(ctx context.Context, id string) (*v1.Session, error)
	EnsureAlive(ctx context.Context, id string) (string, error)
}

// Publisher is the event emission surface. Runners never write to the
// store; persistence is the task service's reaction to these events.
type Publisher interface {
	Publish(ctx context.Context, event events.TaskEvent) error
}

// Status is the synchronous view of one tracked task. Zero value means
// the runner does not track the task.
type Status struct {
	Running   bool `json:"running"`
	Iteration int  `json:"iteration"`
	Paused    bool `json:"paused"`
}

// Runner is the execution contract. Start is asynchronous: it registers
// the task and launches its loop goroutine. Cancel is idempotent and
// must terminate cleanly even when the subprocess is unresponsive.
type Runner interface {
	Kind() v1.RunnerKind
	Accepts(task *v1.Task) bool
	Start(ctx context.Context, task *v1.Task) error
	Pause(taskID string) error
	Resume(taskID string) error
	Cancel(taskID string) error
	Status(taskID string) Status
}

// Config holds the loop tunables. Tests shrink these to milliseconds.
type Config struct {
	PollInterval         time.Duration
	StatusUpdateInterval time.Duration
	IterationTimeout     time.Duration
	IdleWaitTimeout      time.Duration
	ProgressHeartbeat    time.Duration

	// PauseCheckInterval is the sleep between pause-flag checks.
	PauseCheckInterval time.Duration
	// SettleDelay is the confirmation wait after a first non-active
	// classification.
	SettleDelay time.Duration
	// ClearDelay paces the ctrl-C / escape clearing sequence.
	ClearDelay time.Duration
	// ReviveSettle is how long a revived agent gets to boot before a
	// failed send is retried.
	ReviveSettle time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		PollInterval:         2 * time.Second,
		StatusUpdateInterval: 5 * time.Second,
		IterationTimeout:     300 * time.Second,
		IdleWaitTimeout:      30 * time.Second,
		ProgressHeartbeat:    10 * time.Second,
		PauseCheckInterval:   1 * time.Second,
		SettleDelay:          1 * time.Second,
		ClearDelay:           300 * time.Millisecond,
		ReviveSettle:         3 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StatusUpdateInterval <= 0 {
		c.StatusUpdateInterval = d.StatusUpdateInterval
	}
	if c.IterationTimeout <= 0 {
		c.IterationTimeout = d.IterationTimeout
	}
	if c.IdleWaitTimeout <= 0 {
		c.IdleWaitTimeout = d.IdleWaitTimeout
	}
	if c.ProgressHeartbeat <= 0 {
		c.ProgressHeartbeat = d.ProgressHeartbeat
	}
	if c.PauseCheckInterval <= 0 {
		c.PauseCheckInterval = d.PauseCheckInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.ClearDelay <= 0 {
		c.ClearDelay = d.ClearDelay
	}
	if c.ReviveSettle <= 0 {
		c.ReviveSettle = d.ReviveSettle
	}
}

// Deps bundles the collaborators shared by all runner variants.
type Deps struct {
	Terminal Terminal
	Detector Detector
	Verifier Verifier
	Sessions Sessions
	Bus      Publisher
	Clock    clock.Clock
	Logger   *logger.Logger
	Config   Config
}

// running is the in-memory record of one live task, owned exclusively by
// its runner.
type running struct {
	mu          sync.Mutex
	task        v1.Task
	sessionName string
	projectPath string

	ctx    context.Context
	cancel context.CancelFunc
	paused atomic.Bool
}

func (r *running) snapshot() v1.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

// session returns the current terminal name. The name changes on
// revive, and Pause/Cancel read it from other goroutines.
func (r *running) session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionName
}

func (r *running) setSession(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionName = name
}

func (r *running) cancelled() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

// base carries the registry and event helpers shared by the loop-driven
// runners.
type base struct {
	deps Deps
	cfg  Config

	mu      sync.RWMutex
	tracked map[string]*running
}

func newBase(deps Deps) *base {
	deps.Config.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &base{
		deps:    deps,
		cfg:     deps.Config,
		tracked: make(map[string]*running),
	}
}

// register creates and tracks the running record for a task. Fails if
// the task is already tracked.
func (b *base) register(task *v1.Task, sessionName, projectPath string) (*running, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tracked[task.ID]; exists {
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &running{
		task:        *task,
		sessionName: sessionName,
		projectPath: projectPath,
		ctx:         ctx,
		cancel:      cancel,
	}
	b.tracked[task.ID] = rec
	return rec, nil
}

// deregister removes the record; returns it so terminal-event emission
// can use the final snapshot.
func (b *base) deregister(taskID string) *running {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.tracked[taskID]
	if !ok {
		return nil
	}
	delete(b.tracked, taskID)
	return rec
}

func (b *base) lookup(taskID string) *running {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tracked[taskID]
}

func (b *base) status(taskID string) Status {
	rec := b.lookup(taskID)
	if rec == nil {
		return Status{}
	}
	snap := rec.snapshot()
	return Status{
		Running:   true,
		Iteration: snap.CurrentIteration,
		Paused:    rec.paused.Load(),
	}
}

// publish emits one event with the record's current task snapshot,
// applying the mutate hook to the event payload first.
func (b *base) publish(rec *running, name events.Name, mutate func(*events.TaskEvent)) {
	event := events.New(name, rec.snapshot())
	if mutate != nil {
		mutate(&event)
	}
	if err := b.deps.Bus.Publish(context.Background(), event); err != nil {
		b.deps.Logger.Warn("failed to publish event",
			zap.String("event", string(name)),
			zap.String("task_id", event.Task.ID),
			zap.Error(err))
	}
}

func (b *base) statusUpdate(rec *running, message string) {
	b.publish(rec, events.StatusUpdate, func(e *events.TaskEvent) {
		e.Message = message
	})
}

// sleep waits for d or cancellation, whichever comes first.
func (b *base) sleep(rec *running, d time.Duration) {
	select {
	case <-time.After(d):
	case <-rec.ctx.Done():
	}
}

// clearPendingInput interrupts whatever the agent left on its input
// line: ctrl-C, pause, escape twice, pause.
func (b *base) clearPendingInput(rec *running) {
	name := rec.session()
	b.deps.Terminal.SendCtrlC(name)
	b.sleep(rec, b.cfg.ClearDelay)
	b.deps.Terminal.SendEscape(name, 2)
	b.sleep(rec, b.cfg.ClearDelay)
}

// prepareSession waits for the session to quiesce before the first
// prompt, interrupting it if it stays busy past the idle wait budget.
func (b *base) prepareSession(rec *running) {
	b.statusUpdate(rec, "Waiting for session to be idle...")

	start := b.deps.Clock.Now()
	for {
		if rec.cancelled() {
			return
		}
		name := rec.session()
		b.deps.Detector.Poll(name)
		if b.deps.Detector.Classify(name) != v1.ActivityActive {
			break
		}
		if b.deps.Clock.Since(start) >= b.cfg.IdleWaitTimeout {
			b.statusUpdate(rec, "Session busy, interrupting...")
			b.deps.Terminal.SendCtrlC(name)
			b.sleep(rec, 500*time.Millisecond)
			b.deps.Terminal.SendEscape(name, 2)
			b.sleep(rec, b.cfg.SettleDelay)
			break
		}
		b.sleep(rec, b.cfg.PollInterval)
	}

	b.clearPendingInput(rec)
}

// sendPrompt writes the prompt to the session, reviving and retrying
// once on failure. Returns false when the session is unreachable.
func (b *base) sendPrompt(rec *running, prompt string) bool {
	oldName := rec.session()
	if b.deps.Terminal.SendKeys(oldName, prompt) {
		return true
	}

	snap := rec.snapshot()
	b.deps.Logger.Warn("send failed, attempting session revive",
		zap.String("task_id", snap.ID),
		zap.String("session", oldName))

	newName, err := b.deps.Sessions.EnsureAlive(rec.ctx, snap.SessionID)
	if err != nil {
		return false
	}
	if newName != oldName {
		b.deps.Detector.Forget(oldName)
		rec.setSession(newName)
		// Let the relaunched agent boot before the retry.
		b.sleep(rec, b.cfg.ReviveSettle)
	}
	return b.deps.Terminal.SendKeys(newName, prompt)
}

// waitForCompletion polls the session until it quiesces, the iteration
// budget runs out, or the task is cancelled. Returns true when the
// session reached idle or waiting_for_input.
func (b *base) waitForCompletion(rec *running) bool {
	start := b.deps.Clock.Now()
	lastStatusAt := start
	lastHeartbeatAt := start

	for b.deps.Clock.Since(start) < b.cfg.IterationTimeout {
		if rec.cancelled() {
			return false
		}

		// Sidecar hint: an agent reporting completion ends the wait
		// early; verification still decides the outcome.
		if statusFileCompleted(rec.projectPath) {
			return true
		}

		name := rec.session()
		b.deps.Detector.Poll(name)
		state := b.deps.Detector.Classify(name)
		if state == v1.ActivityIdle || state == v1.ActivityWaitingForInput {
			// Confirm quiescence: a second non-active read after a
			// short settle avoids reacting to a micro-pause.
			b.sleep(rec, b.cfg.SettleDelay)
			if rec.cancelled() {
				return false
			}
			b.deps.Detector.Poll(name)
			if b.deps.Detector.Classify(name) != v1.ActivityActive {
				return true
			}
		}

		now := b.deps.Clock.Now()
		if now.Sub(lastStatusAt) >= b.cfg.StatusUpdateInterval {
			lastStatusAt = now
			tail := b.deps.Terminal.CaptureScrollback(name, 500)
			snap := rec.snapshot()
			phrase := b.deps.Verifier.StatusSummary(rec.ctx, snap.Name, tail)
			b.statusUpdate(rec, phrase)
		}
		if now.Sub(lastHeartbeatAt) >= b.cfg.ProgressHeartbeat {
			lastHeartbeatAt = now
			snap := rec.snapshot()
			b.statusUpdate(rec, fmt.Sprintf("Iteration %d in progress", snap.CurrentIteration))
		}

		b.sleep(rec, b.cfg.PollInterval)
	}
	return false
}

// waitWhilePaused blocks while the pause flag is set, checking
// cancellation each wake. Returns false when cancelled.
func (b *base) waitWhilePaused(rec *running) bool {
	for rec.paused.Load() {
		if rec.cancelled() {
			return false
		}
		b.sleep(rec, b.cfg.PauseCheckInterval)
	}
	return !rec.cancelled()
}

// cancelTracked implements the shared cancel path: interrupt the agent,
// capture a final scrollback, stop the loop, and emit task:cancelled.
// Idempotent; an untracked task is a no-op.
func (b *base) cancelTracked(taskID string) error {
	rec := b.deregister(taskID)
	if rec == nil {
		return nil
	}
	name := rec.session()
	b.deps.Terminal.SendEscape(name, 2)
	output := b.deps.Terminal.CaptureScrollback(name, 2000)
	rec.cancel()
	b.publish(rec, events.TaskCancelled, func(e *events.TaskEvent) {
		e.Output = output
	})
	return nil
}

// serializeResult stores the verification outcome on the task snapshot.
func serializeResult(result v1.VerificationResult) string {
	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(data)
}

// Registry is the closed set of runner variants keyed by runner kind.
type Registry struct {
	runners map[v1.RunnerKind]Runner
}

// NewRegistry builds a registry from the given runners.
func NewRegistry(runners ...Runner) *Registry {
	m := make(map[v1.RunnerKind]Runner, len(runners))
	for _, r := range runners {
		m[r.Kind()] = r
	}
	return &Registry{runners: m}
}

// Get returns the runner for the kind.
func (r *Registry) Get(kind v1.RunnerKind) (Runner, error) {
	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("no runner registered for kind %q", kind)
	}
	return runner, nil
}

// All returns every registered runner.
func (r *Registry) All() []Runner {
	out := make([]Runner, 0, len(r.runners))
	for _, runner := range r.runners {
		out = append(out, runner)
	}
	return out
}
