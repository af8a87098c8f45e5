// Package watchdog periodically audits active tasks against their
// progress SLAs, nudges stuck agents, revives dead sessions, and
// force-fails tasks that are beyond recovery.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/clock"
	"github.com/foremanhq/foreman/internal/common/logger"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// recentOutputWindow is how fresh detector-observed output must be to
// count as progress.
const recentOutputWindow = 30 * time.Second

// nudgePause separates the interrupt from the escapes when poking a
// stuck agent.
const nudgePause = 500 * time.Millisecond

// Tasks is the slice of the task service the watchdog drives. All
// writes go through it; the watchdog never touches the store.
type Tasks interface {
	ListByStatus(ctx context.Context, statuses ...v1.TaskStatus) ([]*v1.Task, error)
	RecordActivity(ctx context.Context, id string) error
	RecordHealthFailure(ctx context.Context, id string) (int, error)
	ForceFail(ctx context.Context, id, reason string) error
	ProcessQueue(ctx context.Context, sessionID string) error
}

// Sessions resolves and revives the session a task is bound to.
type Sessions interface {
	Get(ctx context.Context, id string) (*v1.Session, error)
	EnsureAlive(ctx context.Context, id string) (string, error)
}

// Terminal is the slice of the tmux driver used for liveness checks and
// nudges.
type Terminal interface {
	IsAlive(name string) bool
	SendCtrlC(name string)
	SendEscape(name string, count int)
}

// Activity reports when a session last produced output.
type Activity interface {
	LastOutputAt(session string) (time.Time, bool)
}

// Config holds the scan interval and the escalation thresholds.
type Config struct {
	Interval          time.Duration
	StaleWarning      time.Duration
	StaleStuck        time.Duration
	StaleCritical     time.Duration
	AbsoluteRuntime   time.Duration
	QueueBlock        time.Duration
	MaxHealthFailures int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:          15 * time.Second,
		StaleWarning:      120 * time.Second,
		StaleStuck:        300 * time.Second,
		StaleCritical:     600 * time.Second,
		AbsoluteRuntime:   900 * time.Second,
		QueueBlock:        1800 * time.Second,
		MaxHealthFailures: 5,
	}
}

// Watchdog is the periodic health scanner.
type Watchdog struct {
	tasks    Tasks
	sessions Sessions
	terminal Terminal
	activity Activity
	clock    clock.Clock
	cfg      Config
	logger   *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a watchdog. A nil clock falls back to real time.
func New(tasks Tasks, sessions Sessions, terminal Terminal, activity Activity, clk clock.Clock, cfg Config, log *logger.Logger) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Watchdog{
		tasks:    tasks,
		sessions: sessions,
		terminal: terminal,
		activity: activity,
		clock:    clk,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "watchdog")),
	}
}

// Start launches the scan loop.
func (w *Watchdog) Start() {
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("watchdog started", zap.Duration("interval", w.cfg.Interval))
}

// Stop terminates the scan loop and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Interval)
			w.Scan(ctx)
			cancel()
		}
	}
}

// Scan runs one audit pass over every active task. Exported so tests
// can drive it without the ticker.
func (w *Watchdog) Scan(ctx context.Context) {
	active, err := w.tasks.ListByStatus(ctx, v1.TaskStatusRunning, v1.TaskStatusPaused)
	if err != nil {
		w.logger.WithError(err).Error("failed to list active tasks")
		return
	}

	queuedBySession := w.queuedSessions(ctx)

	activeSessions := make(map[string]bool, len(active))
	for _, task := range active {
		activeSessions[task.SessionID] = true
		queuedAt, hasQueued := queuedBySession[task.SessionID]
		w.check(ctx, task, hasQueued, queuedAt)
	}

	// A session with queued work but no active task is stalled; the
	// normal promotion only runs on terminal events, which a crash or
	// restart can swallow.
	for sessionID := range queuedBySession {
		if activeSessions[sessionID] {
			continue
		}
		w.logger.Info("promoting queued work on idle session",
			zap.String("session_id", sessionID))
		if err := w.tasks.ProcessQueue(ctx, sessionID); err != nil {
			w.logger.WithError(err).Error("queue promotion failed",
				zap.String("session_id", sessionID))
		}
	}
}

// queuedSessions returns, per session with queued tasks, the creation
// time of its oldest queued task.
func (w *Watchdog) queuedSessions(ctx context.Context) map[string]time.Time {
	queued, err := w.tasks.ListByStatus(ctx, v1.TaskStatusQueued)
	if err != nil {
		w.logger.WithError(err).Error("failed to list queued tasks")
		return nil
	}
	out := make(map[string]time.Time, len(queued))
	for _, t := range queued {
		if first, ok := out[t.SessionID]; !ok || t.CreatedAt.Before(first) {
			out[t.SessionID] = t.CreatedAt
		}
	}
	return out
}

func (w *Watchdog) check(ctx context.Context, task *v1.Task, hasQueued bool, queuedAt time.Time) {
	log := w.logger.WithTaskID(task.ID)

	session, err := w.sessions.Get(ctx, task.SessionID)
	if err != nil {
		log.WithError(err).Error("failed to load session for active task")
		return
	}

	if !w.terminal.IsAlive(session.TerminalSessionName) {
		w.handleDeadSession(ctx, task, log)
		return
	}

	// Recent terminal output is progress, whatever the store says.
	if last, ok := w.activity.LastOutputAt(session.TerminalSessionName); ok {
		if w.clock.Now().Sub(last) <= recentOutputWindow {
			if err := w.tasks.RecordActivity(ctx, task.ID); err != nil {
				log.WithError(err).Error("failed to record activity")
			}
			return
		}
	}

	// A paused task legitimately makes no progress; only its session
	// liveness is enforced.
	if task.Status == v1.TaskStatusPaused {
		return
	}

	now := w.clock.Now()
	progressRef := task.StartedAt
	if task.LastProgressAt != nil {
		progressRef = task.LastProgressAt
	}
	if progressRef == nil {
		return
	}
	stale := now.Sub(*progressRef)

	// Both sides must be long: the blocker's runtime and the oldest
	// queued task's wait. A fresh enqueue behind a long task is fine.
	if hasQueued && task.StartedAt != nil &&
		now.Sub(*task.StartedAt) >= w.cfg.QueueBlock &&
		now.Sub(queuedAt) >= w.cfg.QueueBlock {
		w.forceFail(ctx, task, log, fmt.Sprintf(
			"watchdog: task held its session for %s with tasks queued behind it",
			now.Sub(*task.StartedAt).Truncate(time.Second)))
		return
	}

	switch {
	case stale >= w.cfg.StaleCritical:
		w.forceFail(ctx, task, log, fmt.Sprintf(
			"watchdog: no progress for %s", stale.Truncate(time.Second)))

	case task.StartedAt != nil && now.Sub(*task.StartedAt) >= w.cfg.AbsoluteRuntime && stale >= now.Sub(*task.StartedAt):
		w.forceFail(ctx, task, log, fmt.Sprintf(
			"watchdog: no progress in %s of runtime", now.Sub(*task.StartedAt).Truncate(time.Second)))

	case stale >= w.cfg.StaleStuck:
		w.nudge(ctx, task, session.TerminalSessionName, log, stale)

	case stale >= w.cfg.StaleWarning:
		log.Warn("task progress is stale",
			zap.Duration("stale", stale),
			zap.String("session", session.TerminalSessionName))
	}
}

// handleDeadSession revives the underlying terminal or gives up once the
// failure budget is exhausted.
func (w *Watchdog) handleDeadSession(ctx context.Context, task *v1.Task, log *logger.Logger) {
	count, err := w.tasks.RecordHealthFailure(ctx, task.ID)
	if err != nil {
		log.WithError(err).Error("failed to record health failure")
		return
	}
	if count >= w.cfg.MaxHealthFailures {
		w.forceFail(ctx, task, log, fmt.Sprintf(
			"watchdog: session unresponsive after %d recovery attempts", count))
		return
	}

	log.Warn("session dead, attempting revival", zap.Int("failures", count))
	if _, err := w.sessions.EnsureAlive(ctx, task.SessionID); err != nil {
		log.WithError(err).Error("session revival failed")
	}
}

// nudge pokes a stuck agent and counts the attempt against the failure
// budget.
func (w *Watchdog) nudge(ctx context.Context, task *v1.Task, sessionName string, log *logger.Logger, stale time.Duration) {
	count, err := w.tasks.RecordHealthFailure(ctx, task.ID)
	if err != nil {
		log.WithError(err).Error("failed to record health failure")
		return
	}
	if count >= w.cfg.MaxHealthFailures {
		w.forceFail(ctx, task, log, fmt.Sprintf(
			"watchdog: unresponsive after %d recovery attempts", count))
		return
	}

	log.Warn("task stuck, nudging agent",
		zap.Duration("stale", stale),
		zap.Int("failures", count))
	w.terminal.SendCtrlC(sessionName)
	time.Sleep(nudgePause)
	w.terminal.SendEscape(sessionName, 2)
}

func (w *Watchdog) forceFail(ctx context.Context, task *v1.Task, log *logger.Logger, reason string) {
	log.Error("force-failing task", zap.String("reason", reason))
	if err := w.tasks.ForceFail(ctx, task.ID, reason); err != nil {
		log.WithError(err).Error("force-fail failed")
	}
}
