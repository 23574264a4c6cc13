package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run processing.
type Observer interface {
	// OnRunStarted is called once when a run's RunStarted event is stored.
	OnRunStarted(ctx context.Context, run *RunInfo)

	// OnRunSuspended is called when a replay pass parks the run on a timer,
	// hook or in-flight activity.
	OnRunSuspended(ctx context.Context, run *RunInfo)

	// OnRunCompleted is called when RunCompleted is stored.
	OnRunCompleted(ctx context.Context, run *RunInfo)

	// OnRunFailed is called when RunFailed or RunCancelled is stored.
	OnRunFailed(ctx context.Context, run *RunInfo, err error)

	// OnActivityAttempt is called after every attempt of an activity,
	// successful (err == nil) or not.
	OnActivityAttempt(ctx context.Context, runID, activity string, attempt int, err error, d time.Duration)

	// OnTimerFired is called for every due timer. stale is true when the
	// fire was a no-op because the run had already terminated.
	OnTimerFired(ctx context.Context, runID, timerID string, stale bool)

	// OnHookResolved is called after a hook delivery is stored.
	OnHookResolved(ctx context.Context, runID, token string, delivery int)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStarted(ctx context.Context, run *RunInfo)           {}
func (NoopObserver) OnRunSuspended(ctx context.Context, run *RunInfo)         {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *RunInfo)         {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *RunInfo, err error) {}
func (NoopObserver) OnActivityAttempt(ctx context.Context, runID, activity string, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnTimerFired(ctx context.Context, runID, timerID string, stale bool) {}
func (NoopObserver) OnHookResolved(ctx context.Context, runID, token string, delivery int) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStarted(ctx context.Context, run *RunInfo) {
	for _, o := range c.observers {
		o.OnRunStarted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunSuspended(ctx context.Context, run *RunInfo) {
	for _, o := range c.observers {
		o.OnRunSuspended(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *RunInfo) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *RunInfo, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnActivityAttempt(ctx context.Context, runID, activity string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityAttempt(ctx, runID, activity, attempt, err, d)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, runID, timerID string, stale bool) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, runID, timerID, stale)
	}
}

func (c *CompositeObserver) OnHookResolved(ctx context.Context, runID, token string, delivery int) {
	for _, o := range c.observers {
		o.OnHookResolved(ctx, runID, token, delivery)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStarted(ctx context.Context, run *RunInfo) {
	o.Logger.InfoContext(ctx, "run_started",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunSuspended(ctx context.Context, run *RunInfo) {
	o.Logger.DebugContext(ctx, "run_suspended",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("waiting_on", run.WaitingOn),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *RunInfo) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *RunInfo, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("kind", string(run.Failure)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityAttempt(ctx context.Context, runID, activity string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_attempt",
		slog.String("run_id", runID),
		slog.String("activity", activity),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, runID, timerID string, stale bool) {
	o.Logger.DebugContext(ctx, "timer_fired",
		slog.String("run_id", runID),
		slog.String("timer_id", timerID),
		slog.Bool("stale", stale),
	)
}

func (o *LoggingObserver) OnHookResolved(ctx context.Context, runID, token string, delivery int) {
	o.Logger.InfoContext(ctx, "hook_resolved",
		slog.String("run_id", runID),
		slog.String("token", token),
		slog.Int("delivery", delivery),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	suspensions       atomic.Int64
	activityAttempts  atomic.Int64
	activityFailures  atomic.Int64
	totalActivityTime atomic.Int64 // nanoseconds
	timersFired       atomic.Int64
	hooksResolved     atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	OpenRuns      int64
	Suspensions   int64

	ActivityAttempts    int64
	ActivityFailures    int64
	AvgActivityDuration time.Duration

	TimersFired   int64
	HooksResolved int64
}

func (m *BasicMetrics) OnRunStarted(ctx context.Context, run *RunInfo) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunSuspended(ctx context.Context, run *RunInfo) {
	m.suspensions.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *RunInfo) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *RunInfo, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnActivityAttempt(ctx context.Context, runID, activity string, attempt int, err error, d time.Duration) {
	m.activityAttempts.Add(1)
	if err != nil {
		m.activityFailures.Add(1)
	}
	m.totalActivityTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnTimerFired(ctx context.Context, runID, timerID string, stale bool) {
	if !stale {
		m.timersFired.Add(1)
	}
}

func (m *BasicMetrics) OnHookResolved(ctx context.Context, runID, token string, delivery int) {
	m.hooksResolved.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	attempts := m.activityAttempts.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	open := started - completed - failed
	if open < 0 {
		open = 0
	}

	return BasicMetricsSnapshot{
		RunsStarted:         started,
		RunsCompleted:       completed,
		RunsFailed:          failed,
		OpenRuns:            open,
		Suspensions:         m.suspensions.Load(),
		ActivityAttempts:    attempts,
		ActivityFailures:    m.activityFailures.Load(),
		AvgActivityDuration: avg,
		TimersFired:         m.timersFired.Load(),
		HooksResolved:       m.hooksResolved.Load(),
	}
}
