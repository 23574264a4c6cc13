// Package timer schedules durable sleeps and fires them exactly once.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/internal/taskqueue"
	"github.com/petrijr/waypoint/pkg/api"
)

const (
	defaultSweepInterval = time.Second
	defaultBatchSize     = 100
	maxFireConflicts     = 8
)

// Config wires a Service.
type Config struct {
	History persistence.HistoryStore
	Queue   taskqueue.Queue

	// Due defaults to an in-memory heap.
	Due DueQueue

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Observer api.Observer

	SweepInterval time.Duration
	BatchSize     int
}

// Service owns the TimerScheduled / TimerFired pair of history events.
type Service struct {
	history  persistence.HistoryStore
	queue    taskqueue.Queue
	due      DueQueue
	clock    clockwork.Clock
	logger   *slog.Logger
	observer api.Observer

	interval time.Duration
	batch    int
}

func New(cfg Config) (*Service, error) {
	if cfg.History == nil {
		return nil, errors.New("timer: history store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("timer: task queue is required")
	}
	s := &Service{
		history:  cfg.History,
		queue:    cfg.Queue,
		due:      cfg.Due,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		interval: cfg.SweepInterval,
		batch:    cfg.BatchSize,
	}
	if s.due == nil {
		s.due = NewMemoryDueQueue()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("module", "timer")
	if s.observer == nil {
		s.observer = api.NoopObserver{}
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.batch <= 0 {
		s.batch = defaultBatchSize
	}
	return s, nil
}

// Schedule appends TimerScheduled for stepID at expectedSeq+1 and arms the
// timer. It returns the new last sequence number.
func (s *Service) Schedule(ctx context.Context, runID string, expectedSeq int64, stepID string, d time.Duration) (int64, error) {
	now := s.clock.Now()
	fireAt := now.Add(d).UTC()
	ev, err := api.NewEvent(runID, api.EventTimerScheduled, stepID, now, api.TimerScheduledPayload{
		TimerID:  stepID,
		FireAt:   fireAt,
		Duration: d,
	})
	if err != nil {
		return 0, err
	}
	seq, err := s.history.Append(ctx, runID, expectedSeq, ev)
	if err != nil {
		return 0, err
	}
	if err := s.Arm(ctx, Entry{RunID: runID, TimerID: stepID, FireAt: fireAt}); err != nil {
		// The decision is durable; replay or Restore will arm it again.
		s.logger.WarnContext(ctx, "arm timer failed",
			slog.String("run_id", runID),
			slog.String("timer_id", stepID),
			slog.Any("error", err),
		)
	}
	return seq, nil
}

// Arm registers an already scheduled timer with the due queue.
func (s *Service) Arm(ctx context.Context, e Entry) error {
	return s.due.Add(ctx, e)
}

// Pending returns the number of armed timers.
func (s *Service) Pending(ctx context.Context) (int, error) {
	return s.due.Len(ctx)
}

// FireDue fires every timer due at the current clock time and returns how
// many of them produced a TimerFired event. Timers whose fire fails are
// re-armed once the pass is over, so a failing store cannot make the loop
// pop the same entries again.
func (s *Service) FireDue(ctx context.Context) (int, error) {
	fired := 0
	var failed []Entry
	defer func() {
		for _, e := range failed {
			if err := s.due.Add(context.WithoutCancel(ctx), e); err != nil {
				s.logger.ErrorContext(ctx, "re-arm timer failed",
					slog.String("run_id", e.RunID),
					slog.String("timer_id", e.TimerID),
					slog.Any("error", err),
				)
			}
		}
	}()
	for {
		entries, err := s.due.PopDue(ctx, s.clock.Now(), s.batch)
		if err != nil {
			return fired, fmt.Errorf("pop due timers: %w", err)
		}
		progressed := false
		for _, e := range entries {
			ok, err := s.fire(ctx, e)
			if err != nil {
				s.logger.ErrorContext(ctx, "fire timer failed",
					slog.String("run_id", e.RunID),
					slog.String("timer_id", e.TimerID),
					slog.Any("error", err),
				)
				failed = append(failed, e)
				continue
			}
			progressed = true
			if ok {
				fired++
			}
		}
		if len(entries) < s.batch || !progressed {
			return fired, nil
		}
	}
}

// fire records TimerFired for e unless history already has it or the run
// is finished, then wakes the run. It reports whether an event was appended.
func (s *Service) fire(ctx context.Context, e Entry) (bool, error) {
	for attempt := 0; attempt < maxFireConflicts; attempt++ {
		events, err := s.history.Load(ctx, e.RunID)
		if errors.Is(err, api.ErrRunNotFound) {
			s.logger.WarnContext(ctx, "timer for unknown run dropped",
				slog.String("run_id", e.RunID),
				slog.String("timer_id", e.TimerID),
			)
			return false, nil
		}
		if err != nil {
			return false, err
		}

		last := events[len(events)-1]
		if last.Type.IsTerminal() {
			s.stale(ctx, e)
			return false, nil
		}

		state := timerState(events, e.TimerID)
		switch state {
		case timerUnknown:
			s.logger.WarnContext(ctx, "timer not found in history",
				slog.String("run_id", e.RunID),
				slog.String("timer_id", e.TimerID),
			)
			return false, nil
		case timerFired:
			// A previous fire appended the event but may not have woken the run.
			return false, s.wake(ctx, e.RunID)
		}

		ev, err := api.NewEvent(e.RunID, api.EventTimerFired, e.TimerID, s.clock.Now(), api.TimerFiredPayload{TimerID: e.TimerID})
		if err != nil {
			return false, err
		}
		_, err = s.history.Append(ctx, e.RunID, last.Seq, ev)
		switch {
		case err == nil:
			s.observer.OnTimerFired(ctx, e.RunID, e.TimerID, false)
			return true, s.wake(ctx, e.RunID)
		case errors.Is(err, api.ErrConcurrentWrite):
			continue
		case errors.Is(err, api.ErrRunTerminated):
			s.stale(ctx, e)
			return false, nil
		default:
			return false, err
		}
	}
	return false, fmt.Errorf("timer %s/%s: too many concurrent writes", e.RunID, e.TimerID)
}

func (s *Service) stale(ctx context.Context, e Entry) {
	s.logger.InfoContext(ctx, "timer fired for finished run",
		slog.String("run_id", e.RunID),
		slog.String("timer_id", e.TimerID),
	)
	s.observer.OnTimerFired(ctx, e.RunID, e.TimerID, true)
}

func (s *Service) wake(ctx context.Context, runID string) error {
	return s.queue.Enqueue(ctx, taskqueue.Task{
		RunID:   runID,
		Reasons: []taskqueue.Reason{taskqueue.ReasonTimer},
	})
}

// Restore re-arms every timer of a run that is scheduled but not fired.
// It is called during boot recovery with the run's history.
func (s *Service) Restore(ctx context.Context, events []api.HistoryEvent) (int, error) {
	if len(events) == 0 || events[len(events)-1].Type.IsTerminal() {
		return 0, nil
	}
	pending, err := PendingTimers(events)
	if err != nil {
		return 0, err
	}
	for _, e := range pending {
		if err := s.due.Add(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// Run sweeps for due timers on every tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := s.FireDue(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "timer sweep failed", slog.Any("error", err))
			}
		}
	}
}

type firedState int

const (
	timerUnknown firedState = iota
	timerPending
	timerFired
)

func timerState(events []api.HistoryEvent, timerID string) firedState {
	state := timerUnknown
	for _, ev := range events {
		if ev.StepID != timerID {
			continue
		}
		switch ev.Type {
		case api.EventTimerScheduled:
			state = timerPending
		case api.EventTimerFired:
			return timerFired
		}
	}
	return state
}

// PendingTimers lists the timers of a history that have no TimerFired.
func PendingTimers(events []api.HistoryEvent) ([]Entry, error) {
	fired := make(map[string]bool)
	for _, ev := range events {
		if ev.Type == api.EventTimerFired {
			fired[ev.StepID] = true
		}
	}
	var out []Entry
	for _, ev := range events {
		if ev.Type != api.EventTimerScheduled || fired[ev.StepID] {
			continue
		}
		var p api.TimerScheduledPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, Entry{RunID: ev.RunID, TimerID: ev.StepID, FireAt: p.FireAt})
	}
	return out, nil
}
