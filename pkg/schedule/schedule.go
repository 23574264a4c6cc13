// Package schedule starts workflow runs on cron specs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/petrijr/waypoint/pkg/api"
)

// Starter starts runs; api.Engine satisfies it.
type Starter interface {
	Start(ctx context.Context, workflow string, input any, opts ...api.StartOption) (string, error)
}

// Entry starts Workflow with Input every time Spec fires.
type Entry struct {
	Name     string
	Spec     string
	Workflow string
	Input    any
}

// RunKey is the idempotency key of the run entry name starts at unix
// minute m. Two fires within one minute share a key and start one run.
func RunKey(name string, m int64) string {
	return fmt.Sprintf("%s@%d", name, m)
}

type Options struct {
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Scheduler owns a cron instance whose jobs call Starter.Start.
type Scheduler struct {
	starter Starter
	clock   clockwork.Clock
	logger  *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]Entry
}

func New(starter Starter, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("module", "schedule")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		starter: starter,
		clock:   opts.Clock,
		logger:  logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(
				cron.SkipIfStillRunning(cl),
				cron.Recover(cl),
			),
		),
		entries: make(map[string]Entry),
	}
}

// Add registers e. Names must be unique and specs must parse as standard
// five-field cron expressions or descriptors such as "@every 1h".
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" || e.Workflow == "" {
		return errors.New("schedule: name and workflow are required")
	}
	if _, err := cron.ParseStandard(e.Spec); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression: %w", e.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[e.Name]; dup {
		return fmt.Errorf("schedule %s: already registered", e.Name)
	}

	name := e.Name
	id, err := s.cron.AddFunc(e.Spec, func() {
		if _, err := s.Trigger(context.Background(), name); err != nil {
			s.logger.Error("scheduled start failed",
				slog.String("schedule", name),
				slog.Any("error", err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", e.Name, err)
	}
	s.entries[e.Name] = e
	s.logger.Info("schedule added",
		slog.String("schedule", e.Name),
		slog.String("spec", e.Spec),
		slog.String("workflow", e.Workflow),
		slog.Int("cron_id", int(id)),
	)
	return nil
}

// Trigger starts the run for schedule name at the current minute.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("schedule %s: not registered", name)
	}

	key := RunKey(e.Name, s.clock.Now().Unix()/60)
	runID, err := s.starter.Start(ctx, e.Workflow, e.Input, api.WithRunKey(key))
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "scheduled run started",
		slog.String("schedule", name),
		slog.String("run_id", runID),
		slog.String("run_key", key),
	)
	return runID, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
