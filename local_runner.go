package waypoint

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/waypoint/pkg/worker"
)

// LocalRunner bundles an engine with the loops that drive it in one
// process: run workers, the activity pool and the timer sweeper.
//
// Typical usage:
//
//	runner := waypoint.NewLocalRunner()
//	runner.Engine.RegisterWorkflow(def)
//	runner.Engine.RegisterActivity(act)
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//	runID, _ := waypoint.Start(ctx, runner.Engine, "my-flow", input)
//	info, _ := waypoint.Await(ctx, runner.Engine, runID, 0)
type LocalRunner struct {
	// Engine is the workflow engine this runner drives.
	Engine *Runtime

	// Worker advances runs from the engine's queue.
	Worker *worker.Worker

	// ActivityWorkers sizes the activity pool. Defaults to 4.
	ActivityWorkers int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	return newRunner(NewInMemoryEngine(), worker.Config{})
}

// NewRunner drives eng with a Worker built from cfg.
func NewRunner(eng *Runtime, cfg worker.Config) *LocalRunner {
	return newRunner(eng, cfg)
}

func newRunner(eng *Runtime, cfg worker.Config) *LocalRunner {
	return &LocalRunner{
		Engine:          eng,
		Worker:          worker.NewWithConfig(eng, eng.Queue(), cfg),
		ActivityWorkers: 4,
	}
}

// StartWorkers recovers open runs, then starts the background loops with
// 'concurrency' run workers until Stop or ctx cancellation.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("waypoint: runner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	if _, err := r.Engine.Recover(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Engine.RunBackground(gctx, r.ActivityWorkers) })
	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return r.Worker.Run(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	r.cancel = cancel
	r.done = done
	r.running = true
	return nil
}

// Stop cancels the loops started by StartWorkers and waits for them to
// exit. It returns the first loop error, if any.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	return <-done
}
