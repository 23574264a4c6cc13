package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/waypoint/internal/taskqueue"
	"github.com/petrijr/waypoint/pkg/api"
)

// Config tunes a Worker.
type Config struct {
	// Concurrency is the number of goroutines Run uses. Defaults to 1.
	Concurrency int

	// RetryDelay is the first delay before a run whose pass failed is put
	// back on the queue. It doubles per consecutive failure up to
	// MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// MaxPassFailures is how many consecutive failed passes a run gets
	// before the worker stops requeueing it. Recover picks it up again.
	MaxPassFailures int

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.MaxPassFailures <= 0 {
		c.MaxPassFailures = 10
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker pulls runs from a Queue and advances them.
type Worker struct {
	advancer api.Advancer
	queue    taskqueue.Queue
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// New creates a Worker with default settings.
func New(advancer api.Advancer, queue taskqueue.Queue) *Worker {
	return NewWithConfig(advancer, queue, Config{})
}

// NewWithConfig creates a Worker using cfg.
func NewWithConfig(advancer api.Advancer, queue taskqueue.Queue, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		advancer: advancer,
		queue:    queue,
		cfg:      cfg,
		logger:   cfg.Logger.With("module", "worker"),
		failures: make(map[string]int),
	}
}

// ProcessOne pulls a single run from the queue and advances it.
// Returns (processed, error):
//   - processed == false: nothing was dequeued; err is the dequeue error
//     (usually ctx cancellation).
//   - processed == true: a pass was attempted; err reports its failure.
//     Transient failures are requeued after a delay.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	status, err := w.advancer.Advance(ctx, task.RunID)
	if err == nil {
		w.reset(task.RunID)
		w.logger.DebugContext(ctx, "run advanced",
			slog.String("run_id", task.RunID),
			slog.Any("reasons", task.Reasons),
			slog.String("status", string(status)),
		)
		return true, nil
	}

	switch {
	case errors.Is(err, api.ErrRunNotFound), errors.Is(err, api.ErrWorkflowNotFound):
		// Requeueing cannot help; the run waits for a worker that knows it.
		w.reset(task.RunID)
		w.logger.ErrorContext(ctx, "run cannot be advanced here",
			slog.String("run_id", task.RunID),
			slog.Any("error", err),
		)
	case ctx.Err() != nil:
		// Shutting down; Recover re-enqueues open runs on the next boot.
	default:
		w.retry(task.RunID, err)
	}
	return true, err
}

func (w *Worker) reset(runID string) {
	w.mu.Lock()
	delete(w.failures, runID)
	w.mu.Unlock()
}

// retry requeues runID with exponential delay.
func (w *Worker) retry(runID string, cause error) {
	w.mu.Lock()
	w.failures[runID]++
	n := w.failures[runID]
	if n > w.cfg.MaxPassFailures {
		delete(w.failures, runID)
	}
	w.mu.Unlock()

	if n > w.cfg.MaxPassFailures {
		w.logger.Error("giving up on run after repeated pass failures",
			slog.String("run_id", runID),
			slog.Int("failures", n-1),
			slog.Any("error", cause),
		)
		return
	}

	delay := w.cfg.RetryDelay
	for i := 1; i < n && delay < w.cfg.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > w.cfg.MaxRetryDelay {
		delay = w.cfg.MaxRetryDelay
	}
	w.logger.Warn("pass failed, requeueing run",
		slog.String("run_id", runID),
		slog.Int("failures", n),
		slog.Duration("delay", delay),
		slog.Any("error", cause),
	)

	w.cfg.Clock.AfterFunc(delay, func() {
		err := w.queue.Enqueue(context.Background(), taskqueue.Task{
			RunID:   runID,
			Reasons: []taskqueue.Reason{taskqueue.ReasonRetry},
		})
		if err != nil {
			w.logger.Error("requeue failed", slog.String("run_id", runID), slog.Any("error", err))
		}
	})
}

// Run processes runs on cfg.Concurrency goroutines until ctx is cancelled.
// Pass failures are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(gctx)
				if gctx.Err() != nil {
					return nil
				}
				if !processed && err != nil {
					w.logger.ErrorContext(gctx, "dequeue failed", slog.Any("error", err))
					select {
					case <-gctx.Done():
						return nil
					case <-w.cfg.Clock.After(w.cfg.RetryDelay):
					}
				}
			}
		})
	}
	return g.Wait()
}
