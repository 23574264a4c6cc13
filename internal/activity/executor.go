// Package activity executes activities with retries and records their
// outcome in run history exactly once per idempotency key.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/internal/taskqueue"
	"github.com/petrijr/waypoint/internal/tracing"
	"github.com/petrijr/waypoint/pkg/api"
)

const (
	maxRecordConflicts = 8
	defaultBuffer      = 256
	defaultRetryDelay  = 500 * time.Millisecond
)

// Request asks for one activity invocation. It mirrors an
// ActivityScheduled event.
type Request struct {
	RunID          string
	StepID         string
	Activity       string
	Args           json.RawMessage
	IdempotencyKey string
	Retry          *api.RetryPolicy
}

// RequestFromEvent rebuilds the request an ActivityScheduled event stands for.
func RequestFromEvent(ev api.HistoryEvent) (Request, error) {
	if ev.Type != api.EventActivityScheduled {
		return Request{}, fmt.Errorf("event #%d is %s, not %s", ev.Seq, ev.Type, api.EventActivityScheduled)
	}
	var p api.ActivityScheduledPayload
	if err := ev.Decode(&p); err != nil {
		return Request{}, err
	}
	return Request{
		RunID:          ev.RunID,
		StepID:         ev.StepID,
		Activity:       p.Name,
		Args:           p.Args,
		IdempotencyKey: p.IdempotencyKey,
		Retry:          p.Retry,
	}, nil
}

// Outcome is the recorded result of an invocation.
type Outcome struct {
	IdempotencyKey string
	Result         json.RawMessage
	Failure        *api.ActivityError
	Attempts       int
	// Cached is true when history already held the outcome and nothing ran.
	Cached bool
}

// Succeeded reports whether the activity completed.
func (o *Outcome) Succeeded() bool { return o.Failure == nil }

// Config wires an Executor.
type Config struct {
	History persistence.HistoryStore

	// Queue, when set, receives the run after each recorded outcome.
	Queue taskqueue.Queue

	// DefaultRetry applies to activities registered without a policy.
	DefaultRetry *api.RetryPolicy

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Observer api.Observer

	// Buffer bounds the number of dispatched requests awaiting a worker.
	Buffer int

	// RetryDelay is how long a run waits before it is re-enqueued after
	// an invocation could not record its outcome.
	RetryDelay time.Duration
}

// Executor runs registered activities.
type Executor struct {
	history  persistence.HistoryStore
	queue    taskqueue.Queue
	retry    api.RetryPolicy
	clock    clockwork.Clock
	logger   *slog.Logger
	observer api.Observer
	delay    time.Duration

	mu      sync.RWMutex
	defs    map[string]api.ActivityDefinition
	pending map[string]struct{}

	flight   singleflight.Group
	requests chan Request
}

func New(cfg Config) (*Executor, error) {
	if cfg.History == nil {
		return nil, errors.New("activity: history store is required")
	}
	e := &Executor{
		history:  cfg.History,
		queue:    cfg.Queue,
		retry:    api.DefaultRetryPolicy(),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		delay:    cfg.RetryDelay,
		defs:     make(map[string]api.ActivityDefinition),
		pending:  make(map[string]struct{}),
	}
	if cfg.DefaultRetry != nil {
		e.retry = *cfg.DefaultRetry
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("module", "activity")
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.delay <= 0 {
		e.delay = defaultRetryDelay
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	e.requests = make(chan Request, buffer)
	return e, nil
}

// Register adds an activity implementation.
func (e *Executor) Register(def api.ActivityDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Name]; exists {
		return fmt.Errorf("activity already registered: %s", def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

func (e *Executor) lookup(name string) (api.ActivityDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[name]
	return def, ok
}

// Invoke runs the activity of req unless history already holds its outcome,
// records the outcome and returns it. Invocations for a finished run fail
// with api.ErrRunTerminated. If ctx is cancelled while retrying, nothing is
// recorded and ctx's error is returned.
func (e *Executor) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("activity: request without idempotency key")
	}

	events, err := e.history.Load(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if events[len(events)-1].Type.IsTerminal() {
		return nil, api.ErrRunTerminated
	}
	if out, ok := findOutcome(events, req.IdempotencyKey); ok {
		return out, nil
	}

	v, err, _ := e.flight.Do(req.IdempotencyKey, func() (any, error) {
		return e.execute(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Outcome), nil
}

func (e *Executor) execute(ctx context.Context, req Request) (out *Outcome, err error) {
	ctx, span := tracing.Start(ctx, "activity "+req.Activity,
		tracing.RunIDKey.String(req.RunID),
		tracing.StepIDKey.String(req.StepID),
		tracing.ActivityKey.String(req.Activity),
		tracing.IdempotencyKeyKey.String(req.IdempotencyKey),
	)
	defer func() {
		spanErr := err
		if out != nil {
			span.SetAttributes(tracing.AttemptsKey.Int(out.Attempts))
			if out.Failure != nil && spanErr == nil {
				spanErr = out.Failure
			}
		}
		tracing.End(span, spanErr)
	}()

	def, ok := e.lookup(req.Activity)
	if !ok {
		failed := &Outcome{
			IdempotencyKey: req.IdempotencyKey,
			Failure: &api.ActivityError{
				Activity: req.Activity,
				Message:  api.ErrActivityNotFound.Error(),
				Fatal:    true,
			},
		}
		return e.record(ctx, req, failed)
	}

	result, attempts, runErr := e.attempt(ctx, def, req)
	if runErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	outcome := &Outcome{IdempotencyKey: req.IdempotencyKey, Attempts: attempts}
	if runErr == nil {
		raw, encErr := api.Encode(result)
		if encErr != nil {
			runErr = api.Fatal(fmt.Errorf("encode result: %w", encErr))
		}
		outcome.Result = raw
	}
	if runErr != nil {
		outcome.Result = nil
		outcome.Failure = &api.ActivityError{
			Activity: req.Activity,
			Message:  runErr.Error(),
			Fatal:    api.IsFatal(runErr),
			Attempts: attempts,
		}
	}
	return e.record(ctx, req, outcome)
}

// attempt calls def under its retry policy and returns the last result.
func (e *Executor) attempt(ctx context.Context, def api.ActivityDefinition, req Request) (any, int, error) {
	policy := e.retry
	if def.Retry != nil {
		policy = *def.Retry
	}
	if req.Retry != nil {
		policy = *req.Retry
	}
	policy = policy.Normalize()

	var (
		result   any
		attempts int
	)
	actx := api.ContextWithIdempotencyKey(ctx, req.IdempotencyKey)
	op := func() error {
		attempts++
		start := e.clock.Now()
		r, err := call(actx, def, req.Args)
		e.observer.OnActivityAttempt(ctx, req.RunID, def.Name, attempts, err, e.clock.Since(start))
		if err == nil {
			result = r
			return nil
		}
		if api.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		e.logger.WarnContext(ctx, "activity attempt failed",
			slog.String("run_id", req.RunID),
			slog.String("activity", def.Name),
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", next),
			slog.Any("error", err),
		)
	}

	err := backoff.RetryNotifyWithTimer(op, newBackOff(ctx, policy), notify, &clockTimer{clock: e.clock})
	return result, attempts, err
}

func newBackOff(ctx context.Context, p api.RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// call runs one attempt, bounded by the definition's timeout. A panic
// counts as a failed attempt.
func call(ctx context.Context, def api.ActivityDefinition, args json.RawMessage) (result any, err error) {
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity %s panicked: %v", def.Name, r)
		}
	}()
	return def.Fn(ctx, args)
}

// record appends the outcome event unless another writer already stored
// one for the same key, in which case that one is returned.
func (e *Executor) record(ctx context.Context, req Request, out *Outcome) (*Outcome, error) {
	var (
		typ     api.EventType
		payload any
	)
	if out.Failure == nil {
		typ = api.EventActivityCompleted
		payload = api.ActivityCompletedPayload{
			IdempotencyKey: req.IdempotencyKey,
			Result:         out.Result,
			Attempts:       out.Attempts,
		}
	} else {
		typ = api.EventActivityFailed
		payload = api.ActivityFailedPayload{
			IdempotencyKey: req.IdempotencyKey,
			Error:          out.Failure.Message,
			Fatal:          out.Failure.Fatal,
			Attempts:       out.Attempts,
		}
	}
	ev, err := api.NewEvent(req.RunID, typ, req.StepID, e.clock.Now(), payload)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxRecordConflicts; attempt++ {
		events, err := e.history.Load(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		last := events[len(events)-1]
		if last.Type.IsTerminal() {
			return nil, api.ErrRunTerminated
		}
		if existing, ok := findOutcome(events, req.IdempotencyKey); ok {
			return existing, nil
		}

		_, err = e.history.Append(ctx, req.RunID, last.Seq, ev)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, api.ErrConcurrentWrite):
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("record activity outcome for run %s: too many concurrent writes", req.RunID)
}

// findOutcome returns the outcome stored for key, if any.
func findOutcome(events []api.HistoryEvent, key string) (*Outcome, bool) {
	var name string
	for _, ev := range events {
		switch ev.Type {
		case api.EventActivityScheduled:
			var p api.ActivityScheduledPayload
			if ev.Decode(&p) == nil && p.IdempotencyKey == key {
				name = p.Name
			}
		case api.EventActivityCompleted:
			var p api.ActivityCompletedPayload
			if ev.Decode(&p) == nil && p.IdempotencyKey == key {
				return &Outcome{IdempotencyKey: key, Result: p.Result, Attempts: p.Attempts, Cached: true}, true
			}
		case api.EventActivityFailed:
			var p api.ActivityFailedPayload
			if ev.Decode(&p) == nil && p.IdempotencyKey == key {
				return &Outcome{
					IdempotencyKey: key,
					Attempts:       p.Attempts,
					Cached:         true,
					Failure: &api.ActivityError{
						Activity: name,
						Message:  p.Error,
						Fatal:    p.Fatal,
						Attempts: p.Attempts,
					},
				}, true
			}
		}
	}
	return nil, false
}

// Dispatch queues req for the worker pool started by Run. It returns false
// when a request with the same idempotency key is already pending or
// running.
func (e *Executor) Dispatch(ctx context.Context, req Request) (bool, error) {
	e.mu.Lock()
	if _, busy := e.pending[req.IdempotencyKey]; busy {
		e.mu.Unlock()
		return false, nil
	}
	e.pending[req.IdempotencyKey] = struct{}{}
	e.mu.Unlock()

	select {
	case e.requests <- req:
		return true, nil
	case <-ctx.Done():
		e.done(req.IdempotencyKey)
		return false, ctx.Err()
	}
}

func (e *Executor) done(key string) {
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

// Run executes dispatched requests on workers goroutines until ctx is
// cancelled. Each recorded outcome re-enqueues its run.
func (e *Executor) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case req := <-e.requests:
					e.handle(gctx, req)
				}
			}
		})
	}
	return g.Wait()
}

func (e *Executor) handle(ctx context.Context, req Request) {
	defer e.done(req.IdempotencyKey)

	_, err := e.Invoke(ctx, req)
	switch {
	case errors.Is(err, api.ErrRunTerminated):
		e.logger.InfoContext(ctx, "activity result discarded for finished run",
			slog.String("run_id", req.RunID),
			slog.String("activity", req.Activity),
		)
		return
	case err != nil:
		if ctx.Err() != nil {
			// Shutdown; Recover dispatches the decision again.
			return
		}
		e.logger.ErrorContext(ctx, "activity invocation failed, requeueing run",
			slog.String("run_id", req.RunID),
			slog.String("activity", req.Activity),
			slog.Duration("delay", e.delay),
			slog.Any("error", err),
		)
		e.requeue(req.RunID)
		return
	}

	if e.queue == nil {
		return
	}
	if err := e.queue.Enqueue(ctx, taskqueue.Task{RunID: req.RunID, Reasons: []taskqueue.Reason{taskqueue.ReasonActivity}}); err != nil {
		e.logger.ErrorContext(ctx, "enqueue after activity failed",
			slog.String("run_id", req.RunID),
			slog.Any("error", err),
		)
	}
}

// requeue wakes runID after the retry delay so its next pass dispatches
// the still unrecorded decision again.
func (e *Executor) requeue(runID string) {
	if e.queue == nil {
		return
	}
	e.clock.AfterFunc(e.delay, func() {
		err := e.queue.Enqueue(context.Background(), taskqueue.Task{
			RunID:   runID,
			Reasons: []taskqueue.Reason{taskqueue.ReasonRetry},
		})
		if err != nil {
			e.logger.Error("requeue after failed invocation failed",
				slog.String("run_id", runID),
				slog.Any("error", err),
			)
		}
	})
}

// clockTimer drives backoff waits from a clockwork clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.Chan() }
