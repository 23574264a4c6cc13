// Package engine replays run histories through workflow definitions and
// advances them by one decision at a time.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/waypoint/internal/activity"
	"github.com/petrijr/waypoint/internal/hooks"
	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/internal/taskqueue"
	"github.com/petrijr/waypoint/internal/timer"
	"github.com/petrijr/waypoint/internal/tracing"
	"github.com/petrijr/waypoint/pkg/api"
)

const (
	maxPassConflicts = 8
	lockStripes      = 64
)

var runKeyNamespace = uuid.MustParse("0b6e3f8a-4c1d-5b2e-8f3a-9d7c6e5b4a21")

// RunIDForKey derives the run id Start uses for a run key.
func RunIDForKey(runKey string) string {
	return uuid.NewSHA1(runKeyNamespace, []byte(runKey)).String()
}

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence

	// Queue defaults to an in-memory queue.
	Queue taskqueue.Queue
	// DueTimers defaults to an in-memory heap.
	DueTimers timer.DueQueue

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Observer api.Observer

	// DefaultRetry applies to activities registered without a policy.
	DefaultRetry *api.RetryPolicy

	TimerSweepInterval time.Duration
	ActivityBuffer     int

	// StatusCacheTTL bounds how long terminal statuses stay cached.
	StatusCacheTTL time.Duration
}

// Engine implements api.Engine and api.Advancer.
type Engine struct {
	history    persistence.HistoryStore
	queue      taskqueue.Queue
	timers     *timer.Service
	hooks      *hooks.Registry
	activities *activity.Executor

	workflows *workflowRegistry
	clock     clockwork.Clock
	logger    *slog.Logger
	observer  api.Observer

	locks    [lockStripes]sync.Mutex
	statuses *cache.Cache
}

var (
	_ api.Engine   = (*Engine)(nil)
	_ api.Advancer = (*Engine)(nil)
)

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Persistence.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		history:   cfg.Persistence.History,
		queue:     cfg.Queue,
		workflows: newWorkflowRegistry(),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}
	if e.queue == nil {
		e.queue = taskqueue.NewInMemoryQueue()
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	ttl := cfg.StatusCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	e.statuses = cache.New(ttl, 2*ttl)

	var err error
	e.timers, err = timer.New(timer.Config{
		History:       e.history,
		Queue:         e.queue,
		Due:           cfg.DueTimers,
		Clock:         e.clock,
		Logger:        e.logger,
		Observer:      e.observer,
		SweepInterval: cfg.TimerSweepInterval,
	})
	if err != nil {
		return nil, err
	}
	e.hooks, err = hooks.New(hooks.Config{
		History:  e.history,
		Index:    cfg.Persistence.Hooks,
		Queue:    e.queue,
		Clock:    e.clock,
		Logger:   e.logger,
		Observer: e.observer,
	})
	if err != nil {
		return nil, err
	}
	e.activities, err = activity.New(activity.Config{
		History:      e.history,
		Queue:        e.queue,
		DefaultRetry: cfg.DefaultRetry,
		Clock:        e.clock,
		Logger:       e.logger,
		Observer:     e.observer,
		Buffer:       cfg.ActivityBuffer,
	})
	if err != nil {
		return nil, err
	}

	e.logger = e.logger.With("module", "engine")
	return e, nil
}

// NewInMemoryEngine returns an Engine whose history, hook index, queue and
// timers live in process memory.
func NewInMemoryEngine() *Engine {
	e, err := New(Config{Persistence: persistence.NewInMemory()})
	if err != nil {
		panic(err)
	}
	return e
}

// NewSQLiteEngine keeps history, hook tokens and the run queue in db.
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	p, err := persistence.NewSQLite(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return New(Config{Persistence: p, Queue: q})
}

// NewPostgresEngine keeps history and hook tokens in db. The run queue is
// in memory; Recover refills it on boot.
func NewPostgresEngine(db *sql.DB) (*Engine, error) {
	p, err := persistence.NewPostgres(db)
	if err != nil {
		return nil, err
	}
	return New(Config{Persistence: p})
}

// NewRedisEngine keeps history, hook tokens, the run queue and due timers
// in Redis under prefix.
func NewRedisEngine(client *redis.Client, prefix string) (*Engine, error) {
	return New(Config{
		Persistence: persistence.Persistence{
			History: persistence.NewRedisHistoryStore(client, prefix),
			Hooks:   persistence.NewRedisHookIndex(client, prefix),
		},
		Queue:     taskqueue.NewRedisQueue(client, prefix),
		DueTimers: timer.NewRedisDueQueue(client, prefix),
	})
}

// NewMongoEngine keeps history and hook tokens in the named database.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (*Engine, error) {
	history, err := persistence.NewMongoHistoryStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return New(Config{
		Persistence: persistence.Persistence{
			History: history,
			Hooks:   persistence.NewMongoHookIndex(client, dbName),
		},
	})
}

// Queue returns the run queue workers consume.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// Timers returns the timer service.
func (e *Engine) Timers() *timer.Service { return e.timers }

// Activities returns the activity executor.
func (e *Engine) Activities() *activity.Executor { return e.activities }

// RunBackground runs the timer sweeper and the activity pool until ctx is
// cancelled.
func (e *Engine) RunBackground(ctx context.Context, activityWorkers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.timers.Run(gctx) })
	g.Go(func() error { return e.activities.Run(gctx, activityWorkers) })
	return g.Wait()
}

func (e *Engine) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.workflows.Register(def)
}

func (e *Engine) RegisterActivity(def api.ActivityDefinition) error {
	return e.activities.Register(def)
}

func (e *Engine) Start(ctx context.Context, workflow string, input any, opts ...api.StartOption) (string, error) {
	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}

	wf, err := e.workflows.Get(workflow)
	if err != nil {
		return "", err
	}
	raw, err := api.Encode(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", api.ErrInvalidInput, err)
	}
	if err := wf.validateInput(raw); err != nil {
		return "", err
	}
	if _, err := wf.def.New(raw); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	if o.RunKey != "" {
		runID = RunIDForKey(o.RunKey)
	}

	ev, err := api.NewEvent(runID, api.EventRunStarted, "", e.clock.Now(), api.RunStartedPayload{
		Workflow: workflow,
		Input:    raw,
		RunKey:   o.RunKey,
	})
	if err != nil {
		return "", err
	}
	if _, err := e.history.Append(ctx, runID, 0, ev); err != nil {
		if o.RunKey == "" || !errors.Is(err, api.ErrConcurrentWrite) {
			return "", fmt.Errorf("start %s: %w", workflow, err)
		}
		if err := e.sameWorkflow(ctx, runID, workflow, o.RunKey); err != nil {
			return "", err
		}
		e.logger.DebugContext(ctx, "start deduplicated by run key",
			slog.String("run_id", runID),
			slog.String("run_key", o.RunKey),
		)
		return runID, e.enqueue(ctx, runID, taskqueue.ReasonStart)
	}

	e.observer.OnRunStarted(ctx, &api.RunInfo{
		ID:             runID,
		Workflow:       workflow,
		Status:         api.StatusRunning,
		Input:          raw,
		HistoryVersion: 1,
		CreatedAt:      ev.At,
		UpdatedAt:      ev.At,
	})
	return runID, e.enqueue(ctx, runID, taskqueue.ReasonStart)
}

func (e *Engine) sameWorkflow(ctx context.Context, runID, workflow, runKey string) error {
	events, err := e.history.Load(ctx, runID)
	if err != nil {
		return err
	}
	var started api.RunStartedPayload
	if err := events[0].Decode(&started); err != nil {
		return err
	}
	if started.Workflow != workflow {
		return fmt.Errorf("run key %q already used by workflow %s", runKey, started.Workflow)
	}
	return nil
}

func (e *Engine) enqueue(ctx context.Context, runID string, reason taskqueue.Reason) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{RunID: runID, Reasons: []taskqueue.Reason{reason}})
}

// Advance runs one replay pass for runID and returns the run's status
// afterwards. Passes for the same run are serialized in process; history
// CAS conflicts with other processes are retried with a fresh history.
func (e *Engine) Advance(ctx context.Context, runID string) (status api.Status, err error) {
	ctx, span := tracing.Start(ctx, "advance", tracing.RunIDKey.String(runID))
	defer func() {
		span.SetAttributes(tracing.StatusKey.String(string(status)))
		tracing.End(span, err)
	}()

	mu := e.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < maxPassConflicts; attempt++ {
		status, err = e.pass(ctx, runID)
		if !errors.Is(err, api.ErrConcurrentWrite) {
			return status, err
		}
		e.logger.DebugContext(ctx, "history moved during pass, replaying again",
			slog.String("run_id", runID),
			slog.Int("attempt", attempt+1),
		)
	}
	return "", fmt.Errorf("advance run %s: %w", runID, err)
}

func (e *Engine) pass(ctx context.Context, runID string) (api.Status, error) {
	events, err := e.history.Load(ctx, runID)
	if err != nil {
		return "", err
	}
	info, err := api.Summarize(events)
	if err != nil {
		return "", err
	}
	tracing.Annotate(ctx, tracing.WorkflowKey.String(info.Workflow))
	if info.Status.IsTerminal() {
		return info.Status, nil
	}

	wf, err := e.workflows.Get(info.Workflow)
	if err != nil {
		return "", err
	}
	var started api.RunStartedPayload
	if err := events[0].Decode(&started); err != nil {
		return "", err
	}
	return newReplay(e, events, started, false).run(ctx, wf.def)
}

func (e *Engine) lockFor(runID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return &e.locks[h.Sum32()%lockStripes]
}

// finished reports a terminal event. Hook tokens of the run stay indexed;
// deliveries to them are rejected from history.
func (e *Engine) finished(ctx context.Context, runID string, events []api.HistoryEvent, cause error) {
	info, err := api.Summarize(events)
	if err != nil {
		e.logger.ErrorContext(ctx, "summarize finished run", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	e.statuses.SetDefault(runID, info)
	if info.Status == api.StatusCompleted {
		e.observer.OnRunCompleted(ctx, info)
	} else {
		if cause == nil {
			cause = errors.New(info.Error)
		}
		e.observer.OnRunFailed(ctx, info, cause)
	}
}

func (e *Engine) ResolveHook(ctx context.Context, token string, payload any) error {
	_, err := e.hooks.Resolve(ctx, token, payload)
	return err
}

// ReleaseHooks frees the hook tokens of a finished run for reuse by new
// runs. Open runs fail with api.ErrRunNotTerminal.
func (e *Engine) ReleaseHooks(ctx context.Context, runID string) (int, error) {
	events, err := e.history.Load(ctx, runID)
	if err != nil {
		return 0, err
	}
	return e.hooks.Release(ctx, events)
}

// GetStatus derives the run's status from history. Open runs are replayed
// without side effects to tell a suspended run from one with work pending.
func (e *Engine) GetStatus(ctx context.Context, runID string) (*api.RunInfo, error) {
	if v, ok := e.statuses.Get(runID); ok {
		info := *v.(*api.RunInfo)
		return &info, nil
	}

	events, err := e.history.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	info, err := api.Summarize(events)
	if err != nil {
		return nil, err
	}
	if info.Status.IsTerminal() {
		e.statuses.SetDefault(runID, info)
		out := *info
		return &out, nil
	}

	wf, err := e.workflows.Get(info.Workflow)
	if err != nil {
		// Not registered here; the history estimate is all we have.
		return info, nil
	}
	var started api.RunStartedPayload
	if err := events[0].Decode(&started); err != nil {
		return nil, err
	}
	r := newReplay(e, events, started, true)
	status, err := r.run(ctx, wf.def)
	if err != nil {
		return nil, err
	}
	info.Status = status
	info.WaitingOn = ""
	if status == api.StatusSuspended {
		info.WaitingOn = r.waitingOn
	}
	return info, nil
}

// Cancel appends RunCancelled. Outstanding timers, hooks and activity
// results of the run become no-ops.
func (e *Engine) Cancel(ctx context.Context, runID string, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	for attempt := 0; attempt < maxPassConflicts; attempt++ {
		events, err := e.history.Load(ctx, runID)
		if err != nil {
			return err
		}
		last := events[len(events)-1]
		if last.Type.IsTerminal() {
			return api.ErrRunTerminated
		}
		ev, err := api.NewEvent(runID, api.EventRunCancelled, "", e.clock.Now(), api.RunFailedPayload{
			Reason: reason,
			Kind:   api.FailureCancelled,
		})
		if err != nil {
			return err
		}
		seq, err := e.history.Append(ctx, runID, last.Seq, ev)
		if errors.Is(err, api.ErrConcurrentWrite) {
			continue
		}
		if err != nil {
			return err
		}
		ev.Seq = seq
		e.finished(ctx, runID, append(events, ev), fmt.Errorf("cancelled: %s", reason))
		return nil
	}
	return fmt.Errorf("cancel run %s: %w", runID, api.ErrConcurrentWrite)
}

func (e *Engine) History(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	return e.history.Load(ctx, runID)
}

func (e *Engine) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.RunInfo, error) {
	records, err := e.history.ListRuns(ctx, persistence.RunFilter{
		Workflow: opts.Workflow,
		OpenOnly: opts.OpenOnly,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*api.RunInfo, 0, len(records))
	for _, rec := range records {
		info, err := e.GetStatus(ctx, rec.ID)
		if errors.Is(err, api.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Recover rebuilds hook tokens and due timers of every open run from
// history and puts the runs back on the queue.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	records, err := e.history.ListRuns(ctx, persistence.RunFilter{OpenOnly: true})
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		events, err := e.history.Load(ctx, rec.ID)
		if err != nil {
			return 0, fmt.Errorf("recover run %s: %w", rec.ID, err)
		}
		if _, err := e.hooks.Rebuild(ctx, events); err != nil {
			return 0, fmt.Errorf("recover hooks of run %s: %w", rec.ID, err)
		}
		if _, err := e.timers.Restore(ctx, events); err != nil {
			return 0, fmt.Errorf("recover timers of run %s: %w", rec.ID, err)
		}
		if err := e.enqueue(ctx, rec.ID, taskqueue.ReasonRecovery); err != nil {
			return 0, err
		}
	}
	e.logger.InfoContext(ctx, "recovered open runs", slog.Int("runs", len(records)))
	return len(records), nil
}
