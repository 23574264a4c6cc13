package waypoint

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/waypoint/internal/engine"
	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/internal/taskqueue"
	"github.com/petrijr/waypoint/pkg/api"
	"github.com/petrijr/waypoint/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Advancer             = api.Advancer
	Context              = api.Context
	WorkflowDefinition   = api.WorkflowDefinition
	Machine              = api.Machine
	ActivityDefinition   = api.ActivityDefinition
	StepResult           = api.StepResult
	ActivityOption       = api.ActivityOption
	StartOption          = api.StartOption
	RunInfo              = api.RunInfo
	RunListOptions       = api.RunListOptions
	HistoryEvent         = api.HistoryEvent
	Status               = api.Status
	RetryPolicy          = api.RetryPolicy
	ActivityError        = api.ActivityError
	FatalError           = api.FatalError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	WorkerConfig         = worker.Config
)

// Runtime is the concrete engine returned by the constructors below. On top
// of Engine it exposes the run queue and the background loops a worker
// process needs.
type Runtime = engine.Engine

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewFatalError        = api.NewFatalError
	WithRunKey           = api.WithRunKey
	WithRetry            = api.WithRetry
	RunIDForKey          = engine.RunIDForKey
)

const (
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
)

var (
	ErrWorkflowNotFound       = api.ErrWorkflowNotFound
	ErrRunNotFound            = api.ErrRunNotFound
	ErrInvalidInput           = api.ErrInvalidInput
	ErrUnknownOrResolvedToken = api.ErrUnknownOrResolvedToken
	ErrNonDeterminism         = api.ErrNonDeterminism
	ErrConcurrentWrite        = api.ErrConcurrentWrite
	ErrDuplicateToken         = api.ErrDuplicateToken
	ErrRunNotTerminal         = api.ErrRunNotTerminal
)

// Define builds a workflow from typed input and state. See api.Define.
func Define[I any, S any](name string, init func(in I) *S, step func(wc Context, s *S) StepResult) WorkflowDefinition {
	return api.Define(name, init, step)
}

// Activity wraps a typed function as an activity. See api.Activity.
func Activity[A any, R any](name string, fn func(ctx context.Context, args A) (R, error)) ActivityDefinition {
	return api.Activity(name, fn)
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by process memory.
func NewInMemoryEngine() *Runtime {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine reporting to obs.
func NewInMemoryEngineWithObserver(obs Observer) *Runtime {
	e, err := engine.New(engine.Config{Persistence: persistence.NewInMemory(), Observer: obs})
	if err != nil {
		panic(err)
	}
	return e
}

// NewSQLiteEngine keeps history, hook tokens and the run queue in db.
func NewSQLiteEngine(db *sql.DB) (*Runtime, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver is NewSQLiteEngine reporting to obs.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (*Runtime, error) {
	p, err := persistence.NewSQLite(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{Persistence: p, Queue: q, Observer: obs})
}

// NewPostgresEngine keeps history and hook tokens in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (*Runtime, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine keeps all engine state in Redis under prefix.
func NewRedisEngine(client *redis.Client, prefix string) (*Runtime, error) {
	return engine.NewRedisEngine(client, prefix)
}

// NewMongoEngine keeps history and hook tokens in the named MongoDB database.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (*Runtime, error) {
	return engine.NewMongoEngine(ctx, client, dbName)
}

// Convenience helpers that just forward to the underlying Engine.

// Start records a new run of a registered workflow.
func Start(ctx context.Context, eng Engine, workflow string, input any, opts ...StartOption) (string, error) {
	return eng.Start(ctx, workflow, input, opts...)
}

// GetStatus fetches the status of a run.
func GetStatus(ctx context.Context, eng Engine, runID string) (*RunInfo, error) {
	return eng.GetStatus(ctx, runID)
}

// ListRuns lists runs according to opts.
func ListRuns(ctx context.Context, eng Engine, opts RunListOptions) ([]*RunInfo, error) {
	return eng.ListRuns(ctx, opts)
}

// ResolveHook delivers payload to the run waiting on token.
func ResolveHook(ctx context.Context, eng Engine, token string, payload any) error {
	return eng.ResolveHook(ctx, token, payload)
}

// Cancel terminates a run.
func Cancel(ctx context.Context, eng Engine, runID, reason string) error {
	return eng.Cancel(ctx, runID, reason)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := waypoint.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}

// Await polls the run until it is terminal or ctx is done. A run suspended
// on a hook never finishes on its own, so callers usually bound ctx. On
// timeout the last seen status is returned with ctx.Err().
func Await(ctx context.Context, eng Engine, runID string, every time.Duration) (*RunInfo, error) {
	if every <= 0 {
		every = 10 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	var last *RunInfo
	for {
		info, err := eng.GetStatus(ctx, runID)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, ctx.Err()
			}
			return nil, err
		}
		if info.Status.IsTerminal() {
			return info, nil
		}
		last = info
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		case <-t.C:
		}
	}
}
