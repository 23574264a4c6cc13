package api

import "context"

// Engine is the high-level durable workflow API.
type Engine interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// RegisterActivity registers an activity implementation by name.
	RegisterActivity(def ActivityDefinition) error

	// Start records a new run and schedules it. With WithRunKey the call is
	// idempotent and a repeated start returns the existing run id.
	Start(ctx context.Context, workflow string, input any, opts ...StartOption) (string, error)

	// ResolveHook delivers payload to the run waiting on token.
	// Unknown, consumed or orphaned tokens fail with ErrUnknownOrResolvedToken.
	ResolveHook(ctx context.Context, token string, payload any) error

	// GetStatus derives the current status of a run from its history.
	GetStatus(ctx context.Context, runID string) (*RunInfo, error)

	// Cancel terminates a run. Outstanding timers and hooks become no-ops.
	Cancel(ctx context.Context, runID string, reason string) error

	// History returns the run's events in order.
	History(ctx context.Context, runID string) ([]HistoryEvent, error)

	// ListRuns returns runs matching opts.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*RunInfo, error)

	// Recover rebuilds volatile indices (hook tokens, due timers) from
	// history and re-enqueues every open run. Call it once on boot before
	// starting workers. It returns the number of open runs found.
	Recover(ctx context.Context) (int, error)
}

// Advancer runs one replay-and-advance pass for a run. Workers depend on it
// rather than on the full Engine.
type Advancer interface {
	Advance(ctx context.Context, runID string) (Status, error)
}
