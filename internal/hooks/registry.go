// Package hooks registers hook tokens for suspended runs and delivers
// external payloads to them.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/internal/taskqueue"
	"github.com/petrijr/waypoint/pkg/api"
)

const maxResolveConflicts = 8

// Config wires a Registry.
type Config struct {
	History persistence.HistoryStore
	Index   persistence.HookIndex
	Queue   taskqueue.Queue

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Observer api.Observer
}

// Registry keeps the token index in step with HookCreated, HookResolved and
// HookClosed history events. History decides; the index only finds the run.
type Registry struct {
	history  persistence.HistoryStore
	index    persistence.HookIndex
	queue    taskqueue.Queue
	clock    clockwork.Clock
	logger   *slog.Logger
	observer api.Observer
}

func New(cfg Config) (*Registry, error) {
	if cfg.History == nil || cfg.Index == nil || cfg.Queue == nil {
		return nil, errors.New("hooks: history store, hook index and task queue are required")
	}
	r := &Registry{
		history:  cfg.History,
		index:    cfg.Index,
		queue:    cfg.Queue,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("module", "hooks")
	if r.observer == nil {
		r.observer = api.NoopObserver{}
	}
	return r, nil
}

// Create registers token for runID and appends HookCreated at
// expectedSeq+1. A token owned by another run fails with
// *api.DuplicateTokenError. Re-registering the same run and step succeeds,
// so a pass that crashed between the two writes can be retried.
func (r *Registry) Create(ctx context.Context, runID string, expectedSeq int64, stepID, token string, metadata any, singleShot bool) (int64, error) {
	if token == "" {
		return 0, errors.New("hooks: empty token")
	}
	meta, err := api.Encode(metadata)
	if err != nil {
		return 0, fmt.Errorf("encode hook metadata: %w", err)
	}
	now := r.clock.Now()

	if err := r.claim(ctx, persistence.HookRecord{
		Token:      token,
		RunID:      runID,
		StepID:     stepID,
		SingleShot: singleShot,
		Metadata:   meta,
		CreatedAt:  now.UTC(),
	}); err != nil {
		return 0, err
	}

	ev, err := api.NewEvent(runID, api.EventHookCreated, stepID, now, api.HookCreatedPayload{
		Token:      token,
		Metadata:   meta,
		SingleShot: singleShot,
	})
	if err != nil {
		return 0, err
	}
	return r.history.Append(ctx, runID, expectedSeq, ev)
}

func (r *Registry) claim(ctx context.Context, rec persistence.HookRecord) error {
	err := r.index.Insert(ctx, rec)
	if !errors.Is(err, api.ErrDuplicateToken) {
		return err
	}
	existing, gerr := r.index.Get(ctx, rec.Token)
	if gerr != nil {
		return err
	}
	if existing.RunID == rec.RunID && existing.StepID == rec.StepID {
		return nil
	}
	return err
}

// Resolve delivers payload to the run waiting on token and returns the
// delivery number. Unknown tokens, consumed single-shot hooks, closed hooks
// and hooks of finished runs fail with *api.UnknownOrResolvedTokenError.
func (r *Registry) Resolve(ctx context.Context, token string, payload any) (int, error) {
	rec, err := r.index.Get(ctx, token)
	if errors.Is(err, persistence.ErrHookNotFound) {
		return 0, &api.UnknownOrResolvedTokenError{Token: token, Reason: "unknown token"}
	}
	if err != nil {
		return 0, err
	}
	if rec.SingleShot && rec.Resolved {
		return 0, &api.UnknownOrResolvedTokenError{Token: token, Reason: "already resolved"}
	}

	raw, err := api.Encode(payload)
	if err != nil {
		return 0, fmt.Errorf("encode hook payload: %w", err)
	}

	for attempt := 0; attempt < maxResolveConflicts; attempt++ {
		events, err := r.history.Load(ctx, rec.RunID)
		if errors.Is(err, api.ErrRunNotFound) {
			return 0, &api.UnknownOrResolvedTokenError{Token: token, Reason: "unknown token"}
		}
		if err != nil {
			return 0, err
		}
		last := events[len(events)-1]
		if last.Type.IsTerminal() {
			return 0, &api.UnknownOrResolvedTokenError{Token: token, Reason: "run finished"}
		}

		state := inspect(events, rec.StepID, token)
		switch {
		case !state.created:
			return 0, &api.UnknownOrResolvedTokenError{Token: token, Reason: "unknown token"}
		case state.closed:
			return 0, &api.UnknownOrResolvedTokenError{Token: token, Reason: "hook closed"}
		case state.singleShot && state.deliveries > 0:
			r.markResolved(ctx, token)
			return 0, &api.UnknownOrResolvedTokenError{Token: token, Reason: "already resolved"}
		}

		delivery := state.deliveries + 1
		ev, err := api.NewEvent(rec.RunID, api.EventHookResolved, rec.StepID, r.clock.Now(), api.HookResolvedPayload{
			Token:    token,
			Payload:  raw,
			Delivery: delivery,
		})
		if err != nil {
			return 0, err
		}
		_, err = r.history.Append(ctx, rec.RunID, last.Seq, ev)
		switch {
		case errors.Is(err, api.ErrConcurrentWrite):
			continue
		case errors.Is(err, api.ErrRunTerminated):
			return 0, &api.UnknownOrResolvedTokenError{Token: token, Reason: "run finished"}
		case err != nil:
			return 0, err
		}

		if state.singleShot {
			r.markResolved(ctx, token)
		}
		r.observer.OnHookResolved(ctx, rec.RunID, token, delivery)
		if err := r.queue.Enqueue(ctx, taskqueue.Task{
			RunID:   rec.RunID,
			Reasons: []taskqueue.Reason{taskqueue.ReasonHook},
		}); err != nil {
			// The delivery is durable; recovery or the next wake-up picks it up.
			r.logger.ErrorContext(ctx, "enqueue after hook resolution failed",
				slog.String("run_id", rec.RunID),
				slog.String("token", token),
				slog.Any("error", err),
			)
		}
		return delivery, nil
	}
	return 0, fmt.Errorf("hook %q: too many concurrent writes on run %s", token, rec.RunID)
}

func (r *Registry) markResolved(ctx context.Context, token string) {
	if err := r.index.MarkResolved(ctx, token); err != nil && !errors.Is(err, persistence.ErrHookNotFound) {
		r.logger.WarnContext(ctx, "mark hook resolved failed",
			slog.String("token", token),
			slog.Any("error", err),
		)
	}
}

// Close appends HookClosed for an iterator hook. The index entry stays so
// the token cannot be claimed again; Resolve sees the close in history.
func (r *Registry) Close(ctx context.Context, runID string, expectedSeq int64, stepID, token string) (int64, error) {
	ev, err := api.NewEvent(runID, api.EventHookClosed, stepID, r.clock.Now(), api.HookClosedPayload{Token: token})
	if err != nil {
		return 0, err
	}
	return r.history.Append(ctx, runID, expectedSeq, ev)
}

// Release deletes the index entries a finished run still owns so their
// tokens can be claimed by new runs. It returns the number removed.
func (r *Registry) Release(ctx context.Context, events []api.HistoryEvent) (int, error) {
	if len(events) == 0 || !events[len(events)-1].Type.IsTerminal() {
		return 0, api.ErrRunNotTerminal
	}
	n := 0
	for _, h := range createdHooks(events) {
		rec, err := r.index.Get(ctx, h.token)
		if errors.Is(err, persistence.ErrHookNotFound) || (err == nil && rec.RunID != h.runID) {
			continue
		}
		if err != nil {
			return n, err
		}
		if err := r.index.Delete(ctx, h.token); err != nil {
			return n, fmt.Errorf("delete hook token %q: %w", h.token, err)
		}
		n++
	}
	return n, nil
}

// Rebuild re-inserts the index entries of an open run from its history.
// It returns the number of live hooks.
func (r *Registry) Rebuild(ctx context.Context, events []api.HistoryEvent) (int, error) {
	if len(events) == 0 || events[len(events)-1].Type.IsTerminal() {
		return 0, nil
	}
	live := 0
	for _, h := range createdHooks(events) {
		state := inspect(events, h.stepID, h.token)
		if state.closed {
			continue
		}
		resolved := state.singleShot && state.deliveries > 0
		err := r.claim(ctx, persistence.HookRecord{
			Token:      h.token,
			RunID:      h.runID,
			StepID:     h.stepID,
			SingleShot: state.singleShot,
			Resolved:   resolved,
			Metadata:   h.metadata,
			CreatedAt:  h.at,
		})
		var dup *api.DuplicateTokenError
		if errors.As(err, &dup) {
			r.logger.WarnContext(ctx, "hook token owned by another run",
				slog.String("run_id", h.runID),
				slog.String("token", h.token),
				slog.String("owner", dup.OwnerRunID),
			)
			continue
		}
		if err != nil {
			return live, err
		}
		if resolved {
			r.markResolved(ctx, h.token)
		}
		live++
	}
	return live, nil
}
