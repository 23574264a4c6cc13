package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

// ErrHookNotFound is returned by a HookIndex when the token is unknown.
var ErrHookNotFound = errors.New("hook token not found")

// RunRecord is the per-run metadata every history store keeps next to the
// event stream. It is derivable from the stream and only exists so runs can
// be listed without loading every history.
type RunRecord struct {
	ID        string
	Workflow  string
	RunKey    string
	LastSeq   int64
	Terminal  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunFilter selects runs in ListRuns. Zero values mean "no filter".
type RunFilter struct {
	Workflow string
	OpenOnly bool
}

func (f RunFilter) match(r RunRecord) bool {
	if f.Workflow != "" && r.Workflow != f.Workflow {
		return false
	}
	if f.OpenOnly && r.Terminal {
		return false
	}
	return true
}

// HistoryStore is the append-only, per-run event log.
type HistoryStore interface {
	// Append stores events after expectedSeq and returns the new last seq.
	// It fails with *api.ConcurrentWriteError when the run's last seq is not
	// expectedSeq, and with api.ErrRunTerminated when the run already ended.
	// expectedSeq 0 creates the run; the first event must be RunStarted.
	Append(ctx context.Context, runID string, expectedSeq int64, events ...api.HistoryEvent) (int64, error)

	// Load returns the run's events ordered by seq, or api.ErrRunNotFound.
	Load(ctx context.Context, runID string) ([]api.HistoryEvent, error)

	// ListRuns returns run records ordered by creation time.
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}

// HookRecord is one row of the hook token index.
type HookRecord struct {
	Token      string          `json:"token"`
	RunID      string          `json:"runId"`
	StepID     string          `json:"stepId"`
	SingleShot bool            `json:"singleShot"`
	Resolved   bool            `json:"resolved"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// HookIndex maps hook tokens to runs. It is a lookup index over history:
// everything in it can be rebuilt from HookCreated/HookResolved/HookClosed
// events.
type HookIndex interface {
	// Insert adds rec. An existing token fails with *api.DuplicateTokenError
	// naming the owner run.
	Insert(ctx context.Context, rec HookRecord) error
	// Get returns the record for token, or ErrHookNotFound.
	Get(ctx context.Context, token string) (HookRecord, error)
	// MarkResolved flags a single-shot token as consumed.
	MarkResolved(ctx context.Context, token string) error
	// Delete removes token. Deleting an unknown token is not an error.
	Delete(ctx context.Context, token string) error
}

// prepareAppend validates a batch and assigns sequence numbers.
func prepareAppend(runID string, expectedSeq int64, events []api.HistoryEvent) ([]api.HistoryEvent, error) {
	if runID == "" {
		return nil, errors.New("append: empty run id")
	}
	if len(events) == 0 {
		return nil, errors.New("append: no events")
	}
	if expectedSeq < 0 {
		return nil, fmt.Errorf("append: negative expected seq %d", expectedSeq)
	}

	batch := make([]api.HistoryEvent, len(events))
	for i, ev := range events {
		if ev.RunID != "" && ev.RunID != runID {
			return nil, fmt.Errorf("append: event for run %s in batch for %s", ev.RunID, runID)
		}
		if ev.Type == api.EventRunStarted && (expectedSeq != 0 || i != 0) {
			return nil, fmt.Errorf("append: RunStarted must be the first event of run %s", runID)
		}
		if ev.Type.IsTerminal() && i != len(events)-1 {
			return nil, fmt.Errorf("append: %s must be the last event of a batch", ev.Type)
		}
		ev.RunID = runID
		ev.Seq = expectedSeq + int64(i) + 1
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		batch[i] = ev
	}
	if expectedSeq == 0 && batch[0].Type != api.EventRunStarted {
		return nil, fmt.Errorf("append: run %s must start with RunStarted, got %s", runID, batch[0].Type)
	}
	return batch, nil
}

// newRunRecord builds the metadata row from a RunStarted event.
func newRunRecord(first api.HistoryEvent) (RunRecord, error) {
	var p api.RunStartedPayload
	if err := first.Decode(&p); err != nil {
		return RunRecord{}, err
	}
	return RunRecord{
		ID:        first.RunID,
		Workflow:  p.Workflow,
		RunKey:    p.RunKey,
		CreatedAt: first.At,
		UpdatedAt: first.At,
	}, nil
}

func (r *RunRecord) apply(batch []api.HistoryEvent) {
	last := batch[len(batch)-1]
	r.LastSeq = last.Seq
	r.UpdatedAt = last.At
	r.Terminal = last.Type.IsTerminal()
}

func cloneEvents(in []api.HistoryEvent) []api.HistoryEvent {
	out := make([]api.HistoryEvent, len(in))
	copy(out, in)
	return out
}
