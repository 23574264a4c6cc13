package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/pkg/api"
)

var fastRetry = api.RetryPolicy{
	MaxAttempts:       3,
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        5 * time.Millisecond,
	BackoffMultiplier: 2,
}

// newTestEngine builds an engine on p with a running activity pool. clock
// may be nil for a real clock.
func newTestEngine(t *testing.T, p persistence.Persistence, clock clockwork.Clock, obs api.Observer) *Engine {
	t.Helper()
	retry := fastRetry
	e, err := New(Config{
		Persistence:  p,
		Clock:        clock,
		Observer:     obs,
		DefaultRetry: &retry,
	})
	require.NoError(t, err)
	startActivities(t, e)
	return e
}

func startActivities(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Activities().Run(ctx, 2)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// settle pumps the run queue until runID is terminal or parked on something
// other than an activity.
func settle(t *testing.T, e *Engine, runID string) *api.RunInfo {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		task, err := e.Queue().Dequeue(dctx)
		cancel()
		if err == nil {
			if _, err := e.Advance(ctx, task.RunID); err != nil {
				t.Fatalf("Advance(%s) failed: %v", task.RunID, err)
			}
			continue
		}

		info, err := e.GetStatus(ctx, runID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if info.Status.IsTerminal() {
			return info
		}
		if info.Status == api.StatusSuspended && !strings.HasPrefix(info.WaitingOn, "activity:") {
			return info
		}
	}
	t.Fatalf("run %s did not settle", runID)
	return nil
}

func eventTypes(t *testing.T, e *Engine, runID string) []api.EventType {
	t.Helper()
	events, err := e.History(context.Background(), runID)
	require.NoError(t, err)
	out := make([]api.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func countEvents(t *testing.T, e *Engine, runID string, typ api.EventType) int {
	t.Helper()
	n := 0
	for _, got := range eventTypes(t, e, runID) {
		if got == typ {
			n++
		}
	}
	return n
}

// counter is an activity that counts its invocations and returns its name.
type counter struct {
	name  string
	calls atomic.Int32
}

func (c *counter) def() api.ActivityDefinition {
	return api.ActivityDefinition{
		Name: c.name,
		Fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			c.calls.Add(1)
			return c.name + "-done", nil
		},
	}
}

type sequenceState struct{ phase int }

// remindWorkflow calls fetch, sleeps an hour, calls notify and completes with
// notify's result.
func remindWorkflow() api.WorkflowDefinition {
	return api.Define("remind",
		func(in map[string]any) *sequenceState { return &sequenceState{} },
		func(wc api.Context, s *sequenceState) api.StepResult {
			switch s.phase {
			case 0:
				s.phase++
				return api.CallActivity("fetch", nil)
			case 1:
				if err := wc.Result(nil); err != nil {
					return api.Fail(err)
				}
				s.phase++
				return api.Sleep(time.Hour)
			case 2:
				s.phase++
				return api.CallActivity("notify", nil)
			default:
				var out string
				if err := wc.Result(&out); err != nil {
					return api.Fail(err)
				}
				return api.Complete(out)
			}
		})
}

type approvalInput struct {
	ID string `json:"id"`
}

type approval struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
}

type approvalState struct {
	id    string
	phase int
	by    []string
}

// dualApprovalWorkflow waits for two single-shot approval hooks.
func dualApprovalWorkflow() api.WorkflowDefinition {
	return api.Define("dual-approval",
		func(in approvalInput) *approvalState { return &approvalState{id: in.ID} },
		func(wc api.Context, s *approvalState) api.StepResult {
			switch s.phase {
			case 0:
				s.phase++
				return api.WaitHook("approval:first:"+s.id, map[string]string{"stage": "first"})
			case 1, 2:
				var a approval
				if err := wc.Result(&a); err != nil {
					return api.Fail(err)
				}
				if !a.Approved {
					return api.Fail(api.NewFatalError("rejected by " + a.By))
				}
				s.by = append(s.by, a.By)
				s.phase++
				if s.phase == 2 {
					return api.WaitHook("approval:second:"+s.id, map[string]string{"stage": "second"})
				}
				return api.Complete(s.by)
			}
			return api.Fail(nil)
		})
}
