package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/pkg/api"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEngine_ResumesAfterCrashMidSleep(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemory()
	clock := clockwork.NewFakeClockAt(t0)

	fetch := &counter{name: "fetch"}
	notify := &counter{name: "notify"}

	first := newTestEngine(t, store, clock, nil)
	require.NoError(t, first.RegisterWorkflow(remindWorkflow()))
	require.NoError(t, first.RegisterActivity(fetch.def()))
	require.NoError(t, first.RegisterActivity(notify.def()))

	runID, err := first.Start(ctx, "remind", nil)
	require.NoError(t, err)

	info := settle(t, first, runID)
	require.Equal(t, api.StatusSuspended, info.Status)
	require.Equal(t, "timer:"+t0.Add(time.Hour).Format(time.RFC3339), info.WaitingOn)
	require.EqualValues(t, 1, fetch.calls.Load())

	// A fresh engine on the same store knows nothing but history.
	second := newTestEngine(t, store, clock, nil)
	require.NoError(t, second.RegisterWorkflow(remindWorkflow()))
	require.NoError(t, second.RegisterActivity(fetch.def()))
	require.NoError(t, second.RegisterActivity(notify.def()))

	open, err := second.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, open)

	info = settle(t, second, runID)
	require.Equal(t, api.StatusSuspended, info.Status)

	clock.Advance(2 * time.Hour)
	fired, err := second.Timers().FireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	info = settle(t, second, runID)
	require.Equal(t, api.StatusCompleted, info.Status)
	require.JSONEq(t, `"notify-done"`, string(info.Result))

	require.EqualValues(t, 1, fetch.calls.Load(), "fetch must run exactly once")
	require.EqualValues(t, 1, notify.calls.Load())
	require.Equal(t, []api.EventType{
		api.EventRunStarted,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
		api.EventTimerScheduled,
		api.EventTimerFired,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
		api.EventRunCompleted,
	}, eventTypes(t, second, runID))
}

func TestEngine_DualApproval(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)
	require.NoError(t, e.RegisterWorkflow(dualApprovalWorkflow()))

	runID, err := e.Start(ctx, "dual-approval", approvalInput{ID: "42"})
	require.NoError(t, err)

	info := settle(t, e, runID)
	require.Equal(t, api.StatusSuspended, info.Status)
	require.Equal(t, "hook:approval:first:42", info.WaitingOn)

	require.NoError(t, e.ResolveHook(ctx, "approval:first:42", approval{Approved: true, By: "alice"}))
	err = e.ResolveHook(ctx, "approval:first:42", approval{Approved: true, By: "mallory"})
	require.ErrorIs(t, err, api.ErrUnknownOrResolvedToken)

	info = settle(t, e, runID)
	require.Equal(t, api.StatusSuspended, info.Status)
	require.Equal(t, "hook:approval:second:42", info.WaitingOn)

	require.NoError(t, e.ResolveHook(ctx, "approval:second:42", approval{Approved: true, By: "bob"}))
	info = settle(t, e, runID)
	require.Equal(t, api.StatusCompleted, info.Status)

	var by []string
	require.NoError(t, json.Unmarshal(info.Result, &by))
	require.Equal(t, []string{"alice", "bob"}, by)
	require.Equal(t, 2, countEvents(t, e, runID, api.EventHookResolved))

	// Tokens of finished runs stay claimed; a late delivery is a no-op.
	err = e.ResolveHook(ctx, "approval:second:42", approval{Approved: true})
	require.ErrorIs(t, err, api.ErrUnknownOrResolvedToken)

	again, err := e.Start(ctx, "dual-approval", approvalInput{ID: "42"})
	require.NoError(t, err)
	info = settle(t, e, again)
	require.Equal(t, api.StatusFailed, info.Status)
	require.Contains(t, info.Error, `hook token "approval:first:42" already`)

	err = e.ResolveHook(ctx, "approval:first:42", approval{Approved: true, By: "late"})
	require.ErrorIs(t, err, api.ErrUnknownOrResolvedToken)

	// Reuse needs an explicit release of the finished run's tokens.
	released, err := e.ReleaseHooks(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 2, released)
	third, err := e.Start(ctx, "dual-approval", approvalInput{ID: "42"})
	require.NoError(t, err)
	info = settle(t, e, third)
	require.Equal(t, api.StatusSuspended, info.Status)
	require.Equal(t, "hook:approval:first:42", info.WaitingOn)
}

func TestEngine_ReleaseHooksRequiresFinishedRun(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)
	require.NoError(t, e.RegisterWorkflow(dualApprovalWorkflow()))

	runID, err := e.Start(ctx, "dual-approval", approvalInput{ID: "7"})
	require.NoError(t, err)
	settle(t, e, runID)

	_, err = e.ReleaseHooks(ctx, runID)
	require.ErrorIs(t, err, api.ErrRunNotTerminal)
	require.NoError(t, e.ResolveHook(ctx, "approval:first:7", approval{Approved: true, By: "alice"}))
}

func TestEngine_RetriesTransientActivityFailures(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)

	var calls atomic.Int32
	require.NoError(t, e.RegisterActivity(api.Activity("flaky", func(ctx context.Context, _ struct{}) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})))
	require.NoError(t, e.RegisterWorkflow(api.Define("single",
		func(struct{}) *sequenceState { return &sequenceState{} },
		func(wc api.Context, s *sequenceState) api.StepResult {
			if s.phase == 0 {
				s.phase++
				return api.CallActivity("flaky", nil, api.WithRetry(fastRetry))
			}
			var out string
			if err := wc.Result(&out); err != nil {
				return api.Fail(err)
			}
			return api.Complete(out)
		})))

	runID, err := e.Start(ctx, "single", nil)
	require.NoError(t, err)

	info := settle(t, e, runID)
	require.Equal(t, api.StatusCompleted, info.Status)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, 1, countEvents(t, e, runID, api.EventActivityCompleted))

	events, err := e.History(ctx, runID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Type == api.EventActivityCompleted {
			var p api.ActivityCompletedPayload
			require.NoError(t, ev.Decode(&p))
			require.Equal(t, 3, p.Attempts)
		}
	}
}

func TestEngine_FatalActivityFailsRunWithoutRetries(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)

	var calls atomic.Int32
	require.NoError(t, e.RegisterActivity(api.Activity("loadRecipients", func(ctx context.Context, _ struct{}) ([]string, error) {
		calls.Add(1)
		return nil, api.NewFatalError("No recipients found")
	})))
	second := &counter{name: "send"}
	require.NoError(t, e.RegisterActivity(second.def()))
	require.NoError(t, e.RegisterWorkflow(api.Define("broadcast",
		func(struct{}) *sequenceState { return &sequenceState{} },
		func(wc api.Context, s *sequenceState) api.StepResult {
			switch s.phase {
			case 0:
				s.phase++
				return api.CallActivity("loadRecipients", nil)
			case 1:
				if err := wc.Result(nil); err != nil {
					return api.Fail(err)
				}
				s.phase++
				return api.CallActivity("send", nil)
			}
			return api.Complete(nil)
		})))

	runID, err := e.Start(ctx, "broadcast", nil)
	require.NoError(t, err)

	info := settle(t, e, runID)
	require.Equal(t, api.StatusFailed, info.Status)
	require.Equal(t, api.FailureFatal, info.Failure)
	require.Contains(t, info.Error, "No recipients found")
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, second.calls.Load())
	require.Equal(t, 1, countEvents(t, e, runID, api.EventActivityFailed))
}

func TestEngine_NonDeterministicReplayFailsRun(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemory()

	first := newTestEngine(t, store, nil, nil)
	require.NoError(t, first.RegisterWorkflow(dualApprovalWorkflow()))
	runID, err := first.Start(ctx, "dual-approval", approvalInput{ID: "7"})
	require.NoError(t, err)
	settle(t, first, runID)

	// Same name, different first command.
	changed := api.Define("dual-approval",
		func(approvalInput) *sequenceState { return &sequenceState{} },
		func(wc api.Context, s *sequenceState) api.StepResult {
			if s.phase == 0 {
				s.phase++
				return api.Sleep(time.Minute)
			}
			return api.Complete(nil)
		})
	second := newTestEngine(t, store, nil, nil)
	require.NoError(t, second.RegisterWorkflow(changed))

	_, err = second.Recover(ctx)
	require.NoError(t, err)
	info := settle(t, second, runID)
	require.Equal(t, api.StatusFailed, info.Status)
	require.Equal(t, api.FailureNonDeterminism, info.Failure)
	require.Contains(t, info.Error, "WaitHook(approval:first:7)")

	err = second.ResolveHook(ctx, "approval:first:7", approval{Approved: true})
	require.ErrorIs(t, err, api.ErrUnknownOrResolvedToken)
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)
	require.NoError(t, e.RegisterWorkflow(dualApprovalWorkflow()))

	runID, err := e.Start(ctx, "dual-approval", approvalInput{ID: "9"})
	require.NoError(t, err)
	settle(t, e, runID)

	require.NoError(t, e.Cancel(ctx, runID, "requester withdrew"))

	info, err := e.GetStatus(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, info.Status)
	require.True(t, info.Cancelled)
	require.Equal(t, api.FailureCancelled, info.Failure)
	require.Equal(t, "requester withdrew", info.Error)

	err = e.ResolveHook(ctx, "approval:first:9", approval{Approved: true})
	require.ErrorIs(t, err, api.ErrUnknownOrResolvedToken)
	require.ErrorIs(t, e.Cancel(ctx, runID, ""), api.ErrRunTerminated)

	status, err := e.Advance(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, status)
}

func TestEngine_StartWithRunKeyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)
	require.NoError(t, e.RegisterWorkflow(dualApprovalWorkflow()))
	require.NoError(t, e.RegisterWorkflow(remindWorkflow()))

	id1, err := e.Start(ctx, "dual-approval", approvalInput{ID: "1"}, api.WithRunKey("request-1"))
	require.NoError(t, err)
	id2, err := e.Start(ctx, "dual-approval", approvalInput{ID: "1"}, api.WithRunKey("request-1"))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, RunIDForKey("request-1"), id1)
	require.Equal(t, 1, countEvents(t, e, id1, api.EventRunStarted))

	_, err = e.Start(ctx, "remind", nil, api.WithRunKey("request-1"))
	require.Error(t, err)

	id3, err := e.Start(ctx, "dual-approval", approvalInput{ID: "2"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestEngine_StartValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)

	def := dualApprovalWorkflow()
	def.InputSchema = `{
		"type": "object",
		"properties": {"id": {"type": "string", "minLength": 1}},
		"required": ["id"]
	}`
	require.NoError(t, e.RegisterWorkflow(def))

	_, err := e.Start(ctx, "dual-approval", map[string]any{"id": ""})
	require.ErrorIs(t, err, api.ErrInvalidInput)

	_, err = e.Start(ctx, "dual-approval", map[string]any{})
	require.ErrorIs(t, err, api.ErrInvalidInput)

	_, err = e.Start(ctx, "missing", nil)
	require.ErrorIs(t, err, api.ErrWorkflowNotFound)

	_, err = e.Start(ctx, "dual-approval", approvalInput{ID: "ok"})
	require.NoError(t, err)

	require.Error(t, e.RegisterWorkflow(def), "duplicate registration must fail")
	bad := remindWorkflow()
	bad.InputSchema = `{"type": 12}`
	require.Error(t, e.RegisterWorkflow(bad))
}

type tallyDelivery struct {
	Amount int  `json:"amount"`
	Done   bool `json:"done"`
}

type tallyState struct {
	phase int
	total int
}

func tallyWorkflow() api.WorkflowDefinition {
	const token = "tally:campaign"
	return api.Define("tally",
		func(struct{}) *tallyState { return &tallyState{} },
		func(wc api.Context, s *tallyState) api.StepResult {
			switch s.phase {
			case 0:
				s.phase++
				return api.ListenHook(token, nil)
			case 1:
				var d tallyDelivery
				if err := wc.Result(&d); err != nil {
					return api.Fail(err)
				}
				if d.Done {
					s.phase++
					return api.CloseHook(token)
				}
				s.total += d.Amount
				return api.ListenHook(token, nil)
			}
			return api.Complete(s.total)
		})
}

func TestEngine_IteratorHookDeliversEveryPayload(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)
	require.NoError(t, e.RegisterWorkflow(tallyWorkflow()))

	runID, err := e.Start(ctx, "tally", nil)
	require.NoError(t, err)
	info := settle(t, e, runID)
	require.Equal(t, "hook:tally:campaign", info.WaitingOn)

	require.NoError(t, e.ResolveHook(ctx, "tally:campaign", tallyDelivery{Amount: 10}))
	require.NoError(t, e.ResolveHook(ctx, "tally:campaign", tallyDelivery{Amount: 25}))
	info = settle(t, e, runID)
	require.Equal(t, api.StatusSuspended, info.Status)

	require.NoError(t, e.ResolveHook(ctx, "tally:campaign", tallyDelivery{Amount: 5}))
	require.NoError(t, e.ResolveHook(ctx, "tally:campaign", tallyDelivery{Done: true}))
	info = settle(t, e, runID)
	require.Equal(t, api.StatusCompleted, info.Status)
	require.JSONEq(t, `40`, string(info.Result))
	require.Equal(t, 1, countEvents(t, e, runID, api.EventHookClosed))

	err = e.ResolveHook(ctx, "tally:campaign", tallyDelivery{Amount: 1})
	require.ErrorIs(t, err, api.ErrUnknownOrResolvedToken)
}

func TestEngine_StatusIsDerivedWithoutWriting(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	e := newTestEngine(t, persistence.NewInMemory(), clock, nil)

	release := make(chan struct{})
	require.NoError(t, e.RegisterActivity(api.ActivityDefinition{
		Name: "fetch",
		Fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-release:
				return "fetched", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	notify := &counter{name: "notify"}
	require.NoError(t, e.RegisterActivity(notify.def()))
	require.NoError(t, e.RegisterWorkflow(remindWorkflow()))

	runID, err := e.Start(ctx, "remind", nil)
	require.NoError(t, err)

	info, err := e.GetStatus(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, info.Status, "no decision recorded yet")

	task, err := e.Queue().Dequeue(ctx)
	require.NoError(t, err)
	status, err := e.Advance(ctx, task.RunID)
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, status)

	before := eventTypes(t, e, runID)
	for i := 0; i < 3; i++ {
		info, err = e.GetStatus(ctx, runID)
		require.NoError(t, err)
		require.Equal(t, api.StatusSuspended, info.Status)
		require.Equal(t, "activity:fetch", info.WaitingOn)
	}
	require.Equal(t, before, eventTypes(t, e, runID))

	close(release)
	info = settle(t, e, runID)
	require.Equal(t, api.StatusSuspended, info.Status)
	require.True(t, strings.HasPrefix(info.WaitingOn, "timer:"))

	runs, err := e.ListRuns(ctx, api.RunListOptions{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, runID, runs[0].ID)
	require.Equal(t, api.StatusSuspended, runs[0].Status)

	_, err = e.GetStatus(ctx, "nope")
	require.ErrorIs(t, err, api.ErrRunNotFound)
}

func TestEngine_WorkflowPanicFailsRun(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, persistence.NewInMemory(), nil, nil)
	require.NoError(t, e.RegisterWorkflow(api.WorkflowDefinition{
		Name: "explode",
		New: func(json.RawMessage) (api.Machine, error) {
			return api.MachineFunc(func(api.Context) api.StepResult { panic("boom") }), nil
		},
	}))

	runID, err := e.Start(ctx, "explode", nil)
	require.NoError(t, err)
	info := settle(t, e, runID)
	require.Equal(t, api.StatusFailed, info.Status)
	require.Equal(t, api.FailureWorkflow, info.Failure)
	require.Contains(t, info.Error, "boom")
}

func TestEngine_ObserverSeesLifecycle(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	e := newTestEngine(t, persistence.NewInMemory(), nil, metrics)
	require.NoError(t, e.RegisterWorkflow(dualApprovalWorkflow()))

	runID, err := e.Start(ctx, "dual-approval", approvalInput{ID: "obs"})
	require.NoError(t, err)
	settle(t, e, runID)
	require.NoError(t, e.ResolveHook(ctx, "approval:first:obs", approval{Approved: false, By: "carol"}))
	info := settle(t, e, runID)
	require.Equal(t, api.StatusFailed, info.Status)
	require.Equal(t, api.FailureFatal, info.Failure)

	snap := metrics.Snapshot()
	require.EqualValues(t, 1, snap.RunsStarted)
	require.EqualValues(t, 1, snap.RunsFailed)
	require.EqualValues(t, 1, snap.HooksResolved)
	require.GreaterOrEqual(t, snap.Suspensions, int64(1))
	require.Zero(t, snap.OpenRuns)
}
