package waypoint

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/waypoint/pkg/worker"
)

// TestInMemoryEngineWithObserverAndBasicMetrics verifies that:
//   - NewInMemoryEngineWithObserver is usable from public API
//   - BasicMetrics sees expected run and activity counts
//   - The builder and runner work end-to-end without any external infra.
func TestInMemoryEngineWithObserverAndBasicMetrics(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics := &BasicMetrics{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	observer := NewCompositeObserver(NewLoggingObserver(logger), metrics)

	runner := NewRunner(NewInMemoryEngineWithObserver(observer), worker.Config{Logger: logger})
	slow := func(ctx context.Context, in string) (string, error) {
		time.Sleep(time.Millisecond)
		return in + "!", nil
	}
	require.NoError(t, runner.Engine.RegisterActivity(Activity("first", slow)))
	require.NoError(t, runner.Engine.RegisterActivity(Activity("second", slow)))

	flow := New("inmemory-metrics-workflow").
		Activity("first", "first", nil).
		Activity("second", "second", nil)
	require.NoError(t, flow.Register(runner.Engine))

	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer func() { require.NoError(t, runner.Stop()) }()

	runID, err := Start(ctx, runner.Engine, flow.Name(), "ok")
	require.NoError(t, err)
	info, err := Await(ctx, runner.Engine, runID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, info.Status)
	require.JSONEq(t, `"ok!!"`, string(info.Result))

	snap := metrics.Snapshot()
	require.Equal(t, int64(1), snap.RunsStarted, "expected exactly 1 run started")
	require.Equal(t, int64(1), snap.RunsCompleted, "expected exactly 1 run completed")
	require.Equal(t, int64(0), snap.RunsFailed, "expected 0 run failures")
	require.Equal(t, int64(0), snap.OpenRuns, "expected 0 open runs")
	require.Equal(t, int64(2), snap.ActivityAttempts, "expected 2 activity attempts")
	require.Greater(t, snap.AvgActivityDuration, time.Duration(0), "expected AvgActivityDuration > 0")
}

func TestTopLevelWrappers_StartResolveListCancelRecover(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	type gate struct{ waited bool }
	require.NoError(t, eng.RegisterWorkflow(Define("wrap-test",
		func(string) *gate { return &gate{} },
		func(wc Context, s *gate) StepResult {
			if !s.waited {
				s.waited = true
				return WaitHook("go:"+wc.RunID(), nil)
			}
			var msg string
			if err := wc.Result(&msg); err != nil {
				return Fail(err)
			}
			return Complete(msg)
		})))

	first, err := Start(ctx, eng, "wrap-test", "a")
	require.NoError(t, err)
	second, err := Start(ctx, eng, "wrap-test", "b")
	require.NoError(t, err)
	drain(t, eng)

	open, err := ListRuns(ctx, eng, RunListOptions{Workflow: "wrap-test", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 2)

	n, err := Recover(ctx, eng)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	drain(t, eng)

	require.NoError(t, ResolveHook(ctx, eng, "go:"+first, "done"))
	require.ErrorIs(t, ResolveHook(ctx, eng, "go:"+first, "again"), ErrUnknownOrResolvedToken)
	require.NoError(t, Cancel(ctx, eng, second, "not needed"))
	drain(t, eng)

	info, err := GetStatus(ctx, eng, first)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, info.Status)
	require.JSONEq(t, `"done"`, string(info.Result))

	info, err = GetStatus(ctx, eng, second)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, info.Status)
	require.True(t, info.Cancelled)

	_, err = GetStatus(ctx, eng, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = Start(ctx, eng, "nope", nil)
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestAwait_HonoursContext(t *testing.T) {
	eng := NewInMemoryEngine()
	require.NoError(t, eng.RegisterWorkflow(Define("parked",
		func(struct{}) *struct{} { return &struct{}{} },
		func(wc Context, s *struct{}) StepResult { return WaitHook("parked", nil) })))

	runID, err := Start(context.Background(), eng, "parked", nil)
	require.NoError(t, err)
	drain(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	info, err := Await(ctx, eng, runID, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatusSuspended, info.Status)
}
