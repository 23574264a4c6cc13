package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/internal/taskqueue"
	"github.com/petrijr/waypoint/internal/testutil"
	"github.com/petrijr/waypoint/pkg/api"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type staleRecorder struct {
	api.NoopObserver
	mu    sync.Mutex
	fired []bool
}

func (r *staleRecorder) OnTimerFired(ctx context.Context, runID, timerID string, stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, stale)
}

type fixture struct {
	history persistence.HistoryStore
	queue   *taskqueue.InMemoryQueue
	clock   *clockwork.FakeClock
	obs     *staleRecorder
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		history: persistence.NewMemoryHistoryStore(),
		queue:   taskqueue.NewInMemoryQueue(),
		clock:   clockwork.NewFakeClockAt(t0),
		obs:     &staleRecorder{},
	}
	f.svc = f.service(t, NewMemoryDueQueue())
	return f
}

func (f *fixture) service(t *testing.T, due DueQueue) *Service {
	t.Helper()
	svc, err := New(Config{
		History:       f.history,
		Queue:         f.queue,
		Due:           due,
		Clock:         f.clock,
		Observer:      f.obs,
		SweepInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc
}

func (f *fixture) startRun(t *testing.T, runID string) int64 {
	t.Helper()
	ev, err := api.NewEvent(runID, api.EventRunStarted, "", f.clock.Now(), api.RunStartedPayload{Workflow: "sleepy"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	seq, err := f.history.Append(context.Background(), runID, 0, ev)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return seq
}

func countType(t *testing.T, h persistence.HistoryStore, runID string, typ api.EventType) int {
	t.Helper()
	events, err := h.Load(context.Background(), runID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestMemoryDueQueue_OrderAndDedupe(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryDueQueue()

	_ = q.Add(ctx, Entry{RunID: "b", TimerID: "1", FireAt: t0.Add(2 * time.Second)})
	_ = q.Add(ctx, Entry{RunID: "a", TimerID: "1", FireAt: t0.Add(time.Second)})
	_ = q.Add(ctx, Entry{RunID: "a", TimerID: "1", FireAt: t0.Add(time.Second)})
	_ = q.Add(ctx, Entry{RunID: "c", TimerID: "1", FireAt: t0.Add(time.Hour)})

	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("expected 3 entries after dedupe, got %d", n)
	}

	due, err := q.PopDue(ctx, t0.Add(2*time.Second), 0)
	if err != nil {
		t.Fatalf("PopDue failed: %v", err)
	}
	if len(due) != 2 || due[0].RunID != "a" || due[1].RunID != "b" {
		t.Fatalf("unexpected due entries: %+v", due)
	}

	due, _ = q.PopDue(ctx, t0.Add(2*time.Second), 0)
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %+v", due)
	}
}

func TestMemoryDueQueue_Limit(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryDueQueue()
	for _, id := range []string{"1", "2", "3"} {
		_ = q.Add(ctx, Entry{RunID: "r", TimerID: id, FireAt: t0})
	}
	due, _ := q.PopDue(ctx, t0, 2)
	if len(due) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(due))
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("expected 1 entry left, got %d", n)
	}
}

func TestService_FiresExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seq := f.startRun(t, "run-1")

	seq, err := f.svc.Schedule(ctx, "run-1", seq, "1", time.Minute)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected seq 2, got %d", seq)
	}

	if n, err := f.svc.FireDue(ctx); err != nil || n != 0 {
		t.Fatalf("expected no fire before due time, got %d, %v", n, err)
	}

	f.clock.Advance(time.Minute)
	if n, err := f.svc.FireDue(ctx); err != nil || n != 1 {
		t.Fatalf("expected one fire, got %d, %v", n, err)
	}
	if got := countType(t, f.history, "run-1", api.EventTimerFired); got != 1 {
		t.Fatalf("expected 1 TimerFired, got %d", got)
	}

	task, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if task.RunID != "run-1" || task.Reasons[0] != taskqueue.ReasonTimer {
		t.Fatalf("unexpected task: %+v", task)
	}

	// A duplicate wake-up, e.g. from a crash between append and pop.
	if err := f.svc.Arm(ctx, Entry{RunID: "run-1", TimerID: "1", FireAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if n, err := f.svc.FireDue(ctx); err != nil || n != 0 {
		t.Fatalf("expected duplicate fire to be ignored, got %d, %v", n, err)
	}
	if got := countType(t, f.history, "run-1", api.EventTimerFired); got != 1 {
		t.Fatalf("expected still 1 TimerFired, got %d", got)
	}
}

func TestService_TerminalRunIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seq := f.startRun(t, "run-2")

	seq, err := f.svc.Schedule(ctx, "run-2", seq, "1", time.Second)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	cancelled, _ := api.NewEvent("run-2", api.EventRunCancelled, "", f.clock.Now(), api.RunFailedPayload{Reason: "stop", Kind: api.FailureCancelled})
	if _, err := f.history.Append(ctx, "run-2", seq, cancelled); err != nil {
		t.Fatalf("Append cancel failed: %v", err)
	}

	f.clock.Advance(time.Second)
	if n, err := f.svc.FireDue(ctx); err != nil || n != 0 {
		t.Fatalf("expected no fire for a cancelled run, got %d, %v", n, err)
	}
	if got := countType(t, f.history, "run-2", api.EventTimerFired); got != 0 {
		t.Fatalf("expected no TimerFired, got %d", got)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("cancelled run must not be enqueued")
	}
	if len(f.obs.fired) != 1 || !f.obs.fired[0] {
		t.Fatalf("expected a stale fire notification, got %v", f.obs.fired)
	}
}

func TestService_RestoreAfterCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seq := f.startRun(t, "run-3")
	if _, err := f.svc.Schedule(ctx, "run-3", seq, "1", 24*time.Hour); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	// The due queue is lost with the process; only history survives.
	restarted := f.service(t, NewMemoryDueQueue())
	events, err := f.history.Load(ctx, "run-3")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	n, err := restarted.Restore(ctx, events)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 restored timer, got %d, %v", n, err)
	}

	f.clock.Advance(24 * time.Hour)
	if n, err := restarted.FireDue(ctx); err != nil || n != 1 {
		t.Fatalf("expected restored timer to fire, got %d, %v", n, err)
	}

	events, _ = f.history.Load(ctx, "run-3")
	if n, _ := restarted.Restore(ctx, events); n != 0 {
		t.Fatalf("fired timers must not be restored, got %d", n)
	}
}

func TestService_RunSweepsOnTick(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seq := f.startRun(t, "run-4")
	if _, err := f.svc.Schedule(ctx, "run-4", seq, "1", 500*time.Millisecond); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	done := make(chan error, 1)
	runCtx, stop := context.WithCancel(ctx)
	go func() { done <- f.svc.Run(runCtx) }()

	if err := f.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}
	f.clock.Advance(time.Second)

	task, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected a timer wake-up: %v", err)
	}
	if task.RunID != "run-4" {
		t.Fatalf("unexpected task %+v", task)
	}

	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestRedisDueQueue(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.StartRedisContainer(t)})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	q := NewRedisDueQueue(client, "waypoint:test:")
	_ = q.Add(ctx, Entry{RunID: "b", TimerID: "1", FireAt: t0.Add(2 * time.Second)})
	_ = q.Add(ctx, Entry{RunID: "a", TimerID: "2", FireAt: t0.Add(time.Second)})
	_ = q.Add(ctx, Entry{RunID: "a", TimerID: "2", FireAt: t0.Add(time.Second)})

	if n, err := q.Len(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 entries, got %d, %v", n, err)
	}

	due, err := q.PopDue(ctx, t0.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("PopDue failed: %v", err)
	}
	if len(due) != 1 || due[0].RunID != "a" || due[0].TimerID != "2" || !due[0].FireAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("unexpected due entries: %+v", due)
	}

	due, _ = q.PopDue(ctx, t0.Add(time.Minute), 0)
	if len(due) != 1 || due[0].RunID != "b" {
		t.Fatalf("unexpected due entries: %+v", due)
	}
}

type failingLoad struct {
	persistence.HistoryStore
	mu    sync.Mutex
	loads int
}

func (h *failingLoad) Load(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loads++
	return nil, errors.New("store unavailable")
}

func TestService_FailingStoreDoesNotSpin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, runID := range []string{"run-a", "run-b"} {
		seq := f.startRun(t, runID)
		if _, err := f.svc.Schedule(ctx, runID, seq, "1", time.Second); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	broken := &failingLoad{HistoryStore: f.history}
	due := f.svc.due
	svc, err := New(Config{
		History:   broken,
		Queue:     f.queue,
		Due:       due,
		Clock:     f.clock,
		Observer:  f.obs,
		BatchSize: 2,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	f.clock.Advance(time.Second)
	done := make(chan struct{})
	var n int
	go func() {
		defer close(done)
		n, err = svc.FireDue(ctx)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("FireDue did not return while the store was failing")
	}
	if err != nil || n != 0 {
		t.Fatalf("expected no fires and no error, got %d, %v", n, err)
	}
	if broken.loads != 2 {
		t.Fatalf("expected each timer to be tried once, got %d loads", broken.loads)
	}
	if pending, _ := due.Len(ctx); pending != 2 {
		t.Fatalf("expected both timers re-armed, got %d", pending)
	}

	// Once the store recovers the same timers fire.
	if n, err := f.svc.FireDue(ctx); err != nil || n != 2 {
		t.Fatalf("expected both timers to fire after recovery, got %d, %v", n, err)
	}
}
