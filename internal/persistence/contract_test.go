package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

func startedEvent(t *testing.T, runID, workflow string) api.HistoryEvent {
	t.Helper()
	ev, err := api.NewEvent(runID, api.EventRunStarted, "", time.Now(), api.RunStartedPayload{
		Workflow: workflow,
		Input:    []byte(`{"n":1}`),
	})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	return ev
}

func plainEvent(t *testing.T, runID string, typ api.EventType, stepID string, payload any) api.HistoryEvent {
	t.Helper()
	ev, err := api.NewEvent(runID, typ, stepID, time.Now(), payload)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	return ev
}

// runHistoryStoreContract exercises the HistoryStore contract against any
// backend. newStore must return an empty store.
func runHistoryStoreContract(t *testing.T, newStore func(t *testing.T) HistoryStore) {
	ctx := context.Background()

	t.Run("append and load", func(t *testing.T) {
		s := newStore(t)
		seq, err := s.Append(ctx, "run-1", 0, startedEvent(t, "run-1", "wf"))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if seq != 1 {
			t.Fatalf("expected seq 1, got %d", seq)
		}

		seq, err = s.Append(ctx, "run-1", 1,
			plainEvent(t, "run-1", api.EventActivityScheduled, "1", api.ActivityScheduledPayload{Name: "a", IdempotencyKey: "k"}),
			plainEvent(t, "run-1", api.EventActivityCompleted, "1", api.ActivityCompletedPayload{IdempotencyKey: "k", Result: []byte(`"ok"`), Attempts: 1}),
		)
		if err != nil {
			t.Fatalf("Append batch failed: %v", err)
		}
		if seq != 3 {
			t.Fatalf("expected seq 3, got %d", seq)
		}

		events, err := s.Load(ctx, "run-1")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, ev := range events {
			if ev.Seq != int64(i+1) {
				t.Fatalf("event %d has seq %d", i, ev.Seq)
			}
			if ev.RunID != "run-1" {
				t.Fatalf("event %d has run id %q", i, ev.RunID)
			}
		}
		if events[1].Type != api.EventActivityScheduled || events[1].StepID != "1" {
			t.Fatalf("unexpected second event: %+v", events[1])
		}
		var done api.ActivityCompletedPayload
		if err := events[2].Decode(&done); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if string(done.Result) != `"ok"` || done.Attempts != 1 {
			t.Fatalf("unexpected payload: %+v", done)
		}
	})

	t.Run("stale expected seq conflicts", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Append(ctx, "run-2", 0, startedEvent(t, "run-2", "wf")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if _, err := s.Append(ctx, "run-2", 1, plainEvent(t, "run-2", api.EventTimerScheduled, "1", api.TimerScheduledPayload{TimerID: "1"})); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		_, err := s.Append(ctx, "run-2", 1, plainEvent(t, "run-2", api.EventTimerFired, "1", api.TimerFiredPayload{TimerID: "1"}))
		if !errors.Is(err, api.ErrConcurrentWrite) {
			t.Fatalf("expected ErrConcurrentWrite, got %v", err)
		}
		var cw *api.ConcurrentWriteError
		if !errors.As(err, &cw) || cw.Actual != 2 {
			t.Fatalf("expected actual seq 2, got %+v", cw)
		}
	})

	t.Run("second create conflicts", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Append(ctx, "run-3", 0, startedEvent(t, "run-3", "wf")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		_, err := s.Append(ctx, "run-3", 0, startedEvent(t, "run-3", "wf"))
		if !errors.Is(err, api.ErrConcurrentWrite) {
			t.Fatalf("expected ErrConcurrentWrite, got %v", err)
		}
	})

	t.Run("no append after terminal", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Append(ctx, "run-4", 0, startedEvent(t, "run-4", "wf")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if _, err := s.Append(ctx, "run-4", 1, plainEvent(t, "run-4", api.EventRunCompleted, "", api.RunCompletedPayload{})); err != nil {
			t.Fatalf("Append terminal failed: %v", err)
		}
		_, err := s.Append(ctx, "run-4", 2, plainEvent(t, "run-4", api.EventTimerFired, "1", api.TimerFiredPayload{TimerID: "1"}))
		if !errors.Is(err, api.ErrRunTerminated) {
			t.Fatalf("expected ErrRunTerminated, got %v", err)
		}
	})

	t.Run("first event must be RunStarted", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "run-5", 0, plainEvent(t, "run-5", api.EventTimerFired, "1", api.TimerFiredPayload{}))
		if err == nil {
			t.Fatalf("expected error for history without RunStarted")
		}
	})

	t.Run("load unknown run", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "missing")
		if !errors.Is(err, api.ErrRunNotFound) {
			t.Fatalf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("list runs", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"a", "b", "c"} {
			wf := "wf-x"
			if id == "c" {
				wf = "wf-y"
			}
			if _, err := s.Append(ctx, id, 0, startedEvent(t, id, wf)); err != nil {
				t.Fatalf("Append %s failed: %v", id, err)
			}
		}
		if _, err := s.Append(ctx, "b", 1, plainEvent(t, "b", api.EventRunFailed, "", api.RunFailedPayload{Reason: "x", Kind: api.FailureFatal})); err != nil {
			t.Fatalf("Append terminal failed: %v", err)
		}

		all, err := s.ListRuns(ctx, RunFilter{})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 runs, got %d", len(all))
		}

		open, err := s.ListRuns(ctx, RunFilter{OpenOnly: true})
		if err != nil {
			t.Fatalf("ListRuns open failed: %v", err)
		}
		if len(open) != 2 {
			t.Fatalf("expected 2 open runs, got %+v", open)
		}
		for _, r := range open {
			if r.ID == "b" {
				t.Fatalf("terminal run listed as open")
			}
		}

		byWf, err := s.ListRuns(ctx, RunFilter{Workflow: "wf-y"})
		if err != nil {
			t.Fatalf("ListRuns by workflow failed: %v", err)
		}
		if len(byWf) != 1 || byWf[0].ID != "c" || byWf[0].LastSeq != 1 {
			t.Fatalf("unexpected runs for wf-y: %+v", byWf)
		}
	})

	t.Run("racing appends have one winner", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Append(ctx, "race", 0, startedEvent(t, "race", "wf")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		var (
			wg        sync.WaitGroup
			winners   atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Append(ctx, "race", 1, plainEvent(t, "race", api.EventTimerScheduled, "1", api.TimerScheduledPayload{TimerID: "1"}))
				switch {
				case err == nil:
					winners.Add(1)
				case errors.Is(err, api.ErrConcurrentWrite):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if winners.Load() != 1 || conflicts.Load() != 7 {
			t.Fatalf("expected 1 winner and 7 conflicts, got %d/%d", winners.Load(), conflicts.Load())
		}
		events, err := s.Load(ctx, "race")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
	})
}

func runHookIndexContract(t *testing.T, newIndex func(t *testing.T) HookIndex) {
	ctx := context.Background()

	t.Run("insert get resolve delete", func(t *testing.T) {
		idx := newIndex(t)
		rec := HookRecord{
			Token:      "approval:first:42",
			RunID:      "run-1",
			StepID:     "2",
			SingleShot: true,
			Metadata:   []byte(`{"stage":"first"}`),
			CreatedAt:  time.Now().UTC(),
		}
		if err := idx.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		got, err := idx.Get(ctx, rec.Token)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.RunID != "run-1" || got.StepID != "2" || !got.SingleShot || got.Resolved {
			t.Fatalf("unexpected record: %+v", got)
		}
		if string(got.Metadata) != `{"stage":"first"}` {
			t.Fatalf("unexpected metadata: %s", got.Metadata)
		}

		if err := idx.MarkResolved(ctx, rec.Token); err != nil {
			t.Fatalf("MarkResolved failed: %v", err)
		}
		got, err = idx.Get(ctx, rec.Token)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !got.Resolved {
			t.Fatalf("expected resolved record")
		}

		if err := idx.Delete(ctx, rec.Token); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := idx.Get(ctx, rec.Token); !errors.Is(err, ErrHookNotFound) {
			t.Fatalf("expected ErrHookNotFound, got %v", err)
		}
		if err := idx.Delete(ctx, rec.Token); err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}
	})

	t.Run("duplicate token", func(t *testing.T) {
		idx := newIndex(t)
		rec := HookRecord{Token: "dup", RunID: "owner", StepID: "1", CreatedAt: time.Now().UTC()}
		if err := idx.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		rec.RunID = "intruder"
		err := idx.Insert(ctx, rec)
		if !errors.Is(err, api.ErrDuplicateToken) {
			t.Fatalf("expected ErrDuplicateToken, got %v", err)
		}
		var dup *api.DuplicateTokenError
		if !errors.As(err, &dup) || dup.OwnerRunID != "owner" {
			t.Fatalf("expected owner run in error, got %v", err)
		}
	})

	t.Run("mark unknown", func(t *testing.T) {
		idx := newIndex(t)
		if err := idx.MarkResolved(ctx, "nope"); !errors.Is(err, ErrHookNotFound) {
			t.Fatalf("expected ErrHookNotFound, got %v", err)
		}
	})
}
