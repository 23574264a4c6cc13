package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/waypoint/internal/activity"
	"github.com/petrijr/waypoint/internal/timer"
	"github.com/petrijr/waypoint/pkg/api"
)

// maxContinues bounds consecutive Continue results within one pass.
const maxContinues = 10000

var idempotencyNamespace = uuid.MustParse("6f1c5a2e-8d4b-5e7f-9a01-3c2b4d5e6f70")

// IdempotencyKey derives the key of the activity scheduled by stepID.
func IdempotencyKey(runID, stepID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(runID+"/"+stepID)).String()
}

// replay drives a workflow machine from the start of its history.
//
// Commands are matched in order against the stored decisions. When they run
// out the pass is live: new decisions are appended with the CAS sequence
// and handed to the timer service, hook registry or activity executor.
// A dry replay never writes and is used to compute status.
type replay struct {
	e        *Engine
	runID    string
	workflow string
	input    []byte
	lastSeq  int64
	events   []api.HistoryEvent
	dry      bool

	decisions  []api.HistoryEvent
	next       int
	outcomes   map[string]api.HistoryEvent
	deliveries map[string][]api.HistoryEvent

	steps     int
	listeners map[string]*listener
	wc        *runContext

	waitingOn string
}

type listener struct {
	stepID string
	cursor int
}

// passResult ends a pass.
type passResult struct {
	status api.Status
	err    error
}

func newReplay(e *Engine, events []api.HistoryEvent, started api.RunStartedPayload, dry bool) *replay {
	r := &replay{
		e:          e,
		runID:      events[0].RunID,
		workflow:   started.Workflow,
		input:      started.Input,
		lastSeq:    events[len(events)-1].Seq,
		events:     events,
		dry:        dry,
		outcomes:   make(map[string]api.HistoryEvent),
		deliveries: make(map[string][]api.HistoryEvent),
		listeners:  make(map[string]*listener),
	}
	for _, ev := range events {
		switch {
		case ev.Type.IsDecision():
			r.decisions = append(r.decisions, ev)
		case ev.Type == api.EventActivityCompleted, ev.Type == api.EventActivityFailed, ev.Type == api.EventTimerFired:
			if _, seen := r.outcomes[ev.StepID]; !seen {
				r.outcomes[ev.StepID] = ev
			}
		case ev.Type == api.EventHookResolved:
			r.deliveries[ev.StepID] = append(r.deliveries[ev.StepID], ev)
		}
	}
	r.wc = newRunContext(r, e.logger)
	return r
}

func (r *replay) run(ctx context.Context, def api.WorkflowDefinition) (api.Status, error) {
	machine, err := def.New(r.input)
	if err != nil {
		return r.fail(ctx, api.FailureWorkflow, fmt.Errorf("build workflow state: %w", err))
	}

	continues := 0
	for {
		res, err := r.step(machine)
		if err != nil {
			return r.fail(ctx, api.FailureWorkflow, err)
		}

		if res.Kind == api.KindContinue {
			continues++
			if continues > maxContinues {
				return r.fail(ctx, api.FailureWorkflow, fmt.Errorf("workflow returned Continue %d times in a row", maxContinues))
			}
			r.wc.clear()
			continue
		}
		continues = 0

		var done *passResult
		switch res.Kind {
		case api.KindCallActivity:
			done = r.callActivity(ctx, res)
		case api.KindSleep:
			done = r.sleep(ctx, res)
		case api.KindWaitHook:
			done = r.waitHook(ctx, res)
		case api.KindListenHook:
			done = r.listenHook(ctx, res)
		case api.KindCloseHook:
			done = r.closeHook(ctx, res)
		case api.KindComplete:
			done = r.complete(ctx, res)
		case api.KindFail:
			done = r.failed(ctx, res.Err)
		default:
			done = r.done(r.fail(ctx, api.FailureWorkflow, fmt.Errorf("unknown step result kind %s", res.Kind)))
		}
		if done != nil {
			return done.status, done.err
		}
	}
}

// step calls the machine once, turning a panic into an error.
func (r *replay) step(m api.Machine) (res api.StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panicked: %v", p)
		}
	}()
	return m.Step(r.wc), nil
}

func (r *replay) done(status api.Status, err error) *passResult {
	return &passResult{status: status, err: err}
}

func (r *replay) nextStepID() string {
	r.steps++
	return strconv.Itoa(r.steps)
}

// match consumes the next stored decision if there is one. It returns nil
// when history has no more decisions and the command is new.
func (r *replay) match(typ api.EventType, stepID, got string, same func(api.HistoryEvent) bool) (*api.HistoryEvent, error) {
	if r.next >= len(r.decisions) {
		return nil, nil
	}
	ev := r.decisions[r.next]
	if ev.Type != typ || ev.StepID != stepID || !same(ev) {
		return nil, &api.NonDeterminismError{
			RunID:    r.runID,
			Seq:      ev.Seq,
			Expected: describeDecision(ev),
			Got:      got + " at step " + stepID,
		}
	}
	r.next++
	return &ev, nil
}

func describeDecision(ev api.HistoryEvent) string {
	switch ev.Type {
	case api.EventActivityScheduled:
		var p api.ActivityScheduledPayload
		_ = ev.Decode(&p)
		return fmt.Sprintf("CallActivity(%s) at step %s", p.Name, ev.StepID)
	case api.EventTimerScheduled:
		return "Sleep at step " + ev.StepID
	case api.EventHookCreated:
		var p api.HookCreatedPayload
		_ = ev.Decode(&p)
		if p.SingleShot {
			return fmt.Sprintf("WaitHook(%s) at step %s", p.Token, ev.StepID)
		}
		return fmt.Sprintf("ListenHook(%s) at step %s", p.Token, ev.StepID)
	case api.EventHookClosed:
		var p api.HookClosedPayload
		_ = ev.Decode(&p)
		return fmt.Sprintf("CloseHook(%s) at step %s", p.Token, ev.StepID)
	}
	return fmt.Sprintf("%s at step %s", ev.Type, ev.StepID)
}

func (r *replay) nondeterministic(ctx context.Context, err error) *passResult {
	return r.done(r.fail(ctx, api.FailureNonDeterminism, err))
}

// appended records the outcome of a live write. Conflicts end the pass so
// Advance can reload and retry.
func (r *replay) appended(seq int64, err error) *passResult {
	if err != nil {
		return r.done("", err)
	}
	r.lastSeq = seq
	return nil
}

func (r *replay) callActivity(ctx context.Context, res api.StepResult) *passResult {
	stepID := r.nextStepID()
	waiting := "activity:" + res.Activity

	dec, err := r.match(api.EventActivityScheduled, stepID, "CallActivity("+res.Activity+")", func(ev api.HistoryEvent) bool {
		var p api.ActivityScheduledPayload
		return ev.Decode(&p) == nil && p.Name == res.Activity
	})
	if err != nil {
		return r.nondeterministic(ctx, err)
	}

	if dec == nil {
		if r.dry {
			return r.done(api.StatusRunning, nil)
		}
		args, err := api.Encode(res.Args)
		if err != nil {
			return r.done(r.fail(ctx, api.FailureWorkflow, fmt.Errorf("encode %s args: %w", res.Activity, err)))
		}
		req := activity.Request{
			RunID:          r.runID,
			StepID:         stepID,
			Activity:       res.Activity,
			Args:           args,
			IdempotencyKey: IdempotencyKey(r.runID, stepID),
			Retry:          res.Retry,
		}
		ev, err := api.NewEvent(r.runID, api.EventActivityScheduled, stepID, r.e.clock.Now(), api.ActivityScheduledPayload{
			Name:           req.Activity,
			Args:           req.Args,
			IdempotencyKey: req.IdempotencyKey,
			Retry:          req.Retry,
		})
		if err != nil {
			return r.done("", err)
		}
		if done := r.appended(r.e.history.Append(ctx, r.runID, r.lastSeq, ev)); done != nil {
			return done
		}
		r.dispatch(ctx, req)
		return r.suspend(ctx, waiting)
	}

	outcome, ok := r.outcomes[stepID]
	if !ok {
		if !r.dry {
			req, err := activity.RequestFromEvent(*dec)
			if err != nil {
				return r.done("", err)
			}
			r.dispatch(ctx, req)
		}
		return r.suspend(ctx, waiting)
	}

	switch outcome.Type {
	case api.EventActivityCompleted:
		var p api.ActivityCompletedPayload
		if err := outcome.Decode(&p); err != nil {
			return r.done("", err)
		}
		r.wc.set(p.Result, nil)
	case api.EventActivityFailed:
		var p api.ActivityFailedPayload
		if err := outcome.Decode(&p); err != nil {
			return r.done("", err)
		}
		failure := &api.ActivityError{Activity: res.Activity, Message: p.Error, Fatal: p.Fatal, Attempts: p.Attempts}
		if p.Fatal {
			return r.done(r.fail(ctx, api.FailureFatal, failure))
		}
		r.wc.set(nil, failure)
	default:
		return r.nondeterministic(ctx, &api.NonDeterminismError{
			RunID:    r.runID,
			Seq:      outcome.Seq,
			Expected: string(outcome.Type),
			Got:      "activity outcome at step " + stepID,
		})
	}
	return nil
}

func (r *replay) dispatch(ctx context.Context, req activity.Request) {
	if _, err := r.e.activities.Dispatch(ctx, req); err != nil {
		// History holds the decision; the next pass dispatches again.
		r.e.logger.WarnContext(ctx, "dispatch activity failed",
			slog.String("run_id", r.runID),
			slog.String("activity", req.Activity),
			slog.Any("error", err),
		)
	}
}

func (r *replay) sleep(ctx context.Context, res api.StepResult) *passResult {
	if res.Duration <= 0 {
		r.wc.clear()
		return nil
	}
	stepID := r.nextStepID()

	dec, err := r.match(api.EventTimerScheduled, stepID, "Sleep", func(api.HistoryEvent) bool { return true })
	if err != nil {
		return r.nondeterministic(ctx, err)
	}

	if dec == nil {
		if r.dry {
			return r.done(api.StatusRunning, nil)
		}
		fireAt := r.e.clock.Now().Add(res.Duration).UTC()
		if done := r.appended(r.e.timers.Schedule(ctx, r.runID, r.lastSeq, stepID, res.Duration)); done != nil {
			return done
		}
		return r.suspend(ctx, "timer:"+fireAt.Format(time.RFC3339))
	}

	if _, fired := r.outcomes[stepID]; fired {
		r.wc.set(nil, nil)
		return nil
	}

	var p api.TimerScheduledPayload
	if err := dec.Decode(&p); err != nil {
		return r.done("", err)
	}
	if !r.dry {
		if err := r.e.timers.Arm(ctx, timer.Entry{RunID: r.runID, TimerID: stepID, FireAt: p.FireAt}); err != nil {
			return r.done("", fmt.Errorf("arm timer: %w", err))
		}
	}
	return r.suspend(ctx, api.DescribeWait(*dec))
}

func (r *replay) waitHook(ctx context.Context, res api.StepResult) *passResult {
	stepID := r.nextStepID()
	dec, err := r.match(api.EventHookCreated, stepID, "WaitHook("+res.Token+")", func(ev api.HistoryEvent) bool {
		var p api.HookCreatedPayload
		return ev.Decode(&p) == nil && p.Token == res.Token && p.SingleShot
	})
	if err != nil {
		return r.nondeterministic(ctx, err)
	}
	if dec == nil {
		return r.createHook(ctx, stepID, res, true)
	}

	deliveries := r.deliveries[stepID]
	if len(deliveries) == 0 {
		return r.suspend(ctx, "hook:"+res.Token)
	}
	return r.deliver(deliveries[0])
}

func (r *replay) listenHook(ctx context.Context, res api.StepResult) *passResult {
	if l, ok := r.listeners[res.Token]; ok {
		return r.consume(ctx, res.Token, l)
	}

	stepID := r.nextStepID()
	dec, err := r.match(api.EventHookCreated, stepID, "ListenHook("+res.Token+")", func(ev api.HistoryEvent) bool {
		var p api.HookCreatedPayload
		return ev.Decode(&p) == nil && p.Token == res.Token && !p.SingleShot
	})
	if err != nil {
		return r.nondeterministic(ctx, err)
	}
	l := &listener{stepID: stepID}
	r.listeners[res.Token] = l
	if dec == nil {
		return r.createHook(ctx, stepID, res, false)
	}
	return r.consume(ctx, res.Token, l)
}

func (r *replay) consume(ctx context.Context, token string, l *listener) *passResult {
	deliveries := r.deliveries[l.stepID]
	if l.cursor >= len(deliveries) {
		return r.suspend(ctx, "hook:"+token)
	}
	ev := deliveries[l.cursor]
	l.cursor++
	return r.deliver(ev)
}

func (r *replay) deliver(ev api.HistoryEvent) *passResult {
	var p api.HookResolvedPayload
	if err := ev.Decode(&p); err != nil {
		return r.done("", err)
	}
	r.wc.set(p.Payload, nil)
	return nil
}

func (r *replay) createHook(ctx context.Context, stepID string, res api.StepResult, singleShot bool) *passResult {
	if r.dry {
		return r.done(api.StatusRunning, nil)
	}
	seq, err := r.e.hooks.Create(ctx, r.runID, r.lastSeq, stepID, res.Token, res.Metadata, singleShot)
	if errors.Is(err, api.ErrDuplicateToken) {
		return r.done(r.fail(ctx, api.FailureWorkflow, err))
	}
	if done := r.appended(seq, err); done != nil {
		return done
	}
	return r.suspend(ctx, "hook:"+res.Token)
}

func (r *replay) closeHook(ctx context.Context, res api.StepResult) *passResult {
	if _, ok := r.listeners[res.Token]; !ok {
		return r.done(r.fail(ctx, api.FailureWorkflow, fmt.Errorf("CloseHook(%s) without a matching ListenHook", res.Token)))
	}
	stepID := r.nextStepID()
	dec, err := r.match(api.EventHookClosed, stepID, "CloseHook("+res.Token+")", func(ev api.HistoryEvent) bool {
		var p api.HookClosedPayload
		return ev.Decode(&p) == nil && p.Token == res.Token
	})
	if err != nil {
		return r.nondeterministic(ctx, err)
	}
	if dec == nil {
		if r.dry {
			return r.done(api.StatusRunning, nil)
		}
		if done := r.appended(r.e.hooks.Close(ctx, r.runID, r.lastSeq, stepID, res.Token)); done != nil {
			return done
		}
	}
	delete(r.listeners, res.Token)
	r.wc.clear()
	return nil
}

func (r *replay) complete(ctx context.Context, res api.StepResult) *passResult {
	if r.next < len(r.decisions) {
		ev := r.decisions[r.next]
		return r.nondeterministic(ctx, &api.NonDeterminismError{
			RunID:    r.runID,
			Seq:      ev.Seq,
			Expected: describeDecision(ev),
			Got:      "Complete",
		})
	}
	if r.dry {
		return r.done(api.StatusRunning, nil)
	}
	raw, err := api.Encode(res.Result)
	if err != nil {
		return r.done(r.fail(ctx, api.FailureWorkflow, fmt.Errorf("encode result: %w", err)))
	}
	ev, err := api.NewEvent(r.runID, api.EventRunCompleted, "", r.e.clock.Now(), api.RunCompletedPayload{Result: raw})
	if err != nil {
		return r.done("", err)
	}
	if done := r.appended(r.e.history.Append(ctx, r.runID, r.lastSeq, ev)); done != nil {
		return done
	}
	ev.Seq = r.lastSeq
	r.e.finished(ctx, r.runID, append(r.events, ev), nil)
	return r.done(api.StatusCompleted, nil)
}

// failed handles a Fail command.
func (r *replay) failed(ctx context.Context, err error) *passResult {
	kind := api.FailureWorkflow
	if api.IsFatal(err) {
		kind = api.FailureFatal
	} else if _, ok := api.IsActivityError(err); ok {
		kind = api.FailureActivity
	}
	return r.done(r.fail(ctx, kind, err))
}

// fail appends RunFailed. A dry replay reports the run as still running
// since the failure is not recorded yet.
func (r *replay) fail(ctx context.Context, kind api.FailureKind, cause error) (api.Status, error) {
	if r.dry {
		return api.StatusRunning, nil
	}
	ev, err := api.NewEvent(r.runID, api.EventRunFailed, "", r.e.clock.Now(), api.RunFailedPayload{
		Reason: cause.Error(),
		Kind:   kind,
	})
	if err != nil {
		return "", err
	}
	seq, err := r.e.history.Append(ctx, r.runID, r.lastSeq, ev)
	if err != nil {
		return "", err
	}
	r.lastSeq = seq
	ev.Seq = seq
	r.e.finished(ctx, r.runID, append(r.events, ev), cause)
	return api.StatusFailed, nil
}

func (r *replay) suspend(ctx context.Context, waitingOn string) *passResult {
	r.waitingOn = waitingOn
	if !r.dry {
		r.e.observer.OnRunSuspended(ctx, &api.RunInfo{
			ID:             r.runID,
			Workflow:       r.workflow,
			Status:         api.StatusSuspended,
			WaitingOn:      waitingOn,
			HistoryVersion: r.lastSeq,
			UpdatedAt:      r.e.clock.Now().UTC(),
		})
	}
	return r.done(api.StatusSuspended, nil)
}
