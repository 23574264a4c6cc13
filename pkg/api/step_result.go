package api

import (
	"fmt"
	"time"
)

// StepKind tags the variant held by a StepResult.
type StepKind int

const (
	KindContinue StepKind = iota
	KindCallActivity
	KindSleep
	KindWaitHook
	KindListenHook
	KindCloseHook
	KindComplete
	KindFail
)

func (k StepKind) String() string {
	switch k {
	case KindContinue:
		return "Continue"
	case KindCallActivity:
		return "CallActivity"
	case KindSleep:
		return "Sleep"
	case KindWaitHook:
		return "WaitHook"
	case KindListenHook:
		return "ListenHook"
	case KindCloseHook:
		return "CloseHook"
	case KindComplete:
		return "Complete"
	case KindFail:
		return "Fail"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// StepResult is the command a workflow step returns. Build it with the
// constructors below; only the fields of the chosen kind are meaningful.
type StepResult struct {
	Kind StepKind

	Activity string
	Args     any
	Retry    *RetryPolicy

	Duration time.Duration

	Token    string
	Metadata any

	Result any
	Err    error
}

// Continue asks the engine to call Step again without recording anything.
// It clears the previous outcome.
func Continue() StepResult { return StepResult{Kind: KindContinue} }

// ActivityOption tunes a single activity call.
type ActivityOption func(*StepResult)

// WithRetry overrides the activity's registered retry policy for one call.
func WithRetry(p RetryPolicy) ActivityOption {
	return func(r *StepResult) { r.Retry = &p }
}

// CallActivity schedules the named activity. The run suspends until the
// activity finishes; its result is then available through Context.Result.
func CallActivity(name string, args any, opts ...ActivityOption) StepResult {
	r := StepResult{Kind: KindCallActivity, Activity: name, Args: args}
	for _, o := range opts {
		o(&r)
	}
	return r
}

// Sleep suspends the run for d. Durations <= 0 do not suspend.
func Sleep(d time.Duration) StepResult { return StepResult{Kind: KindSleep, Duration: d} }

// WaitHook registers a single-shot hook and suspends until it is resolved.
// The resolution payload is available through Context.Result.
func WaitHook(token string, metadata any) StepResult {
	return StepResult{Kind: KindWaitHook, Token: token, Metadata: metadata}
}

// ListenHook awaits the next delivery on an iterator-style hook, registering
// it on first use. The token stays registered until CloseHook.
func ListenHook(token string, metadata any) StepResult {
	return StepResult{Kind: KindListenHook, Token: token, Metadata: metadata}
}

// CloseHook stops listening on an iterator-style hook.
func CloseHook(token string) StepResult { return StepResult{Kind: KindCloseHook, Token: token} }

// Complete finishes the run with result.
func Complete(result any) StepResult { return StepResult{Kind: KindComplete, Result: result} }

// Fail terminates the run. Wrap err with Fatal or NewFatalError to mark the
// failure as fatal in history.
func Fail(err error) StepResult {
	if err == nil {
		err = fmt.Errorf("workflow failed")
	}
	return StepResult{Kind: KindFail, Err: err}
}
