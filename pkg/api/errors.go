package api

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound            = errors.New("run not found")
	ErrWorkflowNotFound       = errors.New("workflow not registered")
	ErrActivityNotFound       = errors.New("activity not registered")
	ErrRunTerminated          = errors.New("run already terminated")
	ErrRunNotTerminal         = errors.New("run has not finished")
	ErrConcurrentWrite        = errors.New("concurrent history write")
	ErrDuplicateToken         = errors.New("duplicate hook token")
	ErrUnknownOrResolvedToken = errors.New("unknown or resolved hook token")
	ErrNonDeterminism         = errors.New("nondeterministic workflow")
	ErrInvalidInput           = errors.New("invalid workflow input")
)

// ConcurrentWriteError is returned by a history store when an append raced
// past the caller's expected sequence number. Callers reload and retry.
type ConcurrentWriteError struct {
	RunID    string
	Expected int64
	Actual   int64
}

func (e *ConcurrentWriteError) Error() string {
	return fmt.Sprintf("concurrent write on run %s: expected seq %d, found %d", e.RunID, e.Expected, e.Actual)
}

func (e *ConcurrentWriteError) Is(target error) bool { return target == ErrConcurrentWrite }

// DuplicateTokenError reports a hook token that is already registered.
type DuplicateTokenError struct {
	Token      string
	OwnerRunID string
}

func (e *DuplicateTokenError) Error() string {
	if e.OwnerRunID == "" {
		return fmt.Sprintf("hook token %q already exists", e.Token)
	}
	return fmt.Sprintf("hook token %q already owned by run %s", e.Token, e.OwnerRunID)
}

func (e *DuplicateTokenError) Is(target error) bool { return target == ErrDuplicateToken }

// UnknownOrResolvedTokenError is returned to hook callers when the token
// does not exist, was already consumed, or belongs to a finished run.
// It is a client error; retrying the same delivery will not succeed.
type UnknownOrResolvedTokenError struct {
	Token  string
	Reason string
}

func (e *UnknownOrResolvedTokenError) Error() string {
	return fmt.Sprintf("hook token %q: %s", e.Token, e.Reason)
}

func (e *UnknownOrResolvedTokenError) Is(target error) bool {
	return target == ErrUnknownOrResolvedToken
}

// NonDeterminismError describes a replay that diverged from stored history.
type NonDeterminismError struct {
	RunID    string
	Seq      int64
	Expected string
	Got      string
}

func (e *NonDeterminismError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("run %s: replay produced %s but history has %s", e.RunID, e.Got, e.Expected)
	}
	return fmt.Sprintf("run %s: replay produced %s but history event #%d is %s", e.RunID, e.Got, e.Seq, e.Expected)
}

func (e *NonDeterminismError) Is(target error) bool { return target == ErrNonDeterminism }

// FatalError marks a failure that must not be retried. Returned from an
// activity it bypasses the retry policy; returned from workflow code via
// Fail it terminates the run.
type FatalError struct {
	Msg string
	Err error
}

// NewFatalError creates a FatalError with the given message.
func NewFatalError(msg string) *FatalError { return &FatalError{Msg: msg} }

// Fatal wraps err as a FatalError. It returns nil for a nil err.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Msg: err.Error(), Err: err}
}

func (e *FatalError) Error() string { return e.Msg }

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ActivityError is what workflow code receives from Context.Result when an
// activity failed after exhausting its retry policy.
type ActivityError struct {
	Activity string
	Message  string
	Fatal    bool
	Attempts int
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempt(s): %s", e.Activity, e.Attempts, e.Message)
}

// IsActivityError reports whether err is an *ActivityError and returns it.
func IsActivityError(err error) (*ActivityError, bool) {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
