package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether a run in status s will never progress again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Context is what workflow code sees during one replay pass.
//
// Workflow code must not read wall-clock time, randomness or any other
// non-replayable input directly. Such values belong in activities so they
// are captured in history.
type Context interface {
	RunID() string
	Workflow() string

	// Replaying is true while the current command is being matched against
	// decisions that already exist in history.
	Replaying() bool

	// Logger returns a logger that stays silent while replaying, so a line
	// is written once per decision rather than once per pass.
	Logger() *slog.Logger

	// HasResult reports whether the previous command produced an outcome
	// (activity result, hook payload, fired timer).
	HasResult() bool

	// Result decodes the previous command's outcome into v. For a failed
	// activity it returns an *ActivityError and leaves v untouched.
	// v may be nil to only check for an error.
	Result(v any) error
}

// Machine is the in-memory program state of one run. It is rebuilt from the
// run input and driven from its first step on every replay pass.
type Machine interface {
	Step(wc Context) StepResult
}

// MachineFunc adapts a function to Machine.
type MachineFunc func(wc Context) StepResult

func (f MachineFunc) Step(wc Context) StepResult { return f(wc) }

// WorkflowDefinition describes a registered workflow.
type WorkflowDefinition struct {
	Name string

	// InputSchema is an optional JSON schema that Start validates the
	// input against.
	InputSchema string

	// New builds a fresh machine for the given run input.
	New func(input json.RawMessage) (Machine, error)
}

// Validate checks that the definition can be registered.
func (d WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow definition name is required")
	}
	if d.New == nil {
		return fmt.Errorf("workflow %q has no constructor", d.Name)
	}
	return nil
}

// Define builds a WorkflowDefinition from typed input and state.
//
// init receives the decoded run input and returns the initial state; step
// advances that state and returns the next command. Both are called again
// from scratch on every replay pass, so they must be deterministic.
func Define[I any, S any](name string, init func(in I) *S, step func(wc Context, s *S) StepResult) WorkflowDefinition {
	return WorkflowDefinition{
		Name: name,
		New: func(input json.RawMessage) (Machine, error) {
			var in I
			if len(input) > 0 {
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
				}
			}
			s := init(in)
			return MachineFunc(func(wc Context) StepResult { return step(wc, s) }), nil
		},
	}
}

// RunInfo is the status view of a run, derived from its history.
type RunInfo struct {
	ID        string          `json:"id"`
	Workflow  string          `json:"workflow"`
	Status    Status          `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Failure   FailureKind     `json:"failure,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`

	// WaitingOn names the next wake condition of a suspended run, for
	// example "activity:sendApprovalNotification" or "hook:approval:first:42".
	WaitingOn string `json:"waitingOn,omitempty"`

	HistoryVersion int64         `json:"historyVersion"`
	LastEvent      *HistoryEvent `json:"lastEvent,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// RunListOptions filters ListRuns.
type RunListOptions struct {
	Workflow string
	OpenOnly bool
}

// StartOptions carries optional Start parameters.
type StartOptions struct {
	RunKey string
}

// StartOption configures a Start call.
type StartOption func(*StartOptions)

// WithRunKey makes Start idempotent: starting twice with the same key
// returns the first run's id.
func WithRunKey(key string) StartOption {
	return func(o *StartOptions) { o.RunKey = key }
}
