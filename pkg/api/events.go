package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a run history event.
type EventType string

const (
	EventRunStarted EventType = "RunStarted"

	EventActivityScheduled EventType = "ActivityScheduled"
	EventActivityCompleted EventType = "ActivityCompleted"
	EventActivityFailed    EventType = "ActivityFailed"

	EventTimerScheduled EventType = "TimerScheduled"
	EventTimerFired     EventType = "TimerFired"

	EventHookCreated  EventType = "HookCreated"
	EventHookResolved EventType = "HookResolved"
	EventHookClosed   EventType = "HookClosed"

	EventRunCompleted EventType = "RunCompleted"
	EventRunFailed    EventType = "RunFailed"
	EventRunCancelled EventType = "RunCancelled"
)

// IsTerminal reports whether no further events may follow t.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// IsDecision reports whether events of type t are produced by workflow code
// and therefore re-checked on every replay.
func (t EventType) IsDecision() bool {
	switch t {
	case EventActivityScheduled, EventTimerScheduled, EventHookCreated, EventHookClosed:
		return true
	}
	return false
}

// HistoryEvent is one entry in a run's append-only log.
//
// Seq starts at 1 and increases by one per event. StepID correlates a
// decision (ActivityScheduled, TimerScheduled, HookCreated, HookClosed) with
// the outcomes that answer it.
type HistoryEvent struct {
	RunID   string          `json:"runId"`
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	StepID  string          `json:"stepId,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e HistoryEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s #%d has no payload", e.Type, e.Seq)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewEvent builds an unsequenced event; the history store assigns Seq.
func NewEvent(runID string, typ EventType, stepID string, at time.Time, payload any) (HistoryEvent, error) {
	raw, err := Encode(payload)
	if err != nil {
		return HistoryEvent{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return HistoryEvent{
		RunID:   runID,
		Type:    typ,
		StepID:  stepID,
		At:      at.UTC(),
		Payload: raw,
	}, nil
}

type RunStartedPayload struct {
	Workflow string          `json:"workflow"`
	Input    json.RawMessage `json:"input,omitempty"`
	RunKey   string          `json:"runKey,omitempty"`
}

type ActivityScheduledPayload struct {
	Name           string          `json:"name"`
	Args           json.RawMessage `json:"args,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Retry          *RetryPolicy    `json:"retry,omitempty"`
}

type ActivityCompletedPayload struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Result         json.RawMessage `json:"result,omitempty"`
	Attempts       int             `json:"attempts"`
}

type ActivityFailedPayload struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Error          string `json:"error"`
	Fatal          bool   `json:"fatal"`
	Attempts       int    `json:"attempts"`
}

type TimerScheduledPayload struct {
	TimerID  string        `json:"timerId"`
	FireAt   time.Time     `json:"fireAt"`
	Duration time.Duration `json:"duration"`
}

type TimerFiredPayload struct {
	TimerID string `json:"timerId"`
}

type HookCreatedPayload struct {
	Token      string          `json:"token"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	SingleShot bool            `json:"singleShot"`
}

type HookResolvedPayload struct {
	Token    string          `json:"token"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Delivery int             `json:"delivery"`
}

type HookClosedPayload struct {
	Token string `json:"token"`
}

type RunCompletedPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// FailureKind classifies why a run failed.
type FailureKind string

const (
	FailureFatal          FailureKind = "fatal"
	FailureNonDeterminism FailureKind = "nondeterminism"
	FailureActivity       FailureKind = "activity"
	FailureWorkflow       FailureKind = "workflow"
	FailureCancelled      FailureKind = "cancelled"
)

type RunFailedPayload struct {
	Reason string      `json:"reason"`
	Kind   FailureKind `json:"kind"`
}
