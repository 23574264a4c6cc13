// Package notify publishes run lifecycle events through Watermill so other
// processes (dashboards, audit trails, chat bots) can follow runs without
// polling the engine.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jonboulle/clockwork"

	"github.com/petrijr/waypoint/pkg/api"
)

// Topic is the topic lifecycle messages are published on.
const Topic = "waypoint.runs"

// EventTypeMetadataKey carries the Kind of a message.
const EventTypeMetadataKey = "event_type"

// RunIDMetadataKey carries the run id of a message.
const RunIDMetadataKey = "run_id"

type Kind string

const (
	KindRunStarted      Kind = "run.started"
	KindRunSuspended    Kind = "run.suspended"
	KindRunCompleted    Kind = "run.completed"
	KindRunFailed       Kind = "run.failed"
	KindActivityAttempt Kind = "activity.attempt"
	KindTimerFired      Kind = "timer.fired"
	KindHookResolved    Kind = "hook.resolved"
)

// Event is the JSON payload of a lifecycle message.
type Event struct {
	Kind      Kind       `json:"kind"`
	RunID     string     `json:"runId"`
	Workflow  string     `json:"workflow,omitempty"`
	Status    api.Status `json:"status,omitempty"`
	WaitingOn string     `json:"waitingOn,omitempty"`
	Error     string     `json:"error,omitempty"`
	Cancelled bool       `json:"cancelled,omitempty"`

	Activity string `json:"activity,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	TimerID  string `json:"timerId,omitempty"`
	Stale    bool   `json:"stale,omitempty"`
	Token    string `json:"token,omitempty"`
	Delivery int    `json:"delivery,omitempty"`

	At time.Time `json:"at"`
}

// Decode reads the Event carried by msg.
func Decode(msg *message.Message) (Event, error) {
	var ev Event
	err := json.Unmarshal(msg.Payload, &ev)
	return ev, err
}

// NewGoChannel returns an in-process pub/sub suitable for a single binary.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

// Observer is an api.Observer that publishes every callback as a message.
// Publish failures are logged and never affect the run.
type Observer struct {
	publisher message.Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewObserver creates an Observer publishing to pub.
func NewObserver(pub message.Publisher, clock clockwork.Clock, logger *slog.Logger) *Observer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		publisher: pub,
		clock:     clock,
		logger:    logger.With("module", "notify"),
	}
}

var _ api.Observer = (*Observer)(nil)

func (o *Observer) publish(ctx context.Context, ev Event) {
	ev.At = o.clock.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		o.logger.ErrorContext(ctx, "encode lifecycle event", slog.Any("error", err))
		return
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(EventTypeMetadataKey, string(ev.Kind))
	msg.Metadata.Set(RunIDMetadataKey, ev.RunID)
	if err := o.publisher.Publish(Topic, msg); err != nil {
		o.logger.WarnContext(ctx, "publish lifecycle event",
			slog.String("run_id", ev.RunID),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err),
		)
	}
}

func fromRun(kind Kind, run *api.RunInfo) Event {
	ev := Event{Kind: kind}
	if run != nil {
		ev.RunID = run.ID
		ev.Workflow = run.Workflow
		ev.Status = run.Status
		ev.WaitingOn = run.WaitingOn
		ev.Error = run.Error
		ev.Cancelled = run.Cancelled
	}
	return ev
}

func (o *Observer) OnRunStarted(ctx context.Context, run *api.RunInfo) {
	o.publish(ctx, fromRun(KindRunStarted, run))
}

func (o *Observer) OnRunSuspended(ctx context.Context, run *api.RunInfo) {
	o.publish(ctx, fromRun(KindRunSuspended, run))
}

func (o *Observer) OnRunCompleted(ctx context.Context, run *api.RunInfo) {
	o.publish(ctx, fromRun(KindRunCompleted, run))
}

func (o *Observer) OnRunFailed(ctx context.Context, run *api.RunInfo, err error) {
	ev := fromRun(KindRunFailed, run)
	if ev.Error == "" && err != nil {
		ev.Error = err.Error()
	}
	o.publish(ctx, ev)
}

func (o *Observer) OnActivityAttempt(ctx context.Context, runID, activity string, attempt int, err error, d time.Duration) {
	ev := Event{Kind: KindActivityAttempt, RunID: runID, Activity: activity, Attempt: attempt}
	if err != nil {
		ev.Error = err.Error()
	}
	o.publish(ctx, ev)
}

func (o *Observer) OnTimerFired(ctx context.Context, runID, timerID string, stale bool) {
	o.publish(ctx, Event{Kind: KindTimerFired, RunID: runID, TimerID: timerID, Stale: stale})
}

func (o *Observer) OnHookResolved(ctx context.Context, runID, token string, delivery int) {
	o.publish(ctx, Event{Kind: KindHookResolved, RunID: runID, Token: token, Delivery: delivery})
}
