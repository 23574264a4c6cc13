package hooks

import (
	"encoding/json"
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

type hookState struct {
	created    bool
	singleShot bool
	closed     bool
	deliveries int
}

// inspect folds the events of the hook created by stepID.
func inspect(events []api.HistoryEvent, stepID, token string) hookState {
	var s hookState
	for _, ev := range events {
		switch ev.Type {
		case api.EventHookCreated:
			if ev.StepID != stepID {
				continue
			}
			var p api.HookCreatedPayload
			if ev.Decode(&p) == nil && p.Token == token {
				s.created = true
				s.singleShot = p.SingleShot
			}
		case api.EventHookResolved:
			if s.created && ev.StepID == stepID {
				s.deliveries++
			}
		case api.EventHookClosed:
			if !s.created {
				continue
			}
			var p api.HookClosedPayload
			if ev.Decode(&p) == nil && p.Token == token {
				s.closed = true
			}
		}
	}
	return s
}

type createdHook struct {
	runID    string
	stepID   string
	token    string
	metadata json.RawMessage
	at       time.Time
}

func createdHooks(events []api.HistoryEvent) []createdHook {
	var out []createdHook
	for _, ev := range events {
		if ev.Type != api.EventHookCreated {
			continue
		}
		var p api.HookCreatedPayload
		if err := ev.Decode(&p); err != nil {
			continue
		}
		out = append(out, createdHook{
			runID:    ev.RunID,
			stepID:   ev.StepID,
			token:    p.Token,
			metadata: p.Metadata,
			at:       ev.At,
		})
	}
	return out
}
