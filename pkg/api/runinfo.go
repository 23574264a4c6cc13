package api

import (
	"fmt"
	"time"
)

// Summarize folds a run's history into a RunInfo.
//
// For open runs the status is a history-only estimate: RUNNING when the last
// event is an outcome the workflow has not acted on yet, SUSPENDED when it
// is a decision. The engine refines it with a dry replay.
func Summarize(events []HistoryEvent) (*RunInfo, error) {
	if len(events) == 0 {
		return nil, ErrRunNotFound
	}
	first := events[0]
	if first.Type != EventRunStarted {
		return nil, fmt.Errorf("run %s: history starts with %s", first.RunID, first.Type)
	}
	var started RunStartedPayload
	if err := first.Decode(&started); err != nil {
		return nil, err
	}

	last := events[len(events)-1]
	info := &RunInfo{
		ID:             first.RunID,
		Workflow:       started.Workflow,
		Input:          started.Input,
		Status:         StatusRunning,
		HistoryVersion: last.Seq,
		CreatedAt:      first.At,
		UpdatedAt:      last.At,
	}
	lastCopy := last
	info.LastEvent = &lastCopy

	switch last.Type {
	case EventRunCompleted:
		var p RunCompletedPayload
		if err := last.Decode(&p); err == nil {
			info.Result = p.Result
		}
		info.Status = StatusCompleted
		return info, nil
	case EventRunFailed, EventRunCancelled:
		var p RunFailedPayload
		if err := last.Decode(&p); err != nil {
			return nil, err
		}
		info.Status = StatusFailed
		info.Error = p.Reason
		info.Failure = p.Kind
		info.Cancelled = last.Type == EventRunCancelled
		return info, nil
	}

	if last.Type.IsDecision() && last.Type != EventHookClosed {
		info.Status = StatusSuspended
		info.WaitingOn = DescribeWait(last)
	}
	return info, nil
}

// DescribeWait renders the wake condition a decision event stands for.
func DescribeWait(ev HistoryEvent) string {
	switch ev.Type {
	case EventActivityScheduled:
		var p ActivityScheduledPayload
		if ev.Decode(&p) == nil {
			return "activity:" + p.Name
		}
	case EventTimerScheduled:
		var p TimerScheduledPayload
		if ev.Decode(&p) == nil {
			return "timer:" + p.FireAt.UTC().Format(time.RFC3339)
		}
	case EventHookCreated:
		var p HookCreatedPayload
		if ev.Decode(&p) == nil {
			return "hook:" + p.Token
		}
	}
	return string(ev.Type)
}
