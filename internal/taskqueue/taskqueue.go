package taskqueue

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Reason says why a run was put back on the queue.
type Reason string

const (
	ReasonStart    Reason = "start"
	ReasonTimer    Reason = "timer"
	ReasonHook     Reason = "hook"
	ReasonActivity Reason = "activity"
	ReasonRecovery Reason = "recovery"
	ReasonRetry    Reason = "retry"
)

// Task asks a worker to run one replay pass for RunID.
//
// Queues coalesce tasks per run: enqueueing a run that is already pending
// merges Reasons into the pending task instead of adding a second one.
type Task struct {
	RunID      string
	Reasons    []Reason
	EnqueuedAt time.Time
}

// Queue is the scheduler's work queue.
type Queue interface {
	// Enqueue adds or merges a task. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of pending runs.
	Len() int
}

// mergeReasons returns the sorted union of a and b.
func mergeReasons(a, b []Reason) []Reason {
	seen := make(map[Reason]struct{}, len(a)+len(b))
	out := make([]Reason, 0, len(a)+len(b))
	for _, list := range [][]Reason{a, b} {
		for _, r := range list {
			if r == "" {
				continue
			}
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinReasons(rs []Reason) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func splitReasons(s string) []Reason {
	var out []Reason
	for _, p := range strings.Split(s, ",") {
		if p != "" {
			out = append(out, Reason(p))
		}
	}
	return mergeReasons(out, nil)
}
