package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Entry is a timer that has been scheduled in history but not fired yet.
type Entry struct {
	RunID   string
	TimerID string
	FireAt  time.Time
}

func (e Entry) key() string { return e.RunID + "|" + e.TimerID }

// DueQueue orders pending timers by fire time.
//
// A DueQueue is only a wake-up index: history is authoritative, so losing
// entries is recoverable with Service.Restore, and popping an entry twice
// is harmless because firing checks history first.
type DueQueue interface {
	// Add registers e. Adding an entry that is already pending is a no-op.
	Add(ctx context.Context, e Entry) error

	// PopDue removes and returns up to limit entries with FireAt <= now,
	// earliest first. limit <= 0 means no limit.
	PopDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	Len(ctx context.Context) (int, error)
}

// MemoryDueQueue is a min-heap of entries in process memory.
type MemoryDueQueue struct {
	mu      sync.Mutex
	entries entryHeap
	pending map[string]struct{}
}

var _ DueQueue = (*MemoryDueQueue)(nil)

func NewMemoryDueQueue() *MemoryDueQueue {
	return &MemoryDueQueue{pending: make(map[string]struct{})}
}

func (q *MemoryDueQueue) Add(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[e.key()]; ok {
		return nil
	}
	q.pending[e.key()] = struct{}{}
	heap.Push(&q.entries, e)
	return nil
}

func (q *MemoryDueQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for q.entries.Len() > 0 && !q.entries[0].FireAt.After(now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := heap.Pop(&q.entries).(Entry)
		delete(q.pending, e.key())
		out = append(out, e)
	}
	return out, nil
}

func (q *MemoryDueQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len(), nil
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].FireAt.Before(h[j].FireAt)
	}
	return h[i].key() < h[j].key()
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
