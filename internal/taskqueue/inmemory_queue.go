package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryQueue is a coalescing FIFO queue in process memory.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	order   []string
	pending map[string]*Task
	signal  chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		pending: make(map[string]*Task),
		signal:  make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.RunID == "" {
		return errors.New("enqueue: empty run id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if existing, ok := q.pending[t.RunID]; ok {
		existing.Reasons = mergeReasons(existing.Reasons, t.Reasons)
		q.mu.Unlock()
		return nil
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	t.Reasons = mergeReasons(t.Reasons, nil)
	q.pending[t.RunID] = &t
	q.order = append(q.order, t.RunID)
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			id := q.order[0]
			q.order = q.order[1:]
			t := q.pending[id]
			delete(q.pending, id)
			more := len(q.order) > 0
			q.mu.Unlock()

			// Wake another waiter if work remains; the signal channel only
			// buffers one notification.
			if more {
				q.notify()
			}
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *InMemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
