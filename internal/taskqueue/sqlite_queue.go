package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent coalescing queue backed by SQLite.
// The run id is the primary key, so re-enqueueing a pending run merges its
// reasons. Workers poll for the oldest row and delete it in one transaction.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the queue table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS wf_run_queue (
			run_id TEXT PRIMARY KEY,
			reasons TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	if t.RunID == "" {
		return errors.New("enqueue: empty run id")
	}
	enqueuedAt := t.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wf_run_queue (run_id, reasons, enqueued_at)
		VALUES (?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET reasons = wf_run_queue.reasons || ',' || excluded.reasons`,
		t.RunID,
		joinReasons(t.Reasons),
		enqueuedAt.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		t, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		runID      string
		reasons    string
		enqueuedAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT run_id, reasons, enqueued_at
		FROM wf_run_queue
		ORDER BY enqueued_at, run_id
		LIMIT 1`).Scan(&runID, &reasons, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM wf_run_queue WHERE run_id = ?`, runID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Task{
		RunID:      runID,
		Reasons:    splitReasons(reasons),
		EnqueuedAt: time.Unix(0, enqueuedAt),
	}, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM wf_run_queue`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
