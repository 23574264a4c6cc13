package waypoint

import (
	"database/sql"

	"github.com/petrijr/waypoint/pkg/worker"
)

// WorkerBundle is a runner whose engine keeps history, hook tokens and the
// run queue in one SQLite database, so queued work survives a restart.
type WorkerBundle struct {
	*LocalRunner
}

// NewSQLiteBundle constructs a durable engine and worker sharing db.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:waypoint.db?_pragma=journal_mode(WAL)")
//	db.SetMaxOpenConns(1)
//	bundle, err := waypoint.NewSQLiteBundle(db, worker.Config{Concurrency: 2})
//	// register workflows and activities on bundle.Engine
//	_ = bundle.StartWorkers(ctx, 1)
func NewSQLiteBundle(db *sql.DB, cfg worker.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{LocalRunner: newRunner(eng, cfg)}, nil
}
