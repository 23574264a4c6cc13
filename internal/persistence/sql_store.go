package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

// Dialect selects the SQL flavour of a SQLHistoryStore.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLHistoryStore is a HistoryStore on database/sql.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite") or a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib"). The caller is responsible for
// importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// wf_runs.last_seq is the compare-and-set column; wf_events has
// PRIMARY KEY(run_id, seq) as a second guard.
type SQLHistoryStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ HistoryStore = (*SQLHistoryStore)(nil)

// NewSQLiteHistoryStore initializes the schema in db and returns a store.
// For ":memory:" databases call db.SetMaxOpenConns(1) first, otherwise every
// pooled connection sees its own empty database.
func NewSQLiteHistoryStore(db *sql.DB) (*SQLHistoryStore, error) {
	return newSQLHistoryStore(db, DialectSQLite)
}

// NewPostgresHistoryStore initializes the schema in db and returns a store.
func NewPostgresHistoryStore(db *sql.DB) (*SQLHistoryStore, error) {
	return newSQLHistoryStore(db, DialectPostgres)
}

func newSQLHistoryStore(db *sql.DB, dialect Dialect) (*SQLHistoryStore, error) {
	s := &SQLHistoryStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLHistoryStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wf_runs (
			run_id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			run_key TEXT NOT NULL DEFAULT '',
			last_seq BIGINT NOT NULL,
			terminal INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wf_events (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL,
			payload TEXT,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_runs_open ON wf_runs(terminal, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

func (s *SQLHistoryStore) Append(ctx context.Context, runID string, expectedSeq int64, events ...api.HistoryEvent) (int64, error) {
	batch, err := prepareAppend(runID, expectedSeq, events)
	if err != nil {
		return 0, err
	}
	last := batch[len(batch)-1]
	terminal := boolToInt(last.Type.IsTerminal())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if expectedSeq == 0 {
		rec, err := newRunRecord(batch[0])
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO wf_runs (run_id, workflow, run_key, last_seq, terminal, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id) DO NOTHING`),
			runID, rec.Workflow, rec.RunKey, last.Seq, terminal,
			rec.CreatedAt.UnixNano(), last.At.UnixNano(),
		)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, s.conflict(ctx, tx, runID, expectedSeq)
		}
	} else {
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE wf_runs SET last_seq = ?, terminal = ?, updated_at = ?
			WHERE run_id = ? AND last_seq = ? AND terminal = 0`),
			last.Seq, terminal, last.At.UnixNano(), runID, expectedSeq,
		)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, s.conflict(ctx, tx, runID, expectedSeq)
		}
	}

	insert := s.dialect.rebind(`
		INSERT INTO wf_events (run_id, seq, type, step_id, at, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, ev := range batch {
		if _, err := tx.ExecContext(ctx, insert,
			ev.RunID, ev.Seq, string(ev.Type), ev.StepID, ev.At.UnixNano(), nullableJSON(ev.Payload),
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return last.Seq, nil
}

// conflict explains why a CAS statement matched no row.
func (s *SQLHistoryStore) conflict(ctx context.Context, tx *sql.Tx, runID string, expectedSeq int64) error {
	var (
		lastSeq  int64
		terminal int
	)
	err := tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT last_seq, terminal FROM wf_runs WHERE run_id = ?`), runID,
	).Scan(&lastSeq, &terminal)
	if errors.Is(err, sql.ErrNoRows) {
		return &api.ConcurrentWriteError{RunID: runID, Expected: expectedSeq}
	}
	if err != nil {
		return err
	}
	if lastSeq == expectedSeq && terminal == 1 {
		return api.ErrRunTerminated
	}
	return &api.ConcurrentWriteError{RunID: runID, Expected: expectedSeq, Actual: lastSeq}
}

func (s *SQLHistoryStore) Load(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT run_id, seq, type, step_id, at, payload
		FROM wf_events
		WHERE run_id = ?
		ORDER BY seq ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev      api.HistoryEvent
			typ     string
			atN     int64
			payload sql.NullString
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &typ, &ev.StepID, &atN, &payload); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.At = time.Unix(0, atN).UTC()
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, api.ErrRunNotFound
	}
	return out, nil
}

func (s *SQLHistoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	query := `SELECT run_id, workflow, run_key, last_seq, terminal, created_at, updated_at FROM wf_runs`
	var (
		where []string
		args  []any
	)
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.OpenOnly {
		where = append(where, "terminal = 0")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, run_id ASC"

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec                RunRecord
			terminal           int
			createdN, updatedN int64
		)
		if err := rows.Scan(&rec.ID, &rec.Workflow, &rec.RunKey, &rec.LastSeq, &terminal, &createdN, &updatedN); err != nil {
			return nil, err
		}
		rec.Terminal = terminal == 1
		rec.CreatedAt = time.Unix(0, createdN).UTC()
		rec.UpdatedAt = time.Unix(0, updatedN).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
