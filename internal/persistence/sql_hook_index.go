package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

// SQLHookIndex is a HookIndex stored in a wf_hooks table. Uniqueness comes
// from the token primary key.
type SQLHookIndex struct {
	db      *sql.DB
	dialect Dialect
}

var _ HookIndex = (*SQLHookIndex)(nil)

func NewSQLiteHookIndex(db *sql.DB) (*SQLHookIndex, error) {
	return newSQLHookIndex(db, DialectSQLite)
}

func NewPostgresHookIndex(db *sql.DB) (*SQLHookIndex, error) {
	return newSQLHookIndex(db, DialectPostgres)
}

func newSQLHookIndex(db *sql.DB, dialect Dialect) (*SQLHookIndex, error) {
	idx := &SQLHookIndex{db: db, dialect: dialect}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS wf_hooks (
			token TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			single_shot INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at BIGINT NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("init hook schema: %w", err)
	}
	return idx, nil
}

func (x *SQLHookIndex) Insert(ctx context.Context, rec HookRecord) error {
	res, err := x.db.ExecContext(ctx, x.dialect.rebind(`
		INSERT INTO wf_hooks (token, run_id, step_id, single_shot, resolved, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO NOTHING`),
		rec.Token, rec.RunID, rec.StepID, boolToInt(rec.SingleShot), boolToInt(rec.Resolved),
		nullableJSON(rec.Metadata), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		owner := ""
		if existing, err := x.Get(ctx, rec.Token); err == nil {
			owner = existing.RunID
		}
		return &api.DuplicateTokenError{Token: rec.Token, OwnerRunID: owner}
	}
	return nil
}

func (x *SQLHookIndex) Get(ctx context.Context, token string) (HookRecord, error) {
	var (
		rec                  HookRecord
		singleShot, resolved int
		metadata             sql.NullString
		createdN             int64
	)
	err := x.db.QueryRowContext(ctx, x.dialect.rebind(`
		SELECT token, run_id, step_id, single_shot, resolved, metadata, created_at
		FROM wf_hooks WHERE token = ?`), token,
	).Scan(&rec.Token, &rec.RunID, &rec.StepID, &singleShot, &resolved, &metadata, &createdN)
	if errors.Is(err, sql.ErrNoRows) {
		return HookRecord{}, ErrHookNotFound
	}
	if err != nil {
		return HookRecord{}, err
	}
	rec.SingleShot = singleShot == 1
	rec.Resolved = resolved == 1
	if metadata.Valid {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	rec.CreatedAt = time.Unix(0, createdN).UTC()
	return rec, nil
}

func (x *SQLHookIndex) MarkResolved(ctx context.Context, token string) error {
	res, err := x.db.ExecContext(ctx, x.dialect.rebind(
		`UPDATE wf_hooks SET resolved = 1 WHERE token = ?`), token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrHookNotFound
	}
	return nil
}

func (x *SQLHookIndex) Delete(ctx context.Context, token string) error {
	_, err := x.db.ExecContext(ctx, x.dialect.rebind(`DELETE FROM wf_hooks WHERE token = ?`), token)
	return err
}
