package persistence

import (
	"database/sql"
	"errors"
)

// Persistence bundles the history log and the hook token index so the
// engine can depend on a single abstraction.
type Persistence struct {
	History HistoryStore
	Hooks   HookIndex
}

func (p Persistence) Validate() error {
	if p.History == nil {
		return errors.New("persistence: history store is required")
	}
	if p.Hooks == nil {
		return errors.New("persistence: hook index is required")
	}
	return nil
}

// NewInMemory returns a volatile Persistence.
func NewInMemory() Persistence {
	return Persistence{
		History: NewMemoryHistoryStore(),
		Hooks:   NewMemoryHookIndex(),
	}
}

// NewSQLite initializes history and hook tables in db.
func NewSQLite(db *sql.DB) (Persistence, error) {
	return newSQL(db, DialectSQLite)
}

// NewPostgres initializes history and hook tables in db.
func NewPostgres(db *sql.DB) (Persistence, error) {
	return newSQL(db, DialectPostgres)
}

func newSQL(db *sql.DB, dialect Dialect) (Persistence, error) {
	history, err := newSQLHistoryStore(db, dialect)
	if err != nil {
		return Persistence{}, err
	}
	hooks, err := newSQLHookIndex(db, dialect)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{History: history, Hooks: hooks}, nil
}
