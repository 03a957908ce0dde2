// Package history persists a capped log of everything the custodian has
// signed: which domain asked, what kind of event, the resulting id, when.
package history

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nbd-wtf/custodian"
)

// MaxEntries is how many signatures are remembered; the oldest are dropped
// as new ones arrive.
const MaxEntries = 1000

var _ custodian.History = (*Store)(nil)

type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS signing_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	domain TEXT NOT NULL,
	event_kind INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signing_history_created_at ON signing_history (created_at);
`

func NewStore(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append records one signature and enforces the cap in the same
// transaction, so the table never holds more than MaxEntries rows.
func (s *Store) Append(entry custodian.HistoryEntry) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExec(
		`INSERT INTO signing_history (domain, event_kind, event_id, created_at)
		 VALUES (:domain, :event_kind, :event_id, :created_at)`, entry); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`DELETE FROM signing_history WHERE id NOT IN
		 (SELECT id FROM signing_history ORDER BY id DESC LIMIT ?)`, MaxEntries); err != nil {
		return err
	}

	return tx.Commit()
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]custodian.HistoryEntry, error) {
	if limit <= 0 || limit > MaxEntries {
		limit = MaxEntries
	}
	entries := []custodian.HistoryEntry{}
	err := s.db.Select(&entries,
		`SELECT domain, event_kind, event_id, created_at FROM signing_history
		 ORDER BY id DESC LIMIT ?`, limit)
	return entries, err
}

// Count returns how many entries are currently stored.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT count(*) FROM signing_history`)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
