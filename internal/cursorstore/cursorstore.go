// Package cursorstore implements C12: a tiny key/value table used by the
// retention janitor's delete cursor and by the job queue's repeatable-job
// anchors. One row per key; writes are upserts.
package cursorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Store persists arbitrary JSON values under a string key.
type Store struct {
	db *sql.DB
}

// New builds a Store over the shared database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get decodes the value stored under key into out. It reports (false, nil)
// if the key has never been set.
func (s *Store) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	const query = `SELECT value FROM cursors WHERE key = ?`
	var raw string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

// GetString is a convenience wrapper for cursors whose value is a bare string.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	var val string
	ok, err := s.Get(ctx, key, &val)
	return val, ok, err
}

// Set upserts the JSON-encoded value under key.
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO cursors(key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, stmt, key, string(raw), time.Now().UTC())
	return err
}

// SetString is a convenience wrapper for cursors whose value is a bare string.
func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.Set(ctx, key, value)
}
