package httpapi

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

// AuditStore records mutating requests into the audit_log table and backs
// the Idempotency-Key replay cache, following the request-hash + audit-row
// pattern services/payments-gateway applies to its invoice endpoint.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore builds an AuditStore over the shared database handle.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Record writes one audit_log row. Failures are the caller's to ignore:
// auditing never blocks a response.
func (a *AuditStore) Record(ctx context.Context, method, path, requestHash string, status int, detail string) error {
	const stmt = `INSERT INTO audit_log (occurred_at, method, path, request_hash, response_status, detail)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := a.db.ExecContext(ctx, stmt, time.Now().UTC(), method, path, requestHash, status, detail)
	return err
}

// StoredResponse is a replayed idempotent response.
type StoredResponse struct {
	Status int
	Body   []byte
}

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request hash, which is a client error rather than a replay.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")

// Lookup returns the stored response for key, if any. A hash mismatch on an
// existing key returns ErrIdempotencyMismatch.
func (a *AuditStore) Lookup(ctx context.Context, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT request_hash, response_status, response_body FROM idempotency_keys WHERE key = ?`
	var storedHash string
	var resp StoredResponse
	err := a.db.QueryRowContext(ctx, query, key).Scan(&storedHash, &resp.Status, &resp.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &resp, nil
}

// Save persists a response under key for later replay. A concurrent insert
// of the same key wins silently; the stored response is authoritative.
func (a *AuditStore) Save(ctx context.Context, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT INTO idempotency_keys (key, request_hash, response_status, response_body, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`
	_, err := a.db.ExecContext(ctx, stmt, key, requestHash, status, body, time.Now().UTC())
	return err
}

func hashRequest(method, path string, extra ...string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	for _, e := range extra {
		h.Write([]byte{0})
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil))
}
