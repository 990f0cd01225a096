// Package sqlstore owns the single *sql.DB shared by every other bundler
// package: the SQL store is the single source of truth (spec §5) for
// payments, data items, bundles, multipart uploads, the durable job queue,
// and the janitor/repeatable-job cursor table.
package sqlstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the shared database/sql handle. Every package's repository
// type is constructed directly over Store.DB with its own parameterized SQL,
// the way services/payments-gateway/storage.go does it, rather than through
// an ORM.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQL pool bounds per spec §5: min 1, max 5 per logical service.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)

	store := &Store{DB: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payment_records (
		payment_id TEXT PRIMARY KEY,
		tx_hash TEXT UNIQUE NOT NULL,
		network TEXT NOT NULL,
		payer_address TEXT NOT NULL,
		usdc_amount TEXT NOT NULL,
		winc_amount TEXT,
		mode TEXT NOT NULL,
		data_item_id TEXT,
		upload_id TEXT,
		declared_byte_count INTEGER,
		actual_byte_count INTEGER,
		status TEXT NOT NULL,
		paid_at TIMESTAMP NOT NULL,
		finalized_at TIMESTAMP,
		refund_winc TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_payments_network_paid_at ON payment_records(network, paid_at);`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status_paid_at ON payment_records(status, paid_at);`,
	`CREATE INDEX IF NOT EXISTS idx_payments_payer_paid_at ON payment_records(payer_address, paid_at);`,
	`CREATE INDEX IF NOT EXISTS idx_payments_upload_id ON payment_records(upload_id);`,
	`CREATE INDEX IF NOT EXISTS idx_payments_data_item_id ON payment_records(data_item_id);`,

	`CREATE TABLE IF NOT EXISTS data_items (
		data_item_id TEXT PRIMARY KEY,
		owner_address TEXT NOT NULL,
		byte_count INTEGER NOT NULL,
		payload_data_start INTEGER NOT NULL,
		payload_content_type TEXT,
		signature_type INTEGER NOT NULL,
		uploaded_at TIMESTAMP NOT NULL,
		deadline_height INTEGER,
		assessed_price_credits TEXT,
		state TEXT NOT NULL,
		plan_id TEXT,
		failed_reason TEXT,
		repack_attempts INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_data_items_state ON data_items(state);`,
	`CREATE INDEX IF NOT EXISTS idx_data_items_plan_id ON data_items(plan_id);`,
	`CREATE INDEX IF NOT EXISTS idx_data_items_uploaded_at ON data_items(uploaded_at, data_item_id);`,

	`CREATE TABLE IF NOT EXISTS bundle_plans (
		plan_id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS bundles (
		bundle_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		state TEXT NOT NULL,
		payload_byte_count INTEGER NOT NULL,
		posted_at TIMESTAMP,
		seeded_at TIMESTAMP,
		block_height INTEGER,
		permanent_at TIMESTAMP,
		failed_reason TEXT,
		repack_attempts INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_bundles_plan_id ON bundles(plan_id);`,
	`CREATE INDEX IF NOT EXISTS idx_bundles_state ON bundles(state);`,

	`CREATE TABLE IF NOT EXISTS multipart_uploads (
		upload_id TEXT PRIMARY KEY,
		upload_key TEXT NOT NULL,
		chunk_size INTEGER NOT NULL,
		deposit_payment_id TEXT NOT NULL,
		state TEXT NOT NULL,
		declared_byte_count INTEGER,
		created_at TIMESTAMP NOT NULL,
		ttl_expires_at TIMESTAMP NOT NULL,
		payer_address TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_multipart_state ON multipart_uploads(state);`,
	`CREATE INDEX IF NOT EXISTS idx_multipart_payer ON multipart_uploads(payer_address, state);`,

	`CREATE TABLE IF NOT EXISTS data_item_offsets (
		data_item_id TEXT PRIMARY KEY,
		root_bundle_id TEXT NOT NULL,
		start_offset_in_root_bundle INTEGER NOT NULL,
		raw_content_length INTEGER NOT NULL,
		payload_data_start INTEGER NOT NULL,
		payload_content_type TEXT,
		parent_data_item_id TEXT,
		start_offset_in_parent INTEGER,
		expires_at INTEGER NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS cursors (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		not_before TIMESTAMP,
		cron_pattern TEXT,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_queue_state ON jobs(queue, state, not_before);`,

	`CREATE TABLE IF NOT EXISTS job_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		queue TEXT NOT NULL,
		outcome TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		detail TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_job_history_queue_recorded ON job_history(queue, recorded_at);`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TIMESTAMP NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		request_hash TEXT,
		response_status INTEGER,
		detail TEXT
	);`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		response_status INTEGER NOT NULL,
		response_body BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`,
}
