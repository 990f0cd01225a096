package admission

import (
	"context"
	"database/sql"
	"time"
)

// Store is the admission controller's thin repository over the shared SQL
// store, following services/payments-gateway/storage.go's direct
// database/sql idioms: one parameterized statement per method, no ORM.
type Store struct {
	db *sql.DB
}

// NewStore builds a Store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertDataItem writes the data_items row for a freshly admitted item in
// the `new` state. The id is content-addressed, so a retry of the same
// upload is idempotent: a PK collision is treated as success, matching
// spec §5's "a data_item_id is globally unique ... this is the idempotency
// key at the upload layer."
func (s *Store) InsertDataItem(ctx context.Context, id, ownerAddress string, byteCount, payloadDataStart int64, signatureType int, deadlineHeight int64, assessedPriceCredits string) error {
	const insert = `INSERT INTO data_items
		(data_item_id, owner_address, byte_count, payload_data_start, signature_type, uploaded_at, deadline_height, assessed_price_credits, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(data_item_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, insert, id, ownerAddress, byteCount, payloadDataStart, signatureType,
		time.Now().UTC(), nullableHeight(deadlineHeight), assessedPriceCredits, "new")
	return err
}

// MarkFailedToBundle flags a data item whose object-store write or SQL
// insert partially failed, per spec §5's compensation note: "mark the SQL
// row failed_to_bundle" when the ordering invariant between the object
// write and the row insert cannot be completed cleanly.
func (s *Store) MarkFailedToBundle(ctx context.Context, id, reason string) error {
	const q = `UPDATE data_items SET state = ?, failed_reason = ? WHERE data_item_id = ?`
	_, err := s.db.ExecContext(ctx, q, "failed", reason, id)
	return err
}

func nullableHeight(h int64) interface{} {
	if h <= 0 {
		return nil
	}
	return h
}
