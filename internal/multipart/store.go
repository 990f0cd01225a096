package multipart

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Store is the multipart repository over the shared SQL store, following
// services/payments-gateway/storage.go's direct database/sql idioms.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore builds a Store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CountInFlightForPayer enforces the maxPerAddress concurrent in-flight
// upload cap per spec §4.7.
func (s *Store) CountInFlightForPayer(ctx context.Context, payerAddress string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM multipart_uploads WHERE payer_address = ? AND state = ?`,
		payerAddress, string(StateInFlight)).Scan(&n)
	return n, err
}

// CreateUpload performs spec §4.7's create-upload invariant in a single SQL
// transaction, per §9's design note: verify the deposit payment is
// pending_validation, unbound, and meets the deposit floor; bind it to a
// freshly minted uploadId; insert the in_flight row. Doing this outside a
// single transaction would let two concurrent requests both observe the
// deposit as unbound and double-bind it.
func (s *Store) CreateUpload(ctx context.Context, depositPaymentID, payerAddress string, chunkSize int64, depositFloor *string, ttl time.Duration) (*Upload, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status, usdcAmount, boundPayer string
	var existingUploadID sql.NullString
	const sel = `SELECT status, usdc_amount, payer_address, upload_id FROM payment_records WHERE payment_id = ?`
	if err := tx.QueryRowContext(ctx, sel, depositPaymentID).Scan(&status, &usdcAmount, &boundPayer, &existingUploadID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("multipart: deposit payment %s not found", depositPaymentID)
		}
		return nil, err
	}
	if status != "pending_validation" {
		return nil, conflictErr("deposit payment is not pending_validation")
	}
	if existingUploadID.Valid {
		return nil, conflictErr("deposit payment already bound to an upload")
	}
	if depositFloor != nil && compareAtomic(usdcAmount, *depositFloor) < 0 {
		return nil, conflictErr("deposit payment below required floor")
	}

	uploadID := uuid.NewString()
	now := s.now().UTC()
	ttlExpiresAt := now.Add(ttl)
	key := uploadKeyFor(uploadID)

	if _, err := tx.ExecContext(ctx, `UPDATE payment_records SET upload_id = ? WHERE payment_id = ?`, uploadID, depositPaymentID); err != nil {
		return nil, fmt.Errorf("multipart: bind deposit to upload: %w", err)
	}

	const insert = `INSERT INTO multipart_uploads
		(upload_id, upload_key, chunk_size, deposit_payment_id, state, created_at, ttl_expires_at, payer_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, uploadID, key, chunkSize, depositPaymentID, string(StateInFlight), now, ttlExpiresAt, payerAddress); err != nil {
		return nil, fmt.Errorf("multipart: insert upload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Upload{
		UploadID:         uploadID,
		UploadKey:        key,
		ChunkSize:        chunkSize,
		DepositPaymentID: depositPaymentID,
		State:            StateInFlight,
		CreatedAt:        now,
		TTLExpiresAt:     ttlExpiresAt,
		PayerAddress:     payerAddress,
	}, nil
}

// GetUpload fetches an upload by id, or ErrUploadNotFound.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	const q = `SELECT upload_id, upload_key, chunk_size, deposit_payment_id, state, declared_byte_count, created_at, ttl_expires_at, payer_address
		FROM multipart_uploads WHERE upload_id = ?`
	var u Upload
	var state string
	err := s.db.QueryRowContext(ctx, q, uploadID).Scan(&u.UploadID, &u.UploadKey, &u.ChunkSize, &u.DepositPaymentID,
		&state, &u.DeclaredByteCount, &u.CreatedAt, &u.TTLExpiresAt, &u.PayerAddress)
	if err == sql.ErrNoRows {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	u.State = State(state)
	return &u, nil
}

// MarkFinalized transitions in_flight -> finalized, recording the declared
// byte count observed at finalize time.
func (s *Store) MarkFinalized(ctx context.Context, uploadID string, declaredByteCount int64) error {
	const q = `UPDATE multipart_uploads SET state = ?, declared_byte_count = ? WHERE upload_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, q, string(StateFinalized), declaredByteCount, uploadID, string(StateInFlight))
	if err != nil {
		return err
	}
	return requireAffected(res, "upload %s not in_flight", uploadID)
}

// MarkFailed transitions in_flight -> failed (the fraud-detected path).
func (s *Store) MarkFailed(ctx context.Context, uploadID string, declaredByteCount int64) error {
	const q = `UPDATE multipart_uploads SET state = ?, declared_byte_count = ? WHERE upload_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, q, string(StateFailed), declaredByteCount, uploadID, string(StateInFlight))
	if err != nil {
		return err
	}
	return requireAffected(res, "upload %s not in_flight", uploadID)
}

func requireAffected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("multipart: "+format, args...)
	}
	return nil
}

// compareAtomic compares two base-10 atomic-unit strings numerically via
// big.Int, never float64, consistent with every other money comparison in
// this module.
func compareAtomic(a, b string) int {
	return bigIntFromString(a).Cmp(bigIntFromString(b))
}

func bigIntFromString(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}
