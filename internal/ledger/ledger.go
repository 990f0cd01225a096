// Package ledger implements C4: the idempotent payment ledger.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

// Mode enumerates the kind of payment a record represents.
type Mode string

const (
	ModePayg   Mode = "payg"
	ModeTopup  Mode = "topup"
	ModeHybrid Mode = "hybrid"
)

// Status enumerates a payment's lifecycle state.
type Status string

const (
	StatusPendingValidation Status = "pending_validation"
	StatusConfirmed         Status = "confirmed"
	StatusRefunded          Status = "refunded"
	StatusFraudPenalty      Status = "fraud_penalty"
)

// Record is a single PaymentRecord row per spec §3.
type Record struct {
	PaymentID         string
	TxHash            string
	Network           string
	PayerAddress      string
	UsdcAmount        string
	WincAmount        string
	Mode              Mode
	DataItemID        sql.NullString
	UploadID          sql.NullString
	DeclaredByteCount sql.NullInt64
	ActualByteCount   sql.NullInt64
	Status            Status
	PaidAt            time.Time
	FinalizedAt       sql.NullTime
	RefundWinc        sql.NullString
}

// Ledger persists PaymentRecord rows over the shared SQL store.
type Ledger struct {
	db *sql.DB
}

// New builds a Ledger over the shared database handle.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// FinalizeInput carries the fields for a monotonic status transition.
type FinalizeInput struct {
	PaymentID       string
	ActualByteCount int64
	Status          Status
	RefundWinc      string
}

// Insert writes a new record in pending_validation. A txHash collision is
// treated as success (idempotent) and returns the id of the existing row,
// per spec §4.4 and testable property 1 (payment idempotency).
func (l *Ledger) Insert(ctx context.Context, rec Record) (string, error) {
	const insert = `INSERT INTO payment_records
		(payment_id, tx_hash, network, payer_address, usdc_amount, winc_amount, mode,
		 data_item_id, upload_id, declared_byte_count, actual_byte_count, status, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, insert,
		rec.PaymentID, rec.TxHash, rec.Network, rec.PayerAddress, rec.UsdcAmount, rec.WincAmount, string(rec.Mode),
		rec.DataItemID, rec.UploadID, rec.DeclaredByteCount, rec.ActualByteCount, string(StatusPendingValidation), rec.PaidAt,
	)
	if err == nil {
		return rec.PaymentID, nil
	}
	if isUniqueConstraint(err) {
		existing, getErr := l.GetByTxHash(ctx, rec.TxHash)
		if getErr != nil {
			return "", getErr
		}
		if existing == nil {
			return "", fmt.Errorf("ledger: tx_hash collision but row not found: %w", err)
		}
		return existing.PaymentID, nil
	}
	return "", err
}

// LinkToDataItem binds a pending payment to a data item id. It refuses if
// the payment is already bound to a different target.
func (l *Ledger) LinkToDataItem(ctx context.Context, paymentID, dataItemID string) error {
	return l.link(ctx, paymentID, "data_item_id", dataItemID)
}

// LinkToUploadID binds a pending payment to a multipart upload id.
func (l *Ledger) LinkToUploadID(ctx context.Context, paymentID, uploadID string) error {
	return l.link(ctx, paymentID, "upload_id", uploadID)
}

func (l *Ledger) link(ctx context.Context, paymentID, column, target string) error {
	rec, err := l.GetByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("ledger: payment %s not found", paymentID)
	}
	var current sql.NullString
	if column == "data_item_id" {
		current = rec.DataItemID
	} else {
		current = rec.UploadID
	}
	if current.Valid && current.String != target {
		return bundlererr.New(bundlererr.KindConflict, "payment already linked to a different target")
	}

	stmt := fmt.Sprintf(`UPDATE payment_records SET %s = ? WHERE payment_id = ?`, column)
	_, err = l.db.ExecContext(ctx, stmt, target, paymentID)
	return err
}

// GetByDataItemID returns every payment linked to a data item id.
func (l *Ledger) GetByDataItemID(ctx context.Context, dataItemID string) ([]Record, error) {
	return l.query(ctx, `WHERE data_item_id = ?`, dataItemID)
}

// GetByUploadID returns every payment linked to a multipart upload id.
func (l *Ledger) GetByUploadID(ctx context.Context, uploadID string) ([]Record, error) {
	return l.query(ctx, `WHERE upload_id = ?`, uploadID)
}

// GetByTxHash returns the payment with the given txHash, or nil.
func (l *Ledger) GetByTxHash(ctx context.Context, txHash string) (*Record, error) {
	rows, err := l.query(ctx, `WHERE tx_hash = ?`, txHash)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// GetByID returns the payment with the given id, or nil.
func (l *Ledger) GetByID(ctx context.Context, paymentID string) (*Record, error) {
	rows, err := l.query(ctx, `WHERE payment_id = ?`, paymentID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// Finalize applies a monotonic transition out of pending_validation.
// Further updates to an already-finalized row are rejected.
func (l *Ledger) Finalize(ctx context.Context, in FinalizeInput) error {
	switch in.Status {
	case StatusConfirmed, StatusRefunded, StatusFraudPenalty:
	default:
		return fmt.Errorf("ledger: invalid finalize status %q", in.Status)
	}

	rec, err := l.GetByID(ctx, in.PaymentID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("ledger: payment %s not found", in.PaymentID)
	}
	if rec.Status != StatusPendingValidation {
		return bundlererr.New(bundlererr.KindConflict, "payment already finalized")
	}

	const stmt = `UPDATE payment_records
		SET status = ?, actual_byte_count = ?, finalized_at = ?, refund_winc = ?
		WHERE payment_id = ? AND status = ?`
	var refundWinc sql.NullString
	if in.RefundWinc != "" {
		refundWinc = sql.NullString{String: in.RefundWinc, Valid: true}
	}
	res, err := l.db.ExecContext(ctx, stmt, string(in.Status), in.ActualByteCount, time.Now().UTC(), refundWinc, in.PaymentID, string(StatusPendingValidation))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return bundlererr.New(bundlererr.KindConflict, "payment already finalized")
	}
	return nil
}

func (l *Ledger) query(ctx context.Context, where string, args ...interface{}) ([]Record, error) {
	query := `SELECT payment_id, tx_hash, network, payer_address, usdc_amount, winc_amount, mode,
		data_item_id, upload_id, declared_byte_count, actual_byte_count, status, paid_at, finalized_at, refund_winc
		FROM payment_records ` + where
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var mode, status string
		if err := rows.Scan(&rec.PaymentID, &rec.TxHash, &rec.Network, &rec.PayerAddress, &rec.UsdcAmount, &rec.WincAmount,
			&mode, &rec.DataItemID, &rec.UploadID, &rec.DeclaredByteCount, &rec.ActualByteCount, &status, &rec.PaidAt,
			&rec.FinalizedAt, &rec.RefundWinc); err != nil {
			return nil, err
		}
		rec.Mode = Mode(mode)
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if unwrapped := errors.Unwrap(err); unwrapped != nil {
		msg = unwrapped.Error()
	}
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
