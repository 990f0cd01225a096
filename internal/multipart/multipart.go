// Package multipart implements C7: the two-stage multipart upload protocol.
// A deposit payment reserves an upload slot; chunks stream into the object
// store's native multipart; finalize reconciles declared vs. actual bytes,
// detects fraud, settles any top-up payment, and hands the assembled object
// to the bundling pipeline as a new_data_item, per spec §4.7.
package multipart

import (
	"database/sql"
	"errors"
	"math/big"
	"time"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

// State is a multipart upload's lifecycle state, per spec §3.
type State string

const (
	StateInFlight  State = "in_flight"
	StateFinalized State = "finalized"
	StateFailed    State = "failed"
)

// Upload is the multipart_uploads row.
type Upload struct {
	UploadID          string
	UploadKey         string
	ChunkSize         int64
	DepositPaymentID  string
	State             State
	DeclaredByteCount sql.NullInt64
	CreatedAt         time.Time
	TTLExpiresAt      time.Time
	PayerAddress      string
}

func uploadKeyFor(uploadID string) string { return "multipart-parts/" + uploadID }

// rawDataItemKeyInterim is the object-store key owning a multipart upload's
// finalized bytes before the eventual data item's content-addressed id is
// known. Once the assembler signs the item, its bytes are re-keyed under
// raw-data-item/{id} per spec §3's ownership note, and assembleDataItem
// deletes the interim object right after that copy is written.
func rawDataItemKeyInterim(uploadID string) string { return "raw-data-item/pending-" + uploadID }

func rawDataItemKey(dataItemID string) string { return "raw-data-item/" + dataItemID }

// ErrUploadNotFound is returned when uploadId does not reference a known
// multipart session.
var ErrUploadNotFound = errors.New("multipart: upload not found")

// FinalizeOutcome reports what finalize decided, per spec §4.7 steps c-f, so
// the HTTP layer can map it onto a status code and body.
type FinalizeOutcome struct {
	Confirmed        bool
	FraudDetected    bool
	TopUpRequiredUSD *big.Int // non-nil only when a top-up is required
	DataItemID       string
	ActualByteCount  int64
}

func conflictErr(reason string) error { return bundlererr.New(bundlererr.KindConflict, reason) }
