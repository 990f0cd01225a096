// Package pipeline implements C9: the bundle state machine that advances a
// data item through plan -> prepare -> post -> seed -> verify -> permanent
// (or failed), per spec §4.9. Each stage is an idempotent internal/queue
// consumer; the SQL transitions are the invariant enforcement the spec
// requires (§4.9, §5).
package pipeline

import (
	"database/sql"
	"time"
)

// DataItemState is one of the four states a data item may occupy, per spec
// §4.9's invariant: "A data item appears in exactly one of {new, planned,
// permanent, failed} at any time."
type DataItemState string

const (
	DataItemNew       DataItemState = "new"
	DataItemPlanned   DataItemState = "planned"
	DataItemPermanent DataItemState = "permanent"
	DataItemFailed    DataItemState = "failed"
)

// BundleState is the bundle's own lifecycle, per spec §3/§4.9.
type BundleState string

const (
	BundleNew       BundleState = "new"
	BundlePosted    BundleState = "posted"
	BundleSeeded    BundleState = "seeded"
	BundlePermanent BundleState = "permanent"
	BundleFailed    BundleState = "failed"
)

// MaxRepackAttempts bounds how many times a data item may be re-packed
// back into new_data_item before it is marked permanently failed, per
// SPEC_FULL.md §13 open-question decision 1 (matches C8's default
// 3-attempt retry budget). The counter lives on the data item
// (data_items.repack_attempts) and survives re-planning, since every
// re-pack lands the items in a fresh bundle row.
const MaxRepackAttempts = 3

// OffsetDefaultRetention backstops a DataItemOffset's expiresAt when no
// deployment-specific object-store retention window is wired in, matching
// the janitor's 90-day ObjectStoreCutoff default (spec §4.11) so an offset
// row's advertised lifetime lines up with when the janitor actually deletes
// the underlying object.
const OffsetDefaultRetention = 90 * 24 * time.Hour

// DataItem is the subset of the data_items row the pipeline operates on.
type DataItem struct {
	ID                   string
	OwnerAddress         string
	ByteCount            int64
	PayloadDataStart     int64
	PayloadContentType   sql.NullString
	State                DataItemState
	PlanID               sql.NullString
	UploadedAt           time.Time
	DeadlineHeight       sql.NullInt64
	AssessedPriceCredits sql.NullString
}

// Offset is a data_item_offsets row: the byte-range metadata a client needs
// to independently carve its item out of the root bundle, per spec §3's
// DataItemOffset entity.
type Offset struct {
	DataItemID              string
	RootBundleID            string
	StartOffsetInRootBundle int64
	RawContentLength        int64
	PayloadDataStart        int64
	PayloadContentType      sql.NullString
	ParentDataItemID        sql.NullString
	StartOffsetInParent     sql.NullInt64
	ExpiresAt               int64
}

// Bundle is the bundles table row.
type Bundle struct {
	BundleID         string
	PlanID           string
	State            BundleState
	PayloadByteCount int64
	PostedAt         sql.NullTime
	SeededAt         sql.NullTime
	BlockHeight      sql.NullInt64
	PermanentAt      sql.NullTime
	FailedReason     sql.NullString
	RepackAttempts   int
}

// Job payloads exchanged over internal/queue. Each stage only needs the
// plan or bundle id; everything else is re-read from SQL, so handlers stay
// idempotent under at-least-once delivery.
type (
	PrepareJob struct {
		PlanID string `json:"planId"`
	}
	PostJob struct {
		BundleID string `json:"bundleId"`
	}
	SeedJob struct {
		BundleID string `json:"bundleId"`
	}
	VerifyJob struct {
		BundleID string `json:"bundleId"`
	}
	PutOffsetsJob struct {
		BundleID string   `json:"bundleId"`
		PlanID   string   `json:"planId"`
		ItemIDs  []string `json:"itemIds"`
	}
	OpticalPostJob struct {
		DataItemID string `json:"dataItemId"`
	}
)
