package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

// errBundleAnotherState is returned by MarkPermanent/RepackOrFail when the
// bundle has already moved past the state the caller expected, per spec
// §4.9's updateBundleAsPermanent semantics. Callers treat it as a benign
// idempotent no-op, not a failure.
var errBundleAnotherState = bundlererr.ErrBundlePlanExistsInAnotherStateWarning

// Store is the pipeline's repository over the shared SQL store, grounded on
// services/payments-gateway/storage.go's direct database/sql idioms: every
// method is one parameterized statement, no ORM.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore builds a Store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// ClaimWaitingDataItems selects up to limit new_data_item rows, oldest first,
// for the plan stage to pack into a bundle.
func (s *Store) ClaimWaitingDataItems(ctx context.Context, limit int) ([]DataItem, error) {
	const q = `SELECT data_item_id, byte_count, payload_data_start, payload_content_type, state, plan_id, uploaded_at, deadline_height, assessed_price_credits
		FROM data_items WHERE state = ? ORDER BY uploaded_at ASC, data_item_id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, string(DataItemNew), limit)
	if err != nil {
		return nil, fmt.Errorf("pipeline: claim waiting data items: %w", err)
	}
	defer rows.Close()

	var out []DataItem
	for rows.Next() {
		var d DataItem
		var state string
		if err := rows.Scan(&d.ID, &d.ByteCount, &d.PayloadDataStart, &d.PayloadContentType, &state, &d.PlanID, &d.UploadedAt, &d.DeadlineHeight, &d.AssessedPriceCredits); err != nil {
			return nil, err
		}
		d.State = DataItemState(state)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreatePlan inserts a new bundle_plans row and moves itemIDs from
// new_data_item to planned_data_item under that plan, atomically.
func (s *Store) CreatePlan(ctx context.Context, itemIDs []string) (string, error) {
	if len(itemIDs) == 0 {
		return "", fmt.Errorf("pipeline: create plan: no data items")
	}
	planID := uuid.NewString()
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO bundle_plans (plan_id, created_at) VALUES (?, ?)`, planID, now); err != nil {
		return "", fmt.Errorf("pipeline: insert bundle_plans: %w", err)
	}

	const update = `UPDATE data_items SET state = ?, plan_id = ? WHERE data_item_id = ? AND state = ?`
	for _, id := range itemIDs {
		res, err := tx.ExecContext(ctx, update, string(DataItemPlanned), planID, id, string(DataItemNew))
		if err != nil {
			return "", fmt.Errorf("pipeline: plan data item %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("pipeline: data item %s no longer new_data_item", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return planID, nil
}

// PlannedDataItems returns the data items currently assigned to planID.
func (s *Store) PlannedDataItems(ctx context.Context, planID string) ([]DataItem, error) {
	const q = `SELECT data_item_id, byte_count, payload_data_start, payload_content_type, state, plan_id, uploaded_at, deadline_height, assessed_price_credits
		FROM data_items WHERE plan_id = ? AND state = ?`
	rows, err := s.db.QueryContext(ctx, q, planID, string(DataItemPlanned))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DataItem
	for rows.Next() {
		var d DataItem
		var state string
		if err := rows.Scan(&d.ID, &d.ByteCount, &d.PayloadDataStart, &d.PayloadContentType, &state, &d.PlanID, &d.UploadedAt, &d.DeadlineHeight, &d.AssessedPriceCredits); err != nil {
			return nil, err
		}
		d.State = DataItemState(state)
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertBundle creates the new_bundle row for a prepared plan. Idempotent on
// bundleID; a re-prepared planID never reaches it, because HandlePrepare
// returns early once BundleForPlan finds a bundle for that plan.
func (s *Store) InsertBundle(ctx context.Context, bundleID, planID string, payloadByteCount int64) error {
	const q = `INSERT INTO bundles (bundle_id, plan_id, state, payload_byte_count, repack_attempts)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(bundle_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, bundleID, planID, string(BundleNew), payloadByteCount)
	return err
}

// BundleForPlan returns the most recent bundle row for planID, if any.
func (s *Store) BundleForPlan(ctx context.Context, planID string) (*Bundle, error) {
	const q = `SELECT bundle_id, plan_id, state, payload_byte_count, posted_at, seeded_at, block_height, permanent_at, failed_reason, repack_attempts
		FROM bundles WHERE plan_id = ? ORDER BY rowid DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, planID)
	return scanBundle(row)
}

// GetBundle fetches a bundle by id.
func (s *Store) GetBundle(ctx context.Context, bundleID string) (*Bundle, error) {
	const q = `SELECT bundle_id, plan_id, state, payload_byte_count, posted_at, seeded_at, block_height, permanent_at, failed_reason, repack_attempts
		FROM bundles WHERE bundle_id = ?`
	row := s.db.QueryRowContext(ctx, q, bundleID)
	b, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline: bundle %s not found", bundleID)
	}
	return b, err
}

// GetDataItem fetches a single data item by id, for the optical-post
// notifier's best-effort lookup.
func (s *Store) GetDataItem(ctx context.Context, dataItemID string) (*DataItem, error) {
	const q = `SELECT data_item_id, owner_address, byte_count, payload_data_start, payload_content_type, state, plan_id, uploaded_at, deadline_height, assessed_price_credits
		FROM data_items WHERE data_item_id = ?`
	row := s.db.QueryRowContext(ctx, q, dataItemID)
	var d DataItem
	var state string
	if err := row.Scan(&d.ID, &d.OwnerAddress, &d.ByteCount, &d.PayloadDataStart, &d.PayloadContentType, &state, &d.PlanID, &d.UploadedAt, &d.DeadlineHeight, &d.AssessedPriceCredits); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pipeline: data item %s not found", dataItemID)
		}
		return nil, err
	}
	d.State = DataItemState(state)
	return &d, nil
}

func scanBundle(row *sql.Row) (*Bundle, error) {
	var b Bundle
	var state string
	if err := row.Scan(&b.BundleID, &b.PlanID, &state, &b.PayloadByteCount, &b.PostedAt, &b.SeededAt, &b.BlockHeight, &b.PermanentAt, &b.FailedReason, &b.RepackAttempts); err != nil {
		return nil, err
	}
	b.State = BundleState(state)
	return &b, nil
}

// MarkPosted transitions a bundle from new_bundle to posted_bundle.
func (s *Store) MarkPosted(ctx context.Context, bundleID string) error {
	const q = `UPDATE bundles SET state = ?, posted_at = ? WHERE bundle_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, q, string(BundlePosted), s.now().UTC(), bundleID, string(BundleNew))
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "bundle %s not in new_bundle state", bundleID)
}

// MarkSeeded transitions a bundle from posted_bundle to seeded_bundle.
func (s *Store) MarkSeeded(ctx context.Context, bundleID string) error {
	const q = `UPDATE bundles SET state = ?, seeded_at = ? WHERE bundle_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, q, string(BundleSeeded), s.now().UTC(), bundleID, string(BundlePosted))
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "bundle %s not in posted_bundle state", bundleID)
}

// MarkPermanent transitions a seeded_bundle to permanent_bundle and moves its
// data items from planned_data_item to permanent_data_item, atomically, per
// spec §4.9's updateBundleAsPermanent. If the bundle is not in seeded_bundle
// (already moved on by a concurrent or duplicate delivery), it returns
// bundlererr.ErrBundlePlanExistsInAnotherStateWarning — a benign no-op.
func (s *Store) MarkPermanent(ctx context.Context, bundleID string, blockHeight int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	var planID string
	if err := tx.QueryRowContext(ctx, `SELECT state, plan_id FROM bundles WHERE bundle_id = ?`, bundleID).Scan(&state, &planID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("pipeline: bundle %s not found", bundleID)
		}
		return err
	}
	if BundleState(state) != BundleSeeded {
		return errBundleAnotherState
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE bundles SET state = ?, permanent_at = ?, block_height = ? WHERE bundle_id = ?`,
		string(BundlePermanent), now, blockHeight, bundleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE data_items SET state = ? WHERE plan_id = ? AND state = ?`,
		string(DataItemPermanent), planID, string(DataItemPlanned)); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkFailedTerminal fails a bundle outright without re-packing its data
// items, used by verify-bundle's "out of finality" outcome: unlike a
// post/seed transport failure, a bundle that never reaches finality is not
// retried into a fresh bundle, per spec §4.9.
func (s *Store) MarkFailedTerminal(ctx context.Context, bundleID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var planID, state string
	if err := tx.QueryRowContext(ctx, `SELECT plan_id, state FROM bundles WHERE bundle_id = ?`, bundleID).Scan(&planID, &state); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("pipeline: bundle %s not found", bundleID)
		}
		return err
	}
	if BundleState(state) != BundleSeeded {
		return errBundleAnotherState
	}

	if _, err := tx.ExecContext(ctx, `UPDATE bundles SET state = ?, failed_reason = ? WHERE bundle_id = ?`,
		string(BundleFailed), reason, bundleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE data_items SET state = ?, failed_reason = ? WHERE plan_id = ? AND state = ?`,
		string(DataItemFailed), reason, planID, string(DataItemPlanned)); err != nil {
		return err
	}
	return tx.Commit()
}

// RepackOrFail is called when post-bundle or seed-bundle has exhausted its
// queue-level retry budget for bundleID (verify-bundle's "out of finality"
// outcome uses MarkFailedTerminal instead). The re-pack budget is
// tracked on the data items themselves (data_items.repack_attempts), not on
// the bundle: each re-pack lands the items in a brand-new bundle row, so a
// bundle-level counter would reset on every re-plan and never bound
// anything. Items still under MaxRepackAttempts are returned to
// new_data_item (plan_id cleared, repack_attempts incremented) so the next
// plan-bundle tick re-packs them into a fresh bundle; once any of the
// plan's items has spent the budget, the bundle and its data items are
// marked permanently failed, per spec §4.9 and SPEC_FULL.md §13. The
// bundles.repack_attempts column records how many times this particular
// bundle row was given up on, for operators; it is not the bound.
func (s *Store) RepackOrFail(ctx context.Context, bundleID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var planID string
	var state string
	if err := tx.QueryRowContext(ctx, `SELECT plan_id, state FROM bundles WHERE bundle_id = ?`, bundleID).Scan(&planID, &state); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("pipeline: bundle %s not found", bundleID)
		}
		return err
	}
	if BundleState(state) == BundlePermanent || BundleState(state) == BundleFailed {
		return errBundleAnotherState
	}

	var itemAttempts int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(repack_attempts), 0) FROM data_items WHERE plan_id = ? AND state = ?`,
		planID, string(DataItemPlanned)).Scan(&itemAttempts); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE bundles SET state = ?, failed_reason = ?, repack_attempts = repack_attempts + 1 WHERE bundle_id = ?`,
		string(BundleFailed), reason, bundleID); err != nil {
		return err
	}

	if itemAttempts >= MaxRepackAttempts {
		if _, err := tx.ExecContext(ctx, `UPDATE data_items SET state = ?, failed_reason = ? WHERE plan_id = ? AND state = ?`,
			string(DataItemFailed), reason, planID, string(DataItemPlanned)); err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `UPDATE data_items SET state = ?, plan_id = NULL, repack_attempts = repack_attempts + 1 WHERE plan_id = ? AND state = ?`,
		string(DataItemNew), planID, string(DataItemPlanned)); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertOffset persists a data_item_offsets row. put-offsets redelivery
// re-derives the same byte ranges from the bundle payload every time, so a
// plain upsert keeps the handler idempotent without a separate dedup check.
func (s *Store) UpsertOffset(ctx context.Context, o Offset) error {
	const q = `INSERT INTO data_item_offsets
			(data_item_id, root_bundle_id, start_offset_in_root_bundle, raw_content_length, payload_data_start, payload_content_type, parent_data_item_id, start_offset_in_parent, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(data_item_id) DO UPDATE SET
			root_bundle_id = excluded.root_bundle_id,
			start_offset_in_root_bundle = excluded.start_offset_in_root_bundle,
			raw_content_length = excluded.raw_content_length,
			payload_data_start = excluded.payload_data_start,
			payload_content_type = excluded.payload_content_type,
			parent_data_item_id = excluded.parent_data_item_id,
			start_offset_in_parent = excluded.start_offset_in_parent,
			expires_at = excluded.expires_at`
	_, err := s.db.ExecContext(ctx, q, o.DataItemID, o.RootBundleID, o.StartOffsetInRootBundle, o.RawContentLength,
		o.PayloadDataStart, o.PayloadContentType, o.ParentDataItemID, o.StartOffsetInParent, o.ExpiresAt)
	return err
}

// GetOffset fetches a single data_item_offsets row, for the /tx/:id/offsets
// lookup.
func (s *Store) GetOffset(ctx context.Context, dataItemID string) (*Offset, error) {
	const q = `SELECT data_item_id, root_bundle_id, start_offset_in_root_bundle, raw_content_length, payload_data_start, payload_content_type, parent_data_item_id, start_offset_in_parent, expires_at
		FROM data_item_offsets WHERE data_item_id = ?`
	var o Offset
	row := s.db.QueryRowContext(ctx, q, dataItemID)
	if err := row.Scan(&o.DataItemID, &o.RootBundleID, &o.StartOffsetInRootBundle, &o.RawContentLength,
		&o.PayloadDataStart, &o.PayloadContentType, &o.ParentDataItemID, &o.StartOffsetInParent, &o.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pipeline: offsets for %s not found", dataItemID)
		}
		return nil, err
	}
	return &o, nil
}

func requireRowsAffected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pipeline: "+format, args...)
	}
	return nil
}
