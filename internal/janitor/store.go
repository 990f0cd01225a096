package janitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PermanentItem is one permanent_data_items row the sweep inspects, per spec
// §4.11: "reads permanent_data_items in ascending (uploaded_date,
// data_item_id) order in batches of 500."
type PermanentItem struct {
	DataItemID string
	PlanID     string
	UploadedAt time.Time
}

// Store is the janitor's thin repository over the shared SQL store.
type Store struct {
	db *sql.DB
}

// NewStore builds a Store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PermanentItemsAfter returns up to limit data_items rows in state=permanent
// whose (uploaded_at, data_item_id) sorts strictly after the cursor, per
// spec §4.11's ascending cursored batch scan.
func (s *Store) PermanentItemsAfter(ctx context.Context, afterUploadedAt time.Time, afterID string, limit int) ([]PermanentItem, error) {
	const q = `SELECT data_item_id, COALESCE(plan_id, ''), uploaded_at FROM data_items
		WHERE state = 'permanent' AND (uploaded_at > ? OR (uploaded_at = ? AND data_item_id > ?))
		ORDER BY uploaded_at ASC, data_item_id ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, afterUploadedAt, afterUploadedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("janitor: scan permanent_data_items: %w", err)
	}
	defer rows.Close()

	var out []PermanentItem
	for rows.Next() {
		var item PermanentItem
		if err := rows.Scan(&item.DataItemID, &item.PlanID, &item.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
