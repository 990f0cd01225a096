package janitor

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/cursorstore"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/sqlstore"
)

func rawKey(item PermanentItem) string     { return "raw-data-item/" + item.DataItemID }
func archiveKey(item PermanentItem) string { return "bundle-payload/" + item.PlanID }

func insertPermanentItem(t *testing.T, db *sqlstore.Store, id, planID string, uploadedAt time.Time) {
	t.Helper()
	_, err := db.DB.Exec(`INSERT INTO data_items
		(data_item_id, owner_address, byte_count, payload_data_start, signature_type, uploaded_at, state, plan_id)
		VALUES (?, ?, 100, 10, 3, ?, 'permanent', ?)`, id, "0xowner", uploadedAt, planID)
	require.NoError(t, err)
}

func putObject(t *testing.T, store objectstore.Store, key string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), key, bytes.NewReader([]byte("payload"))))
}

func objectExists(t *testing.T, store objectstore.Store, key string) bool {
	t.Helper()
	r, err := store.Get(context.Background(), key)
	if err != nil {
		return false
	}
	_ = r.Close()
	return true
}

func TestJanitorSweepsBothTiersPastTheirCutoffs(t *testing.T) {
	db, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fsStore, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	archive, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	ancient := PermanentItem{DataItemID: "item-ancient", PlanID: "plan-a", UploadedAt: now.Add(-100 * 24 * time.Hour)}
	aging := PermanentItem{DataItemID: "item-aging", PlanID: "plan-b", UploadedAt: now.Add(-10 * 24 * time.Hour)}
	fresh := PermanentItem{DataItemID: "item-fresh", PlanID: "plan-c", UploadedAt: now.Add(-24 * time.Hour)}
	for _, item := range []PermanentItem{ancient, aging, fresh} {
		insertPermanentItem(t, db, item.DataItemID, item.PlanID, item.UploadedAt)
		putObject(t, fsStore, rawKey(item))
		putObject(t, archive, archiveKey(item))
	}

	cursors := cursorstore.New(db.DB)
	j := New(NewStore(db.DB), cursors, fsStore, archive, rawKey, archiveKey, Config{
		FilesystemCutoff:  7 * 24 * time.Hour,
		ObjectStoreCutoff: 90 * 24 * time.Hour,
	}, slog.Default())

	require.NoError(t, j.Run(context.Background(), nil))

	// Past both cutoffs: gone from both tiers.
	require.False(t, objectExists(t, fsStore, rawKey(ancient)))
	require.False(t, objectExists(t, archive, archiveKey(ancient)))
	// Past only the filesystem cutoff: local copy reclaimed, archive kept.
	require.False(t, objectExists(t, fsStore, rawKey(aging)))
	require.True(t, objectExists(t, archive, archiveKey(aging)))
	// Too young for either tier.
	require.True(t, objectExists(t, fsStore, rawKey(fresh)))
	require.True(t, objectExists(t, archive, archiveKey(fresh)))

	var pos struct {
		DataItemID string `json:"dataItemId"`
	}
	ok, err := cursors.Get(context.Background(), "fs-cleanup-last-deleted-cursor", &pos)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, aging.DataItemID, pos.DataItemID)
}

func TestJanitorMissingObjectsAreSuccess(t *testing.T) {
	db, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fsStore, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	archive, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	// Rows exist but no backing objects were ever written; ENOENT is
	// success, so the sweep completes and advances the cursor.
	insertPermanentItem(t, db, "item-gone", "plan-gone", time.Now().UTC().Add(-200*24*time.Hour))

	cursors := cursorstore.New(db.DB)
	j := New(NewStore(db.DB), cursors, fsStore, archive, rawKey, archiveKey, Config{
		FilesystemCutoff:  7 * 24 * time.Hour,
		ObjectStoreCutoff: 90 * 24 * time.Hour,
	}, slog.Default())

	require.NoError(t, j.Run(context.Background(), nil))

	var pos struct {
		DataItemID string `json:"dataItemId"`
	}
	ok, err := cursors.Get(context.Background(), "fs-cleanup-last-deleted-cursor", &pos)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "item-gone", pos.DataItemID)

	// A second run past the cursor is a clean no-op.
	require.NoError(t, j.Run(context.Background(), nil))
}
