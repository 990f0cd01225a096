package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/queue"
	"github.com/ar-io/x402-bundler/internal/sqlstore"
)

type fakeChain struct {
	broadcastErr error
	finalHeight  int64
	final        bool
	finalityErr  error
}

func (f *fakeChain) Broadcast(ctx context.Context, bundleID string, payload []byte) error {
	return f.broadcastErr
}

func (f *fakeChain) Finality(ctx context.Context, bundleID string) (int64, bool, error) {
	return f.finalHeight, f.final, f.finalityErr
}

type fakeSeeder struct {
	err error
}

func (f *fakeSeeder) Seed(ctx context.Context, bundleID string, payload []byte) error { return f.err }

type fakeAssembler struct {
	n int
}

// Assemble mints a fresh bundle id per call: re-planning the same items
// must yield a new bundle row, as a re-signed container would in production.
func (f *fakeAssembler) Assemble(ctx context.Context, items []DataItem) (string, []byte, error) {
	f.n++
	id := "bundle-" + items[0].ID + "-" + strconv.Itoa(f.n)
	return id, []byte("bundled-payload"), nil
}

func newTestStages(t *testing.T, chain ChainClient, seeder ChunkSeeder) (*Stages, *Store, *queue.Queue, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objDir := t.TempDir()
	objects, err := objectstore.NewFSStore(objDir)
	require.NoError(t, err)

	q := queue.New(store.DB)
	pstore := NewStore(store.DB)
	stages := New(pstore, objects, q, chain, seeder, &fakeAssembler{}, OpticalPostConfig{})
	return stages, pstore, q, store
}

func insertNewDataItem(t *testing.T, db *sqlstore.Store, id string, byteCount int64) {
	t.Helper()
	_, err := db.DB.Exec(`INSERT INTO data_items (data_item_id, owner_address, byte_count, payload_data_start, signature_type, uploaded_at, state)
		VALUES (?, ?, ?, 0, 3, ?, ?)`, id, "0xabc", byteCount, time.Now().UTC(), string(DataItemNew))
	require.NoError(t, err)
}

func TestPipeline_PlanPrepare_AssignsAndAdvances(t *testing.T) {
	stages, pstore, q, db := newTestStages(t, &fakeChain{}, &fakeSeeder{})
	ctx := context.Background()

	insertNewDataItem(t, db, "item-1", 1024)
	insertNewDataItem(t, db, "item-2", 2048)

	planJob, ok, err := q.Claim(ctx, queue.PlanBundle)
	require.NoError(t, err)
	require.False(t, ok, "no plan-bundle job queued yet")

	require.NoError(t, stages.HandlePlan(ctx, &queue.Job{}))

	job, ok, err := q.Claim(ctx, queue.PrepareBundle)
	require.NoError(t, err)
	require.True(t, ok)
	_ = planJob

	require.NoError(t, stages.HandlePrepare(ctx, job))

	var planID string
	require.NoError(t, db.DB.QueryRow(`SELECT plan_id FROM data_items WHERE data_item_id = ?`, "item-1").Scan(&planID))
	require.NotEmpty(t, planID)

	bundle, err := pstore.BundleForPlan(ctx, planID)
	require.NoError(t, err)
	require.Equal(t, BundleNew, bundle.State)

	r, err := objectReaderFor(t, stages, planID)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "bundled-payload", string(body))
}

func objectReaderFor(t *testing.T, s *Stages, planID string) (io.ReadCloser, error) {
	t.Helper()
	return s.objects.Get(context.Background(), bundlePayloadKey(planID))
}

func TestPipeline_FullHappyPath_ReachesPermanent(t *testing.T) {
	chain := &fakeChain{finalHeight: 100, final: true}
	stages, pstore, q, db := newTestStages(t, chain, &fakeSeeder{})
	ctx := context.Background()

	insertNewDataItem(t, db, "item-1", 512)
	require.NoError(t, stages.HandlePlan(ctx, &queue.Job{}))

	prepareJob, ok, err := q.Claim(ctx, queue.PrepareBundle)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stages.HandlePrepare(ctx, prepareJob))

	postJob, ok, err := q.Claim(ctx, queue.PostBundle)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stages.HandlePost(ctx, postJob))

	seedJob, ok, err := q.Claim(ctx, queue.SeedBundle)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stages.HandleSeed(ctx, seedJob))

	// verify-bundle is enqueued with a 5-minute delay; not claimable yet.
	_, ok, err = q.Claim(ctx, queue.VerifyBundle)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = db.DB.Exec(`UPDATE jobs SET not_before = ? WHERE queue = ?`, time.Now().UTC().Add(-time.Second), queue.VerifyBundle)
	require.NoError(t, err)

	verifyJob, ok, err := q.Claim(ctx, queue.VerifyBundle)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stages.HandleVerify(ctx, verifyJob))

	var state string
	require.NoError(t, db.DB.QueryRow(`SELECT state FROM data_items WHERE data_item_id = ?`, "item-1").Scan(&state))
	require.Equal(t, string(DataItemPermanent), state)

	var planID string
	require.NoError(t, db.DB.QueryRow(`SELECT plan_id FROM data_items WHERE data_item_id = ?`, "item-1").Scan(&planID))
	bundle, err := pstore.BundleForPlan(ctx, planID)
	require.NoError(t, err)
	require.Equal(t, BundlePermanent, bundle.State)
	require.True(t, bundle.BlockHeight.Valid)
	require.EqualValues(t, 100, bundle.BlockHeight.Int64)
}

func TestPipeline_PostFailure_RepacksAfterExhaustingAttempts(t *testing.T) {
	chain := &fakeChain{broadcastErr: errors.New("rpc down")}
	stages, pstore, q, db := newTestStages(t, chain, &fakeSeeder{})
	ctx := context.Background()

	insertNewDataItem(t, db, "item-1", 256)
	require.NoError(t, stages.HandlePlan(ctx, &queue.Job{}))

	prepareJob, ok, err := q.Claim(ctx, queue.PrepareBundle)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stages.HandlePrepare(ctx, prepareJob))

	var bundleID string
	require.NoError(t, db.DB.QueryRow(`SELECT bundle_id FROM bundles LIMIT 1`).Scan(&bundleID))

	// Simulate the queue having exhausted post-bundle's retry budget: a job
	// on its final attempt whose handler invocation still fails.
	job := &queue.Job{ID: "post-1", Queue: queue.PostBundle, Attempts: 3, MaxAttempts: 3}
	job.Payload = mustJSON(t, PostJob{BundleID: bundleID})

	require.NoError(t, stages.HandlePost(ctx, job))

	bundle, err := pstore.GetBundle(ctx, bundleID)
	require.NoError(t, err)
	require.Equal(t, BundleFailed, bundle.State)

	var state string
	var itemAttempts int
	require.NoError(t, db.DB.QueryRow(`SELECT state, repack_attempts FROM data_items WHERE data_item_id = ?`, "item-1").Scan(&state, &itemAttempts))
	require.Equal(t, string(DataItemNew), state, "repacked item should return to new_data_item for replanning")
	require.Equal(t, 1, itemAttempts, "re-pack budget is spent on the item, not the bundle")
}

func TestPipeline_RepackBound_FollowsItemsAcrossReplans(t *testing.T) {
	chain := &fakeChain{broadcastErr: errors.New("rpc down")}
	stages, _, q, db := newTestStages(t, chain, &fakeSeeder{})
	ctx := context.Background()

	insertNewDataItem(t, db, "item-1", 256)

	// Each cycle re-plans the item into a brand-new bundle whose own
	// repack_attempts starts at zero; the item-level counter is what must
	// eventually stop the loop.
	planOnceAndFailPost := func() {
		require.NoError(t, stages.HandlePlan(ctx, &queue.Job{}))
		prepareJob, ok, err := q.Claim(ctx, queue.PrepareBundle)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, stages.HandlePrepare(ctx, prepareJob))

		var bundleID string
		require.NoError(t, db.DB.QueryRow(
			`SELECT bundle_id FROM bundles WHERE state = ?`, string(BundleNew)).Scan(&bundleID))
		job := &queue.Job{ID: "post-" + bundleID, Queue: queue.PostBundle, Attempts: 3, MaxAttempts: 3}
		job.Payload = mustJSON(t, PostJob{BundleID: bundleID})
		require.NoError(t, stages.HandlePost(ctx, job))
	}

	for i := 0; i < MaxRepackAttempts; i++ {
		planOnceAndFailPost()
		var state string
		var itemAttempts int
		require.NoError(t, db.DB.QueryRow(`SELECT state, repack_attempts FROM data_items WHERE data_item_id = ?`, "item-1").Scan(&state, &itemAttempts))
		require.Equal(t, string(DataItemNew), state)
		require.Equal(t, i+1, itemAttempts)
	}

	// Budget spent: the next failing bundle takes the item down with it.
	planOnceAndFailPost()
	var state string
	var failedReason string
	require.NoError(t, db.DB.QueryRow(`SELECT state, failed_reason FROM data_items WHERE data_item_id = ?`, "item-1").Scan(&state, &failedReason))
	require.Equal(t, string(DataItemFailed), state)
	require.NotEmpty(t, failedReason)

	// Nothing left to plan.
	require.NoError(t, stages.HandlePlan(ctx, &queue.Job{}))
	_, ok, err := q.Claim(ctx, queue.PrepareBundle)
	require.NoError(t, err)
	require.False(t, ok)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
