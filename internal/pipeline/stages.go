package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/queue"
)

// PlanMaxItems and PlanMaxBytes bound how many waiting data items plan-bundle
// packs into a single plan per tick, an implementation-defined soft target per spec
// §4.9 ("plan-bundle groups waiting items to a soft total-size/max-count
// target"). Tie-break is insertion order, enforced by Store.ClaimWaitingDataItems's
// ORDER BY uploaded_at.
const (
	PlanMaxItems = 500
	PlanMaxBytes = 200 << 20 // 200MiB soft target per plan
)

// Stages wires the plan/prepare/post/seed/verify state machine (C9) over the
// shared SQL store, object store, job queue, and the abstract chain/seeder
// collaborators, per spec §4.9. Each exported method is a queue.Handler.
type Stages struct {
	store    *Store
	objects  objectstore.Store
	queue    *queue.Queue
	chain    ChainClient
	seeder   ChunkSeeder
	assemble BundleAssembler

	opticalPost       OpticalPostConfig
	opticalPostClient *http.Client
}

// New builds Stages. assemble packs planned data items into bundle bytes;
// chain and seeder are deployment-specific collaborators (spec §1).
func New(store *Store, objects objectstore.Store, q *queue.Queue, chain ChainClient, seeder ChunkSeeder, assemble BundleAssembler, opticalPost OpticalPostConfig) *Stages {
	return &Stages{
		store: store, objects: objects, queue: q, chain: chain, seeder: seeder, assemble: assemble,
		opticalPost:       opticalPost,
		opticalPostClient: &http.Client{Timeout: opticalPostTimeout},
	}
}

func bundlePayloadKey(planID string) string { return "bundle-payload/" + planID }

// HandlePlan claims waiting new_data_item rows up to the soft target,
// creates a bundle_plan, and enqueues prepare-bundle. A no-op (nil, no
// enqueue) when nothing is waiting, so the worker's poll loop is cheap.
func (s *Stages) HandlePlan(ctx context.Context, job *queue.Job) error {
	items, err := s.store.ClaimWaitingDataItems(ctx, PlanMaxItems)
	if err != nil {
		return fmt.Errorf("pipeline: plan: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	ids := make([]string, 0, len(items))
	var total int64
	for _, item := range items {
		if total > 0 && total+item.ByteCount > PlanMaxBytes {
			break
		}
		ids = append(ids, item.ID)
		total += item.ByteCount
	}
	if len(ids) == 0 {
		ids = append(ids, items[0].ID)
	}

	planID, err := s.store.CreatePlan(ctx, ids)
	if err != nil {
		return fmt.Errorf("pipeline: plan: create plan: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.PrepareBundle, PrepareJob{PlanID: planID}, queue.EnqueueOptions{}); err != nil {
		return fmt.Errorf("pipeline: plan: enqueue prepare-bundle: %w", err)
	}
	return nil
}

// HandlePrepare assembles a plan's data items into bundle bytes, persists
// them to the object store at bundle-payload/{planId}, and inserts the
// new_bundle row before enqueuing post-bundle.
func (s *Stages) HandlePrepare(ctx context.Context, job *queue.Job) error {
	var payload PrepareJob
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("pipeline: prepare: decode payload: %w", err)
	}

	existing, err := s.store.BundleForPlan(ctx, payload.PlanID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pipeline: prepare: lookup existing bundle: %w", err)
	}
	if existing != nil {
		// Already prepared (at-least-once redelivery); move straight on.
		if _, err := s.queue.Enqueue(ctx, queue.PostBundle, PostJob{BundleID: existing.BundleID}, queue.EnqueueOptions{}); err != nil {
			return fmt.Errorf("pipeline: prepare: re-enqueue post-bundle: %w", err)
		}
		return nil
	}

	items, err := s.store.PlannedDataItems(ctx, payload.PlanID)
	if err != nil {
		return fmt.Errorf("pipeline: prepare: load planned items: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("pipeline: prepare: plan %s has no planned data items", payload.PlanID)
	}

	bundleID, bundleBytes, err := s.assemble.Assemble(ctx, items)
	if err != nil {
		return fmt.Errorf("pipeline: prepare: assemble: %w", err)
	}

	if err := s.objects.Put(ctx, bundlePayloadKey(payload.PlanID), bytes.NewReader(bundleBytes)); err != nil {
		return fmt.Errorf("pipeline: prepare: persist bundle payload: %w", err)
	}

	if err := s.store.InsertBundle(ctx, bundleID, payload.PlanID, int64(len(bundleBytes))); err != nil {
		return fmt.Errorf("pipeline: prepare: insert bundle: %w", err)
	}

	itemIDs := make([]string, 0, len(items))
	for _, item := range items {
		itemIDs = append(itemIDs, item.ID)
	}
	if _, err := s.queue.Enqueue(ctx, queue.PutOffsets, PutOffsetsJob{BundleID: bundleID, PlanID: payload.PlanID, ItemIDs: itemIDs}, queue.EnqueueOptions{}); err != nil {
		return fmt.Errorf("pipeline: prepare: enqueue put-offsets: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.PostBundle, PostJob{BundleID: bundleID}, queue.EnqueueOptions{}); err != nil {
		return fmt.Errorf("pipeline: prepare: enqueue post-bundle: %w", err)
	}
	return nil
}

// HandlePutOffsets re-derives each planned item's byte range within the
// root bundle from the persisted bundle payload and upserts its
// data_item_offsets row, per spec §3's DataItemOffset entity. It reads the
// bundle payload back out rather than trusting job.Payload's ItemIDs order
// against the container, so a crash between prepare-bundle's two enqueues
// can never desync the recorded offsets from what was actually assembled.
func (s *Stages) HandlePutOffsets(ctx context.Context, job *queue.Job) error {
	var payload PutOffsetsJob
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("pipeline: put-offsets: decode payload: %w", err)
	}

	r, err := s.objects.Get(ctx, bundlePayloadKey(payload.PlanID))
	if err != nil {
		return fmt.Errorf("pipeline: put-offsets: read bundle payload: %w", err)
	}
	container, err := io.ReadAll(r)
	closeErr := r.Close()
	if err != nil {
		return fmt.Errorf("pipeline: put-offsets: read bundle payload: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("pipeline: put-offsets: close bundle payload: %w", closeErr)
	}

	entries, err := ParseBundleDirectory(container)
	if err != nil {
		return fmt.Errorf("pipeline: put-offsets: %w", err)
	}

	expiresAt := time.Now().Add(OffsetDefaultRetention).Unix()
	for _, e := range entries {
		item, err := s.store.GetDataItem(ctx, e.DataItemID)
		if err != nil {
			return fmt.Errorf("pipeline: put-offsets: lookup %s: %w", e.DataItemID, err)
		}
		if err := s.store.UpsertOffset(ctx, Offset{
			DataItemID:              e.DataItemID,
			RootBundleID:            payload.BundleID,
			StartOffsetInRootBundle: e.StartOffset,
			RawContentLength:        e.PayloadDataStart + e.ByteCount,
			PayloadDataStart:        e.PayloadDataStart,
			PayloadContentType:      item.PayloadContentType,
			ExpiresAt:               expiresAt,
		}); err != nil {
			return fmt.Errorf("pipeline: put-offsets: upsert %s: %w", e.DataItemID, err)
		}
	}
	return nil
}

// HandlePost broadcasts a new_bundle's payload to the chain client. When
// this is the job's last allotted attempt and broadcast still fails, the
// bundle is re-packed (or failed outright past MaxRepackAttempts) instead of
// returning an error, so the queue records the job as handled rather than
// retrying a bundle that has already been given up on.
func (s *Stages) HandlePost(ctx context.Context, job *queue.Job) error {
	var payload PostJob
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("pipeline: post: decode payload: %w", err)
	}

	bundle, err := s.store.GetBundle(ctx, payload.BundleID)
	if err != nil {
		return fmt.Errorf("pipeline: post: %w", err)
	}
	if bundle.State != BundleNew {
		return nil // already posted by a prior delivery
	}

	r, err := s.objects.Get(ctx, bundlePayloadKey(bundle.PlanID))
	if err != nil {
		return fmt.Errorf("pipeline: post: read bundle payload: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("pipeline: post: read bundle payload: %w", err)
	}

	if err := s.chain.Broadcast(ctx, bundle.BundleID, raw); err != nil {
		return s.repackOrReturn(ctx, job, bundle.BundleID, fmt.Errorf("broadcast: %w", err))
	}

	if err := s.store.MarkPosted(ctx, bundle.BundleID); err != nil && !isBenignWarning(err) {
		return fmt.Errorf("pipeline: post: mark posted: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.SeedBundle, SeedJob{BundleID: bundle.BundleID}, queue.EnqueueOptions{}); err != nil {
		return fmt.Errorf("pipeline: post: enqueue seed-bundle: %w", err)
	}
	return nil
}

// HandleSeed pushes a posted_bundle's chunks into the seeding network, then
// enqueues verify-bundle with the 5-minute indexing delay per spec §4.9.
func (s *Stages) HandleSeed(ctx context.Context, job *queue.Job) error {
	var payload SeedJob
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("pipeline: seed: decode payload: %w", err)
	}

	bundle, err := s.store.GetBundle(ctx, payload.BundleID)
	if err != nil {
		return fmt.Errorf("pipeline: seed: %w", err)
	}
	if bundle.State != BundlePosted {
		return nil
	}

	r, err := s.objects.Get(ctx, bundlePayloadKey(bundle.PlanID))
	if err != nil {
		return fmt.Errorf("pipeline: seed: read bundle payload: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("pipeline: seed: read bundle payload: %w", err)
	}

	if err := s.seeder.Seed(ctx, bundle.BundleID, raw); err != nil {
		return s.repackOrReturn(ctx, job, bundle.BundleID, fmt.Errorf("seed: %w", err))
	}

	if err := s.store.MarkSeeded(ctx, bundle.BundleID); err != nil && !isBenignWarning(err) {
		return fmt.Errorf("pipeline: seed: mark seeded: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.VerifyBundle, VerifyJob{BundleID: bundle.BundleID}, queue.EnqueueOptions{Delay: queue.SeedBundleTimeout}); err != nil {
		return fmt.Errorf("pipeline: seed: enqueue verify-bundle: %w", err)
	}
	return nil
}

// HandleVerify checks a seeded_bundle's on-chain finality. Reaching finality
// moves the bundle and its data items to permanent; running out of finality
// fails the bundle outright (no re-pack: spec §4.9 treats this as terminal,
// unlike a post/seed transport failure).
func (s *Stages) HandleVerify(ctx context.Context, job *queue.Job) error {
	var payload VerifyJob
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("pipeline: verify: decode payload: %w", err)
	}

	bundle, err := s.store.GetBundle(ctx, payload.BundleID)
	if err != nil {
		return fmt.Errorf("pipeline: verify: %w", err)
	}
	if bundle.State != BundleSeeded {
		return nil
	}

	blockHeight, final, err := s.chain.Finality(ctx, bundle.BundleID)
	if err != nil {
		return fmt.Errorf("pipeline: verify: finality check: %w", err)
	}
	if !final {
		if job.Attempts < job.MaxAttempts {
			return errors.New("pipeline: verify: not yet final")
		}
		if err := s.store.MarkFailedTerminal(ctx, bundle.BundleID, "out of finality"); err != nil && !isBenignWarning(err) {
			return fmt.Errorf("pipeline: verify: mark failed: %w", err)
		}
		return nil
	}

	if err := s.store.MarkPermanent(ctx, bundle.BundleID, blockHeight); err != nil && !isBenignWarning(err) {
		return fmt.Errorf("pipeline: verify: mark permanent: %w", err)
	}
	return nil
}

// repackOrReturn is shared by HandlePost/HandleSeed: on the job's final
// attempt it performs the domain-level repack-or-fail action and swallows
// the error (so the queue records the job completed, not dead-lettered);
// otherwise it returns the cause so the queue's own backoff retries it.
func (s *Stages) repackOrReturn(ctx context.Context, job *queue.Job, bundleID string, cause error) error {
	if job.Attempts < job.MaxAttempts {
		return cause
	}
	if err := s.store.RepackOrFail(ctx, bundleID, cause.Error()); err != nil && !isBenignWarning(err) {
		return fmt.Errorf("pipeline: repack: %w", err)
	}
	return nil
}

func isBenignWarning(err error) bool {
	kind, ok := bundlererr.KindOf(err)
	return ok && kind == bundlererr.KindWarning
}
