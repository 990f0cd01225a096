// Package janitor implements C11: the dual-tier retention sweep that
// deletes the raw bytes backing permanent data items once they have aged
// past each storage tier's retention window, per spec §4.11. Filesystem
// staging copies are reclaimed after the short cutoff (default 7 days);
// the assembled bundle payload in the durable object store is reclaimed
// after the long cutoff (default 90 days), since an independently
// retrievable DataItemOffset is all a client needs once a bundle is
// permanent.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ar-io/x402-bundler/internal/cursorstore"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/queue"
)

// Concurrency per spec §6 scheduling model: cleanup-fs runs a single
// consumer, since the sweep itself fans its deletes out internally.
const Concurrency = 1

// Config holds the janitor's cutoffs and batching knobs, sourced from
// config.RetentionConfig.
type Config struct {
	FilesystemCutoff     time.Duration
	ObjectStoreCutoff    time.Duration
	BatchSize            int
	MaxConcurrentDeletes int
	MaxErrorsBeforeAbort int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxConcurrentDeletes <= 0 {
		c.MaxConcurrentDeletes = 8
	}
	if c.MaxErrorsBeforeAbort <= 0 {
		c.MaxErrorsBeforeAbort = 10
	}
	return c
}

// KeyFunc derives an object-store key from a permanent data item row. The
// fs tier keys off the item's own id (raw-data-item/<id>); the archive
// tier keys off its bundle's plan id (bundle-payload/<planId>), since the
// durable payload is the assembled bundle, not the individual item. The
// janitor takes one KeyFunc per tier rather than assuming a shared naming
// scheme.
type KeyFunc func(item PermanentItem) string

// tier is one retention sweep target: a store plus its cutoff, key
// derivation, and cursor name.
type tier struct {
	name      string
	store     objectstore.Store
	cutoff    time.Duration
	keyFor    KeyFunc
	cursorKey string
}

// Janitor runs the bounded, cursored, dual-tier delete sweep described by
// C11. The producer/bounded-worker shape is modeled on
// services/escrow-gateway/webhook_queue.go's capacity-bounded dispatch:
// one batch is read at a time and each row's delete runs in its own
// goroutine, with at most MaxConcurrentDeletes of them in flight at once.
type Janitor struct {
	store   *Store
	cursors *cursorstore.Store
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	tiers []tier
}

// New builds a Janitor sweeping fsStore under the filesystem cutoff and
// archiveStore under the object-store cutoff.
func New(store *Store, cursors *cursorstore.Store, fsStore, archiveStore objectstore.Store, fsKeyFor, archiveKeyFor KeyFunc, cfg Config, log *slog.Logger) *Janitor {
	cfg = cfg.withDefaults()
	return &Janitor{
		store:   store,
		cursors: cursors,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		tiers: []tier{
			{name: "filesystem", store: fsStore, cutoff: cfg.FilesystemCutoff, keyFor: fsKeyFor, cursorKey: "fs-cleanup-last-deleted-cursor"},
			{name: "object-store", store: archiveStore, cutoff: cfg.ObjectStoreCutoff, keyFor: archiveKeyFor, cursorKey: "objectstore-cleanup-last-deleted-cursor"},
		},
	}
}

// Run is the queue.Handler for the cleanup-fs queue: one invocation sweeps
// both tiers to exhaustion (until each tier's cursor catches up to items
// too young to reclaim, or the tier's error budget is spent).
func (j *Janitor) Run(ctx context.Context, _ *queue.Job) error {
	var errs []error
	for _, t := range j.tiers {
		if err := j.sweepTier(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("janitor: %s sweep: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}

// Workers exposes the janitor's single-consumer pool, matching the
// Workers(q) shape every other component package exposes.
func (j *Janitor) Workers(q *queue.Queue) []*queue.Worker {
	return []*queue.Worker{
		queue.NewWorker(q, queue.CleanupFS, Concurrency, j.Run),
	}
}

// cursorPosition is the persisted resume point for one tier's ascending
// (uploaded_at, data_item_id) scan.
type cursorPosition struct {
	UploadedAt time.Time `json:"uploadedAt"`
	DataItemID string    `json:"dataItemId"`
}

func (j *Janitor) sweepTier(ctx context.Context, t tier) error {
	cutoff := j.now().UTC().Add(-t.cutoff)

	var pos cursorPosition
	if _, err := j.cursors.Get(ctx, t.cursorKey, &pos); err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	var errCount int64
	for {
		batch, err := j.store.PermanentItemsAfter(ctx, pos.UploadedAt, pos.DataItemID, j.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("scan batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		eligible := batch
		for i, item := range batch {
			if !item.UploadedAt.Before(cutoff) {
				eligible = batch[:i]
				break
			}
		}
		if len(eligible) == 0 {
			return nil
		}

		deleted := j.deleteBatch(ctx, t, eligible, &errCount)
		if int(atomic.LoadInt64(&errCount)) > j.cfg.MaxErrorsBeforeAbort {
			j.log.Error("janitor: aborting sweep, too many delete errors",
				"tier", t.name, "errors", errCount)
			return fmt.Errorf("exceeded %d delete errors", j.cfg.MaxErrorsBeforeAbort)
		}
		if deleted == 0 {
			return nil
		}

		last := eligible[len(eligible)-1]
		pos = cursorPosition{UploadedAt: last.UploadedAt, DataItemID: last.DataItemID}
		if err := j.cursors.Set(ctx, t.cursorKey, pos); err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}

		if len(eligible) < len(batch) {
			// The batch ran past the cutoff into items too young to reclaim;
			// nothing further in this tier is eligible right now.
			return nil
		}
		if len(batch) < j.cfg.BatchSize {
			return nil
		}
	}
}

// deleteBatch fans deletes for one batch out across a bounded worker pool
// and returns the count that completed (successfully or as a benign
// not-found), advancing errCount for genuine failures.
func (j *Janitor) deleteBatch(ctx context.Context, t tier, items []PermanentItem, errCount *int64) int {
	sem := make(chan struct{}, j.cfg.MaxConcurrentDeletes)
	var wg sync.WaitGroup
	var completed int64

	for _, item := range items {
		item := item
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			key := t.keyFor(item)
			err := t.store.Delete(ctx, key)
			if err == nil || errors.Is(err, objectstore.ErrNotFound) {
				atomic.AddInt64(&completed, 1)
				return
			}
			atomic.AddInt64(errCount, 1)
			j.log.Warn("janitor: delete failed", "tier", t.name, "dataItemId", item.DataItemID, "error", err)
		}()
	}
	wg.Wait()
	return int(completed)
}
