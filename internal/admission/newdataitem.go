package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/queue"
)

// NewDataItemConcurrency is the dedicated pool size for the new-data-item
// queue, per spec §5's scheduling model ("new-data-item pool size 5"). It
// lives alongside the admission controller rather than in internal/pipeline
// because its job is to close the loop on admission's own write ordering,
// not to advance the bundle state machine.
const NewDataItemConcurrency = 5

// HandleNewDataItem verifies the object-store write that AdmitSigned/
// AdmitUnsigned performed actually landed, compensating per spec §5's
// ordering note ("if either fails after the other succeeds, compensate:
// delete the orphan object, or mark the SQL row failed_to_bundle"), then
// nudges plan-bundle so a waiting item doesn't sit until the next poll
// tick. It is deliberately cheap and idempotent: re-delivery just repeats
// the same existence check and a harmless extra plan-bundle wakeup.
func (c *Controller) HandleNewDataItem(ctx context.Context, job *queue.Job) error {
	var payload struct {
		DataItemID string `json:"dataItemId"`
	}
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("admission: new-data-item: decode payload: %w", err)
	}

	r, err := c.objects.Get(ctx, rawDataItemKey(payload.DataItemID))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			if markErr := c.store.MarkFailedToBundle(ctx, payload.DataItemID, "raw object missing at new-data-item time"); markErr != nil {
				return fmt.Errorf("admission: new-data-item: mark failed_to_bundle: %w", markErr)
			}
			return nil
		}
		return fmt.Errorf("admission: new-data-item: check object: %w", err)
	}
	_ = r.Close()

	if _, err := c.queue.Enqueue(ctx, queue.PlanBundle, map[string]string{}, queue.EnqueueOptions{}); err != nil {
		return fmt.Errorf("admission: new-data-item: nudge plan-bundle: %w", err)
	}
	return nil
}

// Workers builds the admission-owned consumer pool (just new-data-item;
// the remaining C9 queues are built by pipeline.Stages.Workers).
func (c *Controller) Workers(q *queue.Queue) []*queue.Worker {
	return []*queue.Worker{
		queue.NewWorker(q, queue.NewDataItem, NewDataItemConcurrency, c.HandleNewDataItem),
	}
}
