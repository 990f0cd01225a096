package pipeline

import (
	"github.com/ar-io/x402-bundler/internal/queue"
)

// Concurrency per job type, per spec §4.9/§6 scheduling model: "plan-bundle"
// and "cleanup-fs" run a single worker, "verify-bundle" runs 2, everything
// else defaults to 1 (new-data-item's pool of 5 lives with the admission
// consumer in internal/admission, not here).
const (
	PlanBundleConcurrency    = 1
	PrepareBundleConcurrency = 1
	PostBundleConcurrency    = 1
	SeedBundleConcurrency    = 1
	VerifyBundleConcurrency  = 2
	PutOffsetsConcurrency    = 1
)

// Workers builds the consumer pool for every pipeline-owned queue, ready to
// Run against a cancellable context.
func (s *Stages) Workers(q *queue.Queue) []*queue.Worker {
	return []*queue.Worker{
		queue.NewWorker(q, queue.PlanBundle, PlanBundleConcurrency, s.HandlePlan),
		queue.NewWorker(q, queue.PrepareBundle, PrepareBundleConcurrency, s.HandlePrepare),
		queue.NewWorker(q, queue.PutOffsets, PutOffsetsConcurrency, s.HandlePutOffsets),
		queue.NewWorker(q, queue.PostBundle, PostBundleConcurrency, s.HandlePost),
		queue.NewWorker(q, queue.SeedBundle, SeedBundleConcurrency, s.HandleSeed, queue.WithJobTimeout(queue.SeedBundleTimeout)),
		queue.NewWorker(q, queue.VerifyBundle, VerifyBundleConcurrency, s.HandleVerify),
		queue.NewWorker(q, queue.OpticalPost, OpticalPostConcurrency, s.HandleOpticalPost),
	}
}
