package queue

import (
	"context"
	"sync"
	"time"
)

// Handler processes a single claimed job. Returning an error triggers
// Fail's retry/dead-letter policy; returning nil marks the job Completed.
// Handlers MUST be idempotent, per spec §5: delivery is at-least-once.
type Handler func(ctx context.Context, job *Job) error

// Worker runs a fixed-size consumer pool over one named queue.
type Worker struct {
	queue        *Queue
	queueName    string
	concurrency  int
	handler      Handler
	pollInterval time.Duration
	jobTimeout   time.Duration
}

// WorkerOption configures a Worker at construction.
type WorkerOption func(*Worker)

// WithPollInterval overrides the idle poll interval (default 250ms).
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithJobTimeout bounds how long a single handler invocation may run before
// its context is cancelled. seed-bundle uses SeedBundleTimeout per spec
// §4.8; other queues are at-will (no timeout) unless set explicitly.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.jobTimeout = d }
}

// NewWorker builds a Worker consuming queueName with the given concurrency
// and handler.
func NewWorker(q *Queue, queueName string, concurrency int, handler Handler, opts ...WorkerOption) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	w := &Worker{
		queue:        q,
		queueName:    queueName,
		concurrency:  concurrency,
		handler:      handler,
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run spawns the worker's consumer pool and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and processes jobs back-to-back until the queue is empty,
// so a burst of enqueued work is not artificially throttled to one job per
// poll tick.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok, err := w.queue.Claim(ctx, w.queueName)
		if err != nil || !ok {
			return
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	handlerCtx := ctx
	var cancel context.CancelFunc
	if w.jobTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	err := w.handler(handlerCtx, job)
	if err == nil {
		_ = w.queue.Complete(ctx, job)
		return
	}
	_ = w.queue.Fail(ctx, job, err)
}
