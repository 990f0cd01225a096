// Package queue implements C8: a durable, SQL-persisted job queue with
// at-least-once delivery, exponential retry, delayed enqueue, repeatable
// cron jobs, and bounded completed/failed history, per spec §4.8.
//
// Dispatch is a per-queue Worker pool polling the SQL store; there is no
// in-process ring buffer. The functional options and
// otel-noop-meter-fallback counters are grounded on
// services/escrow-gateway/webhook_queue.go, the only queue-shaped code
// anywhere in the retrieval pack; no pack repo imports an actual broker
// client (redis/asynq/nsq/amqp/kafka/nats), so durability here comes from
// the SQL store instead, per spec §9's design note on disposable queue
// state being reconstructable from SQL.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Named queues per spec §4.8.
const (
	NewDataItem    = "new-data-item"
	PlanBundle     = "plan-bundle"
	PrepareBundle  = "prepare-bundle"
	PostBundle     = "post-bundle"
	SeedBundle     = "seed-bundle"
	VerifyBundle   = "verify-bundle"
	OpticalPost    = "optical-post"
	UnbundleBDI    = "unbundle-bdi"
	FinalizeUpload = "finalize-upload"
	PutOffsets     = "put-offsets"
	CleanupFS      = "cleanup-fs"
)

// State is a job's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Defaults per spec §4.8.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 5 * time.Second
	DefaultCompletedKeep  = 1000
	DefaultCompletedTTL   = 24 * time.Hour
	DefaultFailedKeep     = 5000
	DefaultFailedTTL      = 7 * 24 * time.Hour

	// SeedBundleTimeout is the at-will override for the seed-bundle queue;
	// everything else is at-will per spec §4.8.
	SeedBundleTimeout = 5 * time.Minute
)

// Job is a single durable queue row.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	State       State
	Attempts    int
	MaxAttempts int
	NotBefore   sql.NullTime
	CronPattern string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Unmarshal decodes the job's JSON payload into out.
func (j Job) Unmarshal(out interface{}) error {
	return json.Unmarshal(j.Payload, out)
}

// EnqueueOptions configure a single Enqueue call.
type EnqueueOptions struct {
	// Delay defers the job's first eligible dequeue time, used by
	// seed-bundle -> verify-bundle's 5-minute indexing delay.
	Delay time.Duration
	// MaxAttempts overrides the queue's configured attempt budget.
	MaxAttempts int
}

// Queue persists and dispatches jobs over the shared SQL store.
type Queue struct {
	db             *sql.DB
	now            func() time.Time
	maxAttempts    map[string]int
	completedKeep  int
	completedTTL   time.Duration
	failedKeep     int
	failedTTL      time.Duration
	initialBackoff time.Duration
	metrics        *metrics
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithQueueMaxAttempts sets the default attempt budget for a named queue,
// overriding DefaultMaxAttempts.
func WithQueueMaxAttempts(queueName string, attempts int) Option {
	return func(q *Queue) {
		if attempts > 0 {
			q.maxAttempts[queueName] = attempts
		}
	}
}

// WithHistoryRetention overrides the bounded completed/failed history.
func WithHistoryRetention(completedKeep int, completedTTL time.Duration, failedKeep int, failedTTL time.Duration) Option {
	return func(q *Queue) {
		if completedKeep > 0 {
			q.completedKeep = completedKeep
		}
		if completedTTL > 0 {
			q.completedTTL = completedTTL
		}
		if failedKeep > 0 {
			q.failedKeep = failedKeep
		}
		if failedTTL > 0 {
			q.failedTTL = failedTTL
		}
	}
}

// withClock overrides the clock used for enqueue/claim timing (test only).
func withClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New builds a Queue over the shared database handle.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:             db,
		now:            time.Now,
		maxAttempts:    make(map[string]int),
		completedKeep:  DefaultCompletedKeep,
		completedTTL:   DefaultCompletedTTL,
		failedKeep:     DefaultFailedKeep,
		failedTTL:      DefaultFailedTTL,
		initialBackoff: DefaultInitialBackoff,
		metrics:        newMetrics(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) maxAttemptsFor(queueName string) int {
	if n, ok := q.maxAttempts[queueName]; ok {
		return n
	}
	return DefaultMaxAttempts
}

// Enqueue durably writes a new job. payload is JSON-marshaled.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload interface{}, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttemptsFor(queueName)
	}

	now := q.now().UTC()
	notBefore := now
	if opts.Delay > 0 {
		notBefore = now.Add(opts.Delay)
	}

	id := uuid.NewString()
	const stmt = `INSERT INTO jobs (id, queue, payload, state, attempts, max_attempts, not_before, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`
	if _, err := q.db.ExecContext(ctx, stmt, id, queueName, raw, string(StatePending), maxAttempts, notBefore, now, now); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", queueName, err)
	}
	q.metrics.recordEnqueued(queueName)
	return id, nil
}

// Claim atomically picks the oldest eligible pending job off queueName and
// marks it active, or returns (nil, false, nil) if none is ready.
func (q *Queue) Claim(ctx context.Context, queueName string) (*Job, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := q.now().UTC()
	const selectStmt = `SELECT id FROM jobs
		WHERE queue = ? AND state = ? AND (not_before IS NULL OR not_before <= ?)
		ORDER BY created_at ASC LIMIT 1`
	var id string
	err = tx.QueryRowContext(ctx, selectStmt, queueName, string(StatePending), now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	const updateStmt = `UPDATE jobs SET state = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, updateStmt, string(StateActive), now, id); err != nil {
		return nil, false, err
	}

	job, err := q.getTx(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	q.metrics.recordClaimed(queueName)
	return job, true, nil
}

// Complete marks a job finished and records it in the bounded history.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := q.now().UTC()
	const stmt = `UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`
	if _, err := q.db.ExecContext(ctx, stmt, string(StateCompleted), now, job.ID); err != nil {
		return err
	}
	if err := q.recordHistory(ctx, job.ID, job.Queue, "completed", ""); err != nil {
		return err
	}
	q.metrics.recordCompleted(job.Queue)
	return q.prune(ctx, job.Queue)
}

// Fail applies the retry/dead-letter decision for a failed job: if attempts
// remain, it is requeued with exponential backoff; otherwise it is
// dead-lettered into the failed state, per spec §4.8/§7.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	now := q.now().UTC()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if job.Attempts < job.MaxAttempts {
		backoff := q.initialBackoff << uint(job.Attempts-1)
		notBefore := now.Add(backoff)
		const stmt = `UPDATE jobs SET state = ?, not_before = ?, last_error = ?, updated_at = ? WHERE id = ?`
		if _, err := q.db.ExecContext(ctx, stmt, string(StatePending), notBefore, reason, now, job.ID); err != nil {
			return err
		}
		q.metrics.recordRetried(job.Queue)
		return nil
	}

	const stmt = `UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := q.db.ExecContext(ctx, stmt, string(StateFailed), reason, now, job.ID); err != nil {
		return err
	}
	if err := q.recordHistory(ctx, job.ID, job.Queue, "failed", reason); err != nil {
		return err
	}
	q.metrics.recordDeadLettered(job.Queue)
	return q.prune(ctx, job.Queue)
}

func (q *Queue) recordHistory(ctx context.Context, jobID, queueName, outcome, detail string) error {
	const stmt = `INSERT INTO job_history (job_id, queue, outcome, recorded_at, detail) VALUES (?, ?, ?, ?, ?)`
	_, err := q.db.ExecContext(ctx, stmt, jobID, queueName, outcome, q.now().UTC(), detail)
	return err
}

// prune enforces the bounded completed/failed history per spec §4.8: keep
// the last N completed for <= 24h and the last 5000 failed for <= 7d.
func (q *Queue) prune(ctx context.Context, queueName string) error {
	if err := q.pruneState(ctx, queueName, StateCompleted, q.completedKeep, q.completedTTL); err != nil {
		return err
	}
	return q.pruneState(ctx, queueName, StateFailed, q.failedKeep, q.failedTTL)
}

func (q *Queue) pruneState(ctx context.Context, queueName string, state State, keep int, ttl time.Duration) error {
	cutoff := q.now().UTC().Add(-ttl)
	const byAge = `DELETE FROM jobs WHERE queue = ? AND state = ? AND updated_at < ?`
	if _, err := q.db.ExecContext(ctx, byAge, queueName, string(state), cutoff); err != nil {
		return err
	}

	const byCount = `DELETE FROM jobs WHERE queue = ? AND state = ? AND id NOT IN (
		SELECT id FROM jobs WHERE queue = ? AND state = ? ORDER BY updated_at DESC LIMIT ?
	)`
	_, err := q.db.ExecContext(ctx, byCount, queueName, string(state), queueName, string(state), keep)
	return err
}

func (q *Queue) getTx(ctx context.Context, tx *sql.Tx, id string) (*Job, error) {
	const query = `SELECT id, queue, payload, state, attempts, max_attempts, not_before, cron_pattern, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`
	row := tx.QueryRowContext(ctx, query, id)
	return scanJob(row)
}

// Get fetches a job by id, or nil if it does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	const query = `SELECT id, queue, payload, state, attempts, max_attempts, not_before, cron_pattern, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`
	row := q.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var state string
	var cronPattern, lastError sql.NullString
	if err := row.Scan(&job.ID, &job.Queue, &job.Payload, &state, &job.Attempts, &job.MaxAttempts,
		&job.NotBefore, &cronPattern, &lastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.State = State(state)
	job.CronPattern = cronPattern.String
	job.LastError = lastError.String
	return &job, nil
}
