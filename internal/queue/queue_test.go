package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/sqlstore"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store.DB)
}

func TestQueue_EnqueueClaimComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, NewDataItem, map[string]string{"dataItemId": "item-1"}, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, ok, err := q.Claim(ctx, NewDataItem)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, job.ID)
	require.Equal(t, StateActive, job.State)

	var payload map[string]string
	require.NoError(t, job.Unmarshal(&payload))
	require.Equal(t, "item-1", payload["dataItemId"])

	require.NoError(t, q.Complete(ctx, job))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
}

func TestQueue_Claim_RespectsDelay(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, VerifyBundle, "payload", EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	_, ok, err := q.Claim(ctx, VerifyBundle)
	require.NoError(t, err)
	require.False(t, ok, "job delayed an hour out should not be claimable yet")
}

func TestQueue_Fail_RetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, PostBundle, "x", EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	job, ok, err := q.Claim(ctx, PostBundle)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, q.Fail(ctx, job, errors.New("boom")))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatePending, got.State, "first failure should retry, not dead-letter")
	require.True(t, got.NotBefore.Valid)

	// Force the retry eligible immediately and claim again.
	q2 := New(q.db)
	_, err = q2.db.ExecContext(ctx, `UPDATE jobs SET not_before = ? WHERE id = ?`, time.Now().UTC().Add(-time.Second), job.ID)
	require.NoError(t, err)

	job2, ok, err := q2.Claim(ctx, PostBundle)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, job2.Attempts)

	require.NoError(t, q2.Fail(ctx, job2, errors.New("boom again")))
	final, err := q2.Get(ctx, job2.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, final.State, "exhausted attempts should dead-letter")
}

func TestQueue_Prune_BoundsCompletedHistory(t *testing.T) {
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := New(store.DB, WithHistoryRetention(2, 24*time.Hour, 5000, 7*24*time.Hour))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, OpticalPost, "x", EnqueueOptions{})
		require.NoError(t, err)
		job, ok, err := q.Claim(ctx, OpticalPost)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.Complete(ctx, job))
	}

	var count int
	require.NoError(t, store.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue = ? AND state = ?`, OpticalPost, string(StateCompleted),
	).Scan(&count))
	require.LessOrEqual(t, count, 2)
}
