package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/cursorstore"
	"github.com/ar-io/x402-bundler/internal/sqlstore"
)

func TestScheduler_Register_EnqueuesOnEveryMinute(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real cron tick")
	}
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := New(store.DB)
	cursors := cursorstore.New(store.DB)
	sched := NewScheduler(q, cursors)

	require.NoError(t, sched.Register(CleanupFS, "* * * * *", map[string]string{"job": "cleanup"}))
	sched.Start()
	t.Cleanup(func() { <-sched.Stop().Done() })

	require.Eventually(t, func() bool {
		job, ok, _ := q.Claim(context.Background(), CleanupFS)
		return ok && job != nil
	}, 70*time.Second, 500*time.Millisecond)
}
