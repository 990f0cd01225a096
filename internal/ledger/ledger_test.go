package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/sqlstore"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store.DB)
}

func TestLedger_Insert_IdempotentOnTxHash(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	rec := Record{
		PaymentID:    uuid.NewString(),
		TxHash:       "0xdeadbeef",
		Network:      "base-sepolia",
		PayerAddress: "0xabc",
		UsdcAmount:   "1000",
		Mode:         ModePayg,
		PaidAt:       time.Now().UTC(),
	}

	id1, err := l.Insert(ctx, rec)
	require.NoError(t, err)

	rec2 := rec
	rec2.PaymentID = uuid.NewString()
	id2, err := l.Insert(ctx, rec2)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestLedger_LinkToDataItem_RefusesRetarget(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	rec := Record{
		PaymentID:    uuid.NewString(),
		TxHash:       "0x1",
		Network:      "base-sepolia",
		PayerAddress: "0xabc",
		UsdcAmount:   "1000",
		Mode:         ModePayg,
		PaidAt:       time.Now().UTC(),
	}
	id, err := l.Insert(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, l.LinkToDataItem(ctx, id, "item-1"))
	require.NoError(t, l.LinkToDataItem(ctx, id, "item-1"))
	require.Error(t, l.LinkToDataItem(ctx, id, "item-2"))
}

func TestLedger_Finalize_RejectsDoubleFinalize(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	rec := Record{
		PaymentID:    uuid.NewString(),
		TxHash:       "0x2",
		Network:      "base-sepolia",
		PayerAddress: "0xabc",
		UsdcAmount:   "1000",
		Mode:         ModePayg,
		PaidAt:       time.Now().UTC(),
	}
	id, err := l.Insert(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, l.Finalize(ctx, FinalizeInput{PaymentID: id, ActualByteCount: 100, Status: StatusConfirmed}))

	got, err := l.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, got.Status)

	err = l.Finalize(ctx, FinalizeInput{PaymentID: id, ActualByteCount: 100, Status: StatusRefunded})
	require.Error(t, err)
}
