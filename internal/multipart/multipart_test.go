package multipart

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/pricing"
	"github.com/ar-io/x402-bundler/internal/queue"
	"github.com/ar-io/x402-bundler/internal/sqlstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *Store, *ledger.Ledger, *sqlstore.Store) {
	t.Helper()
	db, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	objects, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	oracle := pricing.NewOracle(time.Hour, 1, 1)
	oracle.Update("winc-usd", "test-feed", 1.0, time.Now().UTC())
	quoter := pricing.NewQuoter(oracle, "winc-usd", pricing.DefaultCurve())

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	assembler := dataitem.NewAssembler(key)

	q := queue.New(db.DB)
	mstore := NewStore(db.DB)
	l := ledger.New(db.DB)

	cfg := Config{
		TTL:             time.Hour,
		MaxPerAddress:   5,
		FraudTolerance:  0.1,
		RefundThreshold: 0.2,
		BundlerName:     "x402-bundler",
		Network:         "base-sepolia",
	}
	coord := New(db.DB, mstore, l, objects, quoter, q, assembler, cfg)
	return coord, mstore, l, db
}

func insertDepositPayment(t *testing.T, l *ledger.Ledger, paymentID, txHash, payer, usdcAmount string) {
	t.Helper()
	_, err := l.Insert(context.Background(), ledger.Record{
		PaymentID:    paymentID,
		TxHash:       txHash,
		Network:      "base-sepolia",
		PayerAddress: payer,
		UsdcAmount:   usdcAmount,
		WincAmount:   "0",
		Mode:         ledger.ModeTopup,
		PaidAt:       time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestMultipart_HappyPath_ConfirmsAndEnqueuesDataItem(t *testing.T) {
	coord, mstore, l, db := newTestCoordinator(t)
	ctx := context.Background()

	insertDepositPayment(t, l, "pay-2", "0xdeadbeef2", "0xpayer", "1700000000")
	upload, err := coord.CreateUpload(ctx, "pay-2", "0xpayer", 1<<20)
	require.NoError(t, err)
	require.Equal(t, StateInFlight, upload.State)

	payload := []byte("hello multipart world")
	require.NoError(t, coord.PutChunk(ctx, upload.UploadID, 0, bytes.NewReader(payload)))

	outcome, err := coord.Finalize(ctx, upload.UploadID, int64(len(payload)))
	require.NoError(t, err)
	require.True(t, outcome.Confirmed)
	require.False(t, outcome.FraudDetected)
	require.Nil(t, outcome.TopUpRequiredUSD)
	require.NotEmpty(t, outcome.DataItemID)

	got, err := mstore.GetUpload(ctx, upload.UploadID)
	require.NoError(t, err)
	require.Equal(t, StateFinalized, got.State)

	var dataItemState string
	require.NoError(t, db.DB.QueryRow(`SELECT state FROM data_items WHERE data_item_id = ?`, outcome.DataItemID).Scan(&dataItemState))
	require.Equal(t, "new", dataItemState)

	job, ok, err := queue.New(db.DB).Claim(ctx, queue.NewDataItem)
	require.NoError(t, err)
	require.True(t, ok)
	var payloadOut struct {
		DataItemID string `json:"dataItemId"`
	}
	require.NoError(t, job.Unmarshal(&payloadOut))
	require.Equal(t, outcome.DataItemID, payloadOut.DataItemID)

	var paymentStatus string
	require.NoError(t, db.DB.QueryRow(`SELECT status FROM payment_records WHERE payment_id = ?`, "pay-2").Scan(&paymentStatus))
	require.Equal(t, string(ledger.StatusConfirmed), paymentStatus)
}

func TestMultipart_Finalize_FraudDetectedPenalizesPayment(t *testing.T) {
	coord, mstore, l, _ := newTestCoordinator(t)
	ctx := context.Background()

	insertDepositPayment(t, l, "pay-fraud", "0xfraud1", "0xpayer", "1000000000")
	upload, err := coord.CreateUpload(ctx, "pay-fraud", "0xpayer", 1<<20)
	require.NoError(t, err)

	actual := bytes.Repeat([]byte("x"), 1000)
	require.NoError(t, coord.PutChunk(ctx, upload.UploadID, 0, bytes.NewReader(actual)))

	// Declare far fewer bytes than actually uploaded: actual exceeds
	// declared*(1+tolerance), so this must be flagged as fraud.
	outcome, err := coord.Finalize(ctx, upload.UploadID, 10)
	require.Error(t, err)
	kind, ok := bundlererr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bundlererr.KindFraudDetected, kind)
	require.True(t, outcome.FraudDetected)

	got, err := mstore.GetUpload(ctx, upload.UploadID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, got.State)

	rec, err := l.GetByID(ctx, "pay-fraud")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, ledger.StatusFraudPenalty, rec.Status)
}

func TestMultipart_Finalize_ShortfallRequestsTopUp(t *testing.T) {
	coord, _, l, _ := newTestCoordinator(t)
	ctx := context.Background()

	insertDepositPayment(t, l, "pay-short", "0xshort1", "0xpayer", "10000")
	upload, err := coord.CreateUpload(ctx, "pay-short", "0xpayer", 1<<20)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("y"), 5_000_000)
	require.NoError(t, coord.PutChunk(ctx, upload.UploadID, 0, bytes.NewReader(payload)))

	outcome, err := coord.Finalize(ctx, upload.UploadID, int64(len(payload)))
	require.NoError(t, err)
	require.False(t, outcome.Confirmed)
	require.NotNil(t, outcome.TopUpRequiredUSD)
	require.True(t, outcome.TopUpRequiredUSD.Sign() > 0)
}

func TestMultipart_CreateUpload_RejectsTooManyInFlight(t *testing.T) {
	coord, _, l, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.cfg.MaxPerAddress = 1

	insertDepositPayment(t, l, "pay-a", "0xa1", "0xpayer", "1000000000")
	_, err := coord.CreateUpload(ctx, "pay-a", "0xpayer", 1<<20)
	require.NoError(t, err)

	insertDepositPayment(t, l, "pay-b", "0xb1", "0xpayer", "1000000000")
	_, err = coord.CreateUpload(ctx, "pay-b", "0xpayer", 1<<20)
	require.Error(t, err)
	kind, ok := bundlererr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bundlererr.KindConflict, kind)
}
