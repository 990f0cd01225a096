package multipart

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"time"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/pricing"
	"github.com/ar-io/x402-bundler/internal/queue"
)

// Config holds the fraud/refund/ttl knobs for the coordinator, per spec
// §4.7/§9, sourced from config.MultipartConfig at wiring time.
type Config struct {
	TTL             time.Duration
	MaxPerAddress   int
	FraudTolerance  float64
	RefundThreshold float64
	BundlerName     string
	Network         string
}

// Coordinator implements C7 over the shared SQL store, object store, job
// queue, payment ledger, and pricing quoter.
type Coordinator struct {
	store     *Store
	ledger    *ledger.Ledger
	objects   objectstore.Store
	quoter    *pricing.Quoter
	queue     *queue.Queue
	assembler *dataitem.Assembler
	cfg       Config
	db        *sql.DB
}

// New builds a Coordinator. db is the shared handle, used only for the
// data-item insert that hands a finalized upload off to the pipeline.
func New(db *sql.DB, store *Store, l *ledger.Ledger, objects objectstore.Store, quoter *pricing.Quoter, q *queue.Queue, assembler *dataitem.Assembler, cfg Config) *Coordinator {
	return &Coordinator{store: store, ledger: l, objects: objects, quoter: quoter, queue: q, assembler: assembler, cfg: cfg, db: db}
}

// CreateUpload reserves a multipart session against an already-recorded
// deposit payment, per spec §4.7's createUpload.
func (c *Coordinator) CreateUpload(ctx context.Context, depositPaymentID, payerAddress string, chunkSize int64) (*Upload, error) {
	n, err := c.store.CountInFlightForPayer(ctx, payerAddress)
	if err != nil {
		return nil, fmt.Errorf("multipart: create upload: %w", err)
	}
	if n >= c.cfg.MaxPerAddress {
		return nil, bundlererr.New(bundlererr.KindConflict, "too many in-flight multipart uploads for this address")
	}

	floor := c.quoter.DepositQuote().String()
	upload, err := c.store.CreateUpload(ctx, depositPaymentID, payerAddress, chunkSize, &floor, c.cfg.TTL)
	if err != nil {
		return nil, err
	}

	// Schedule the TTL sweep now rather than scanning for expired sessions:
	// the delayed job fires once the session's window closes and no-ops if
	// the client already finalized.
	if _, err := c.queue.Enqueue(ctx, queue.FinalizeUpload,
		map[string]string{"uploadId": upload.UploadID}, queue.EnqueueOptions{Delay: c.cfg.TTL}); err != nil {
		return nil, fmt.Errorf("multipart: create upload: enqueue ttl sweep: %w", err)
	}
	return upload, nil
}

// GetUpload exposes a session's current state for the chunked-upload status
// endpoint.
func (c *Coordinator) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	return c.store.GetUpload(ctx, uploadID)
}

// PutChunk streams one chunk of an in-flight upload into the object store's
// native multipart, per spec §4.7's putChunk ("no payment re-check").
func (c *Coordinator) PutChunk(ctx context.Context, uploadID string, offset int64, r io.Reader) error {
	upload, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if upload.State != StateInFlight {
		return bundlererr.New(bundlererr.KindConflict, "upload is not in_flight")
	}
	if time.Now().UTC().After(upload.TTLExpiresAt) {
		return bundlererr.New(bundlererr.KindConflict, "upload has expired")
	}
	return c.objects.PutPart(ctx, upload.UploadKey, offset, r)
}

// Finalize reconciles declared vs. actual bytes, detects fraud, settles any
// top-up, and enqueues the assembled data item into the bundling pipeline,
// per spec §4.7's finalize.
func (c *Coordinator) Finalize(ctx context.Context, uploadID string, declaredByteCount int64) (*FinalizeOutcome, error) {
	upload, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.State != StateInFlight {
		return nil, bundlererr.New(bundlererr.KindConflict, "upload is not in_flight")
	}

	records, err := c.ledger.GetByUploadID(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("multipart: finalize: load payments: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("multipart: finalize: upload %s has no linked payments", uploadID)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PaidAt.Before(records[j].PaidAt) })

	sumUsdc := big.NewInt(0)
	for _, rec := range records {
		amount, ok := new(big.Int).SetString(rec.UsdcAmount, 10)
		if !ok {
			return nil, fmt.Errorf("multipart: finalize: malformed usdc_amount on payment %s", rec.PaymentID)
		}
		sumUsdc.Add(sumUsdc, amount)
	}

	actualByteCount, err := c.objects.CompleteMultipart(ctx, upload.UploadKey, rawDataItemKeyInterim(uploadID))
	if err != nil {
		// A prior finalize attempt may already have assembled the parts
		// (the top-up flow calls finalize more than once); fall back to
		// the interim object's observed size.
		n, sizeErr := objectSize(ctx, c.objects, rawDataItemKeyInterim(uploadID))
		if sizeErr != nil {
			return nil, fmt.Errorf("multipart: finalize: complete object-store multipart: %w", err)
		}
		actualByteCount = n
	}

	if isFraudulent(actualByteCount, declaredByteCount, c.cfg.FraudTolerance) {
		for _, rec := range records {
			if err := c.ledger.Finalize(ctx, ledger.FinalizeInput{
				PaymentID:       rec.PaymentID,
				ActualByteCount: actualByteCount,
				Status:          ledger.StatusFraudPenalty,
			}); err != nil {
				return nil, fmt.Errorf("multipart: finalize: fraud penalty on %s: %w", rec.PaymentID, err)
			}
		}
		if err := c.store.MarkFailed(ctx, uploadID, declaredByteCount); err != nil {
			return nil, fmt.Errorf("multipart: finalize: mark failed: %w", err)
		}
		return &FinalizeOutcome{FraudDetected: true, ActualByteCount: actualByteCount},
			bundlererr.New(bundlererr.KindFraudDetected, "actual bytes exceed declared bytes beyond tolerance")
	}

	requiredUsdc, err := c.quoter.QuoteUSDCForBytes(actualByteCount, 0)
	if err != nil {
		return nil, fmt.Errorf("multipart: finalize: quote required usdc: %w", err)
	}

	if sumUsdc.Cmp(requiredUsdc) < 0 {
		delta := new(big.Int).Sub(requiredUsdc, sumUsdc)
		return &FinalizeOutcome{TopUpRequiredUSD: delta, ActualByteCount: actualByteCount}, nil
	}

	refundThresholdAmount := applyPercent(requiredUsdc, c.cfg.RefundThreshold)
	refundEligible := sumUsdc.Cmp(refundThresholdAmount) > 0

	last := len(records) - 1
	for i, rec := range records {
		if refundEligible && i == last {
			excess := new(big.Int).Sub(sumUsdc, requiredUsdc)
			refundWinc, err := c.quoter.WincForUSDCAtomic(excess)
			if err != nil {
				return nil, fmt.Errorf("multipart: finalize: compute refund winc: %w", err)
			}
			if err := c.ledger.Finalize(ctx, ledger.FinalizeInput{
				PaymentID:       rec.PaymentID,
				ActualByteCount: actualByteCount,
				Status:          ledger.StatusRefunded,
				RefundWinc:      refundWinc.String(),
			}); err != nil {
				return nil, fmt.Errorf("multipart: finalize: refund %s: %w", rec.PaymentID, err)
			}
			continue
		}
		if err := c.ledger.Finalize(ctx, ledger.FinalizeInput{
			PaymentID:       rec.PaymentID,
			ActualByteCount: actualByteCount,
			Status:          ledger.StatusConfirmed,
		}); err != nil {
			return nil, fmt.Errorf("multipart: finalize: confirm %s: %w", rec.PaymentID, err)
		}
	}

	assembled, err := c.assembleDataItem(ctx, uploadID, upload.PayerAddress, records[0].PaymentID)
	if err != nil {
		return nil, fmt.Errorf("multipart: finalize: assemble data item: %w", err)
	}

	if err := c.store.MarkFinalized(ctx, uploadID, declaredByteCount); err != nil {
		return nil, fmt.Errorf("multipart: finalize: mark finalized: %w", err)
	}

	return &FinalizeOutcome{
		Confirmed:       true,
		DataItemID:      assembled.ID,
		ActualByteCount: actualByteCount,
	}, nil
}

// assembleDataItem reads the finalized raw bytes, signs them into an
// ANS-104 data item, moves the content to its content-addressed key, inserts
// the data_items row, and enqueues the new-data-item pipeline job.
func (c *Coordinator) assembleDataItem(ctx context.Context, uploadID, payerAddress, paymentID string) (*dataitem.Assembled, error) {
	interimKey := rawDataItemKeyInterim(uploadID)
	r, err := c.objects.Get(ctx, interimKey)
	if err != nil {
		return nil, fmt.Errorf("read finalized object: %w", err)
	}
	raw, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return nil, fmt.Errorf("read finalized object: %w", err)
	}

	tags := dataitem.BuildTags(dataitem.BuildTagsInput{
		BundlerName:  c.cfg.BundlerName,
		UploadType:   "raw-data-x402",
		PayerAddress: payerAddress,
		PaymentID:    paymentID,
		Network:      c.cfg.Network,
		Now:          time.Now().UTC(),
	})

	assembled, err := c.assembler.Assemble(raw, tags)
	if err != nil {
		return nil, fmt.Errorf("sign data item: %w", err)
	}

	if err := c.objects.Put(ctx, rawDataItemKey(assembled.ID), bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("persist content-addressed object: %w", err)
	}
	if err := c.objects.Delete(ctx, interimKey); err != nil {
		return nil, fmt.Errorf("drop interim object: %w", err)
	}

	const insert = `INSERT INTO data_items
		(data_item_id, owner_address, byte_count, payload_data_start, signature_type, uploaded_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(data_item_id) DO NOTHING`
	if _, err := c.db.ExecContext(ctx, insert, assembled.ID, assembled.OwnerAddress, int64(len(raw)),
		assembled.PayloadDataStart, int(assembled.SignatureType), time.Now().UTC(), "new"); err != nil {
		return nil, fmt.Errorf("insert data item: %w", err)
	}

	if _, err := c.queue.Enqueue(ctx, queue.NewDataItem, map[string]string{"dataItemId": assembled.ID}, queue.EnqueueOptions{}); err != nil {
		return nil, fmt.Errorf("enqueue new-data-item: %w", err)
	}
	return assembled, nil
}

// isFraudulent implements spec §4.7 step c's bound: actual bytes exceeding
// declared bytes by more than fraudTolerance, compared via big.Rat rather
// than float64 to avoid rounding the tolerance boundary incorrectly.
func isFraudulent(actualByteCount, declaredByteCount int64, tolerance float64) bool {
	if declaredByteCount <= 0 {
		return actualByteCount > 0
	}
	threshold := applyPercentInt64(declaredByteCount, tolerance)
	return big.NewInt(actualByteCount).Cmp(threshold) > 0
}

func applyPercentInt64(base int64, pct float64) *big.Int {
	r := new(big.Rat).Mul(big.NewRat(base, 1), ratAddOne(pct))
	return ratFloor(r)
}

func applyPercent(base *big.Int, pct float64) *big.Int {
	r := new(big.Rat).Mul(new(big.Rat).SetInt(base), ratAddOne(pct))
	return ratFloor(r)
}

func ratAddOne(pct float64) *big.Rat {
	r := new(big.Rat)
	r.SetFloat64(pct)
	return new(big.Rat).Add(big.NewRat(1, 1), r)
}

func ratFloor(r *big.Rat) *big.Int {
	quo := new(big.Int)
	quo.Quo(r.Num(), r.Denom())
	return quo
}

// objectSize streams an object to measure its length; the Store interface
// deliberately has no Stat, so this is the portable way to re-observe an
// already-assembled interim object.
func objectSize(ctx context.Context, objects objectstore.Store, key string) (int64, error) {
	r, err := objects.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(io.Discard, r)
}

// FinalizeUploadConcurrency is the finalize-upload queue's consumer pool
// size.
const FinalizeUploadConcurrency = 1

// HandleFinalizeUpload is the finalize-upload queue consumer: a deferred
// sweep enqueued at CreateUpload time with the session's TTL as its delay.
// It gates on upload state and ttlExpiresAt, so redelivery after a
// successful client-driven finalize is a no-op; a session still in_flight
// past its TTL is failed and its staged parts discarded.
func (c *Coordinator) HandleFinalizeUpload(ctx context.Context, job *queue.Job) error {
	var payload struct {
		UploadID string `json:"uploadId"`
	}
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("multipart: finalize-upload: decode payload: %w", err)
	}

	upload, err := c.store.GetUpload(ctx, payload.UploadID)
	if err != nil {
		if errors.Is(err, ErrUploadNotFound) {
			return nil
		}
		return fmt.Errorf("multipart: finalize-upload: %w", err)
	}
	if upload.State != StateInFlight {
		return nil
	}
	if time.Now().UTC().Before(upload.TTLExpiresAt) {
		return nil
	}

	if err := c.objects.AbortMultipart(ctx, upload.UploadKey); err != nil {
		return fmt.Errorf("multipart: finalize-upload: abort parts: %w", err)
	}
	if err := c.store.MarkFailed(ctx, payload.UploadID, 0); err != nil {
		return fmt.Errorf("multipart: finalize-upload: mark failed: %w", err)
	}
	return nil
}

// Workers exposes the coordinator's finalize-upload consumer pool.
func (c *Coordinator) Workers(q *queue.Queue) []*queue.Worker {
	return []*queue.Worker{
		queue.NewWorker(q, queue.FinalizeUpload, FinalizeUploadConcurrency, c.HandleFinalizeUpload),
	}
}
