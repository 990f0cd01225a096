package admission

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/queue"
)

// SignedUploadInput carries a single signed-ANS-104 upload, per spec §4.6's
// `/x402/upload/signed` and legacy `/tx[/:token]` entry points.
type SignedUploadInput struct {
	Body io.Reader
	// ContentLength is the HTTP request's declared body length; signed
	// uploads require a known length so the announced payload byte count
	// (ContentLength - header length) can be computed before any bytes are
	// read off disk, per spec §4.6 step 1.
	ContentLength int64
	// XPaymentHeader is the decoded (still base64) X-PAYMENT header value,
	// or empty if the request carried none.
	XPaymentHeader string
	ResourcePath   string
	MimeType       string
}

// AdmitSigned implements spec §4.6's signed-upload flow end to end.
func (c *Controller) AdmitSigned(ctx context.Context, in SignedUploadInput) (*Outcome, error) {
	if in.ContentLength < 0 {
		return nil, bundlererr.New(bundlererr.KindUnauthorized, "signed uploads require a known Content-Length")
	}

	var headerBuf bytes.Buffer
	tee := io.TeeReader(in.Body, &headerBuf)
	parsed, headerLen, err := dataitem.ParseHeader(tee)
	if err != nil {
		return nil, bundlererr.Wrap(bundlererr.KindUnauthorized, err)
	}

	announcedByteCount := in.ContentLength - headerLen
	if announcedByteCount < 0 {
		return nil, bundlererr.New(bundlererr.KindUnauthorized, "content length shorter than parsed header")
	}

	req := c.buildRequirements(nil, in.ResourcePath, in.MimeType)

	isFree := c.isFreeUpload(parsed.OwnerAddress, parsed.SignatureType, announcedByteCount)

	var paymentID, payer, txHash string
	if !isFree {
		quote, err := c.quoter.QuoteUSDCForBytes(announcedByteCount, parsed.TagCount)
		if err != nil {
			return nil, fmt.Errorf("admission: quote: %w", err)
		}
		req.MaxAmountRequired = quote

		if in.XPaymentHeader == "" {
			return &Outcome{PaymentRequired: paymentRequiredResponse(req, "")}, nil
		}

		paymentID, payer, txHash, err = c.settleAndRecord(ctx, in.XPaymentHeader, req, ledger.ModePayg, announcedByteCount)
		if err != nil {
			if kind, ok := bundlererr.KindOf(err); ok && (kind == bundlererr.KindPaymentInvalid || kind == bundlererr.KindPaymentSettlementFailed) {
				return &Outcome{PaymentRequired: paymentRequiredResponse(req, err.Error())}, nil
			}
			return nil, err
		}
	}

	fullStream := io.MultiReader(bytes.NewReader(headerBuf.Bytes()), in.Body)
	if err := c.objects.Put(ctx, rawDataItemKey(parsed.ID), fullStream); err != nil {
		return nil, fmt.Errorf("admission: persist raw data item: %w", err)
	}

	deadlineHeight := c.deadlineHeight(ctx)
	if err := c.store.InsertDataItem(ctx, parsed.ID, parsed.OwnerAddress, announcedByteCount, headerLen,
		int(parsed.SignatureType), deadlineHeight, ""); err != nil {
		_ = c.objects.Delete(ctx, rawDataItemKey(parsed.ID))
		return nil, fmt.Errorf("admission: insert data item: %w", err)
	}

	if paymentID != "" {
		if err := c.ledger.LinkToDataItem(ctx, paymentID, parsed.ID); err != nil {
			return nil, fmt.Errorf("admission: link payment to data item: %w", err)
		}
	}

	if _, err := c.queue.Enqueue(ctx, queue.NewDataItem, map[string]string{"dataItemId": parsed.ID}, queue.EnqueueOptions{}); err != nil {
		return nil, fmt.Errorf("admission: enqueue new-data-item: %w", err)
	}
	if _, err := c.queue.Enqueue(ctx, queue.OpticalPost, map[string]string{"dataItemId": parsed.ID}, queue.EnqueueOptions{}); err != nil {
		return nil, fmt.Errorf("admission: enqueue optical-post: %w", err)
	}

	signed, err := c.receipts.Sign(parsed.ID, deadlineHeight, "0", c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("admission: sign receipt: %w", err)
	}

	mode := string(ledger.ModePayg)
	if isFree {
		mode = "free"
	}
	return &Outcome{
		Receipt:               signed,
		DataItemID:            parsed.ID,
		Payer:                 payer,
		PaymentResponseHeader: encodePaymentResponse(paymentID, txHash, c.cfg.Network, mode),
	}, nil
}

func rawDataItemKey(dataItemID string) string { return "raw-data-item/" + dataItemID }
