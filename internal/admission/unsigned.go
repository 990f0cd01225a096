package admission

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/queue"
)

// UnsignedUploadInput carries a server-signed raw upload, per spec §4.6's
// `/x402/upload/unsigned` entry point. The HTTP layer has already resolved
// either shape (JSON envelope or binary body + X-Tag-* headers) down to a
// decoded payload, content type, and tag list.
type UnsignedUploadInput struct {
	Payload        []byte
	ContentType    string
	Tags           []dataitem.Tag
	XPaymentHeader string
	ResourcePath   string
}

// AdmitUnsigned implements spec §4.6's unsigned-upload flow: it differs from
// the signed path only in that the data item is assembled (and its id
// therefore known) after payment succeeds rather than before.
func (c *Controller) AdmitUnsigned(ctx context.Context, in UnsignedUploadInput) (*Outcome, error) {
	byteCount := int64(len(in.Payload))

	// The owner is not yet known (the server will sign on the caller's
	// behalf), so only the size-based free-tier rule applies here; the
	// whitelist and allow-listed-signature-type bypasses are meaningless
	// before a payer address exists.
	isFree := c.cfg.FreeTierEnabled && c.cfg.FreeUploadLimitBytes > 0 && byteCount <= c.cfg.FreeUploadLimitBytes

	req := c.buildRequirements(nil, in.ResourcePath, in.ContentType)

	var paymentID, payer, txHash string
	if !isFree {
		quote, err := c.quoter.QuoteUSDCForBytes(byteCount, len(in.Tags))
		if err != nil {
			return nil, fmt.Errorf("admission: quote: %w", err)
		}
		req.MaxAmountRequired = quote

		if in.XPaymentHeader == "" {
			return &Outcome{PaymentRequired: paymentRequiredResponse(req, "")}, nil
		}

		paymentID, payer, txHash, err = c.settleAndRecord(ctx, in.XPaymentHeader, req, ledger.ModePayg, byteCount)
		if err != nil {
			if kind, ok := bundlererr.KindOf(err); ok && (kind == bundlererr.KindPaymentInvalid || kind == bundlererr.KindPaymentSettlementFailed) {
				return &Outcome{PaymentRequired: paymentRequiredResponse(req, err.Error())}, nil
			}
			return nil, err
		}
	}

	// A free upload carries no x402 tags at all; the network tag is only
	// meaningful alongside a settled payment.
	paymentNetwork := ""
	if !isFree {
		paymentNetwork = c.cfg.Network
	}
	tags := dataitem.BuildTags(dataitem.BuildTagsInput{
		ContentType:  in.ContentType,
		CallerTags:   in.Tags,
		BundlerName:  c.cfg.BundlerName,
		UploadType:   uploadTypeFor(isFree),
		PayerAddress: payer,
		TxHash:       txHash,
		PaymentID:    paymentID,
		Network:      paymentNetwork,
		Now:          c.now().UTC(),
	})

	assembled, err := c.assembler.Assemble(in.Payload, tags)
	if err != nil {
		return nil, fmt.Errorf("admission: assemble data item: %w", err)
	}

	if err := c.objects.Put(ctx, rawDataItemKey(assembled.ID), bytes.NewReader(in.Payload)); err != nil {
		return nil, fmt.Errorf("admission: persist raw data item: %w", err)
	}

	deadlineHeight := c.deadlineHeight(ctx)
	if err := c.store.InsertDataItem(ctx, assembled.ID, assembled.OwnerAddress, byteCount, assembled.PayloadDataStart,
		int(assembled.SignatureType), deadlineHeight, ""); err != nil {
		_ = c.objects.Delete(ctx, rawDataItemKey(assembled.ID))
		return nil, fmt.Errorf("admission: insert data item: %w", err)
	}

	if paymentID != "" {
		if err := c.ledger.LinkToDataItem(ctx, paymentID, assembled.ID); err != nil {
			return nil, fmt.Errorf("admission: link payment to data item: %w", err)
		}
	}

	if _, err := c.queue.Enqueue(ctx, queue.NewDataItem, map[string]string{"dataItemId": assembled.ID}, queue.EnqueueOptions{}); err != nil {
		return nil, fmt.Errorf("admission: enqueue new-data-item: %w", err)
	}
	if _, err := c.queue.Enqueue(ctx, queue.OpticalPost, map[string]string{"dataItemId": assembled.ID}, queue.EnqueueOptions{}); err != nil {
		return nil, fmt.Errorf("admission: enqueue optical-post: %w", err)
	}

	signed, err := c.receipts.Sign(assembled.ID, deadlineHeight, "0", c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("admission: sign receipt: %w", err)
	}

	mode := string(ledger.ModePayg)
	if isFree {
		mode = "free"
	}
	return &Outcome{
		Receipt:               signed,
		DataItemID:            assembled.ID,
		Payer:                 payer,
		PaymentResponseHeader: encodePaymentResponse(paymentID, txHash, c.cfg.Network, mode),
	}, nil
}

func uploadTypeFor(isFree bool) string {
	if isFree {
		return "free"
	}
	return "raw-data-x402"
}
