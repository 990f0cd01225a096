package admission

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/x402"
)

// settleAndRecord implements the ordering spec §5 requires: verify then
// settle then insert the ledger row under the txHash uniqueness key. A retry
// of the same request calls Settle again; when that returns the same txHash,
// ledger.Insert short-circuits on the collision and hands back the existing
// paymentID instead of writing a second row. The ledger row is written in
// pending_validation before being linked to a data item id, since at this
// point the id may not exist yet (the unsigned path assembles it only after
// this call returns).
func (c *Controller) settleAndRecord(ctx context.Context, headerB64 string, req x402.Requirements, mode ledger.Mode, declaredByteCount int64) (paymentID string, payer string, txHash string, err error) {
	verified, err := c.verifier.Verify(ctx, headerB64, req)
	if err != nil {
		return "", "", "", err
	}

	settled, err := c.facilitator.Settle(ctx, headerB64, req)
	if err != nil {
		// Per spec §7: a settlement failure leaves no ledger row in
		// pending_validation.
		return "", "", "", err
	}

	paymentID, err = c.ledger.Insert(ctx, ledger.Record{
		PaymentID:         uuid.NewString(),
		TxHash:            settled.TransactionHash,
		Network:           settled.Network,
		PayerAddress:      verified.Payer,
		UsdcAmount:        req.MaxAmountRequired.String(),
		WincAmount:        "0",
		Mode:              mode,
		DeclaredByteCount: nullableInt(declaredByteCount),
		PaidAt:            c.now().UTC(),
	})
	if err != nil {
		return "", "", "", fmt.Errorf("admission: insert payment record: %w", err)
	}
	return paymentID, verified.Payer, settled.TransactionHash, nil
}

// encodePaymentResponse builds the base64 X-Payment-Response header value,
// per spec §6. A free (no-payment) admission has an empty paymentID and
// still gets a header so callers can distinguish "no payment needed" from a
// missing response.
func encodePaymentResponse(paymentID, txHash, network, mode string) string {
	body, _ := json.Marshal(x402.PaymentResponse{
		PaymentID:       paymentID,
		TransactionHash: txHash,
		Network:         network,
		Mode:            mode,
	})
	return base64.StdEncoding.EncodeToString(body)
}

func nullableInt(v int64) sql.NullInt64 {
	if v <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// SettleStandalone settles an X-PAYMENT header against a fixed required
// amount without binding the resulting ledger row to anything. The multipart
// deposit (spec §4.7 createUpload), the finalize top-up, and the legacy
// standalone payment endpoint all go through here; the caller links the
// returned paymentID to its upload id afterwards.
func (c *Controller) SettleStandalone(ctx context.Context, headerB64 string, amount *big.Int, mode ledger.Mode, resource, mimeType string) (paymentID, payer, txHash string, err error) {
	req := c.buildRequirements(amount, resource, mimeType)
	return c.settleAndRecord(ctx, headerB64, req, mode, 0)
}

// PaymentRequiredDoc builds the 402 X402PaymentRequiredResponse for a fixed
// amount, for endpoints that quote outside the signed/unsigned upload flows.
func (c *Controller) PaymentRequiredDoc(amount *big.Int, resource, mimeType, reason string) *x402.PaymentRequiredResponse {
	return paymentRequiredResponse(c.buildRequirements(amount, resource, mimeType), reason)
}
