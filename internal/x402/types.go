// Package x402 implements payment-header decoding, EIP-712/EIP-3009
// signature verification, and facilitator-based settlement for the x402
// "exact" scheme over USDC transferWithAuthorization.
package x402

import "math/big"

// Requirements is the server-computed X402PaymentRequirements entry the
// verifier checks an incoming payload against.
type Requirements struct {
	Scheme            string
	Network           string
	MaxAmountRequired *big.Int
	Resource          string
	Description       string
	MimeType          string
	PayTo             string
	MaxTimeoutSeconds int64
	Asset             string
	ExtraName         string
	ExtraVersion      string
	ChainID           *big.Int
}

// PaymentRequiredResponse is the 402 body returned when payment is missing
// or a quote is needed.
type PaymentRequiredResponse struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentAccept      `json:"accepts"`
	Error       string               `json:"error,omitempty"`
}

// PaymentAccept is one entry of the `accepts` array in a 402 response.
type PaymentAccept struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int64             `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra"`
}

// PaymentHeader is the decoded X-PAYMENT request header.
type PaymentHeader struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     PaymentBody   `json:"payload"`
}

// PaymentBody carries the signature and the EIP-3009 authorization struct.
type PaymentBody struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization is the EIP-3009 TransferWithAuthorization struct, wire-typed
// as strings per spec §4.3 (the facilitator client normalizes validAfter/
// validBefore to strings before hand-off).
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// VerifyResult is returned by a successful local or facilitator verification.
type VerifyResult struct {
	Payer string
}

// SettleResult is returned by a successful facilitator settlement.
type SettleResult struct {
	TransactionHash string
	Network         string
}

// PaymentResponse is the decoded X-Payment-Response header value returned to
// the client on a successful admission.
type PaymentResponse struct {
	PaymentID       string `json:"paymentId"`
	TransactionHash string `json:"transactionHash"`
	Network         string `json:"network"`
	Mode            string `json:"mode"`
}
