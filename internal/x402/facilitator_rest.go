package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

// RESTClient implements the community x402 REST dialect: POST
// {x402Version, paymentPayload, paymentRequirements} to /verify and /settle.
type RESTClient struct {
	name    string
	baseURL string
	http    *http.Client
}

// NewRESTClient builds a community-dialect facilitator client.
func NewRESTClient(name, baseURL string) *RESTClient {
	return &RESTClient{name: name, baseURL: baseURL, http: &http.Client{}}
}

func (c *RESTClient) Name() string { return c.name }

type restVerifyRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements restRequirement `json:"paymentRequirements"`
}

type restRequirement struct {
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

type restVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Payer         string `json:"payer"`
}

type restSettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	ErrorReason string `json:"errorReason"`
}

func toRESTRequirement(req Requirements) restRequirement {
	return restRequirement{
		Scheme:            req.Scheme,
		Network:           req.Network,
		MaxAmountRequired: req.MaxAmountRequired.String(),
		Resource:          req.Resource,
		Description:       req.Description,
		MimeType:          req.MimeType,
		PayTo:             req.PayTo,
		MaxTimeoutSeconds: req.MaxTimeoutSeconds,
		Asset:             req.Asset,
		Extra:             map[string]string{"name": req.ExtraName, "version": req.ExtraVersion},
	}
}

func (c *RESTClient) post(ctx context.Context, path string, headerB64 string, req Requirements, out interface{}) error {
	payloadJSON, err := decodedPayloadJSON(headerB64)
	if err != nil {
		return err
	}
	body := restVerifyRequest{
		X402Version:         1,
		PaymentPayload:      payloadJSON,
		PaymentRequirements: toRESTRequirement(req),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator returned status %s: %s", strconv.Itoa(resp.StatusCode), string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *RESTClient) Verify(ctx context.Context, headerB64 string, req Requirements) (*VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, VerifyTimeout)
	defer cancel()
	var resp restVerifyResponse
	if err := c.post(ctx, "/verify", headerB64, req, &resp); err != nil {
		return nil, err
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = "facilitator rejected payload"
		}
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, reason)
	}
	return &VerifyResult{Payer: resp.Payer}, nil
}

func (c *RESTClient) Settle(ctx context.Context, headerB64 string, req Requirements) (*SettleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, SettleTimeout)
	defer cancel()
	var resp restSettleResponse
	if err := c.post(ctx, "/settle", headerB64, req, &resp); err != nil {
		return nil, err
	}
	// A returned transaction hash IS success; dialects differ on whether
	// they send an explicit success flag, so only its absence (or an
	// explicit error reason) is failure.
	if resp.Transaction == "" {
		reason := resp.ErrorReason
		if reason == "" {
			reason = "facilitator settlement returned no transaction hash"
		}
		return nil, bundlererr.New(bundlererr.KindPaymentSettlementFailed, reason)
	}
	return &SettleResult{TransactionHash: resp.Transaction, Network: resp.Network}, nil
}

// decodedPayloadJSON re-encodes the client's payment header for the
// facilitator, normalizing validAfter/validBefore to strings on the way.
func decodedPayloadJSON(headerB64 string) (json.RawMessage, error) {
	header, err := Decode(headerB64)
	if err != nil {
		return nil, err
	}
	auth := header.Payload.Authorization
	normalized := map[string]interface{}{
		"x402Version": header.X402Version,
		"scheme":      header.Scheme,
		"network":     header.Network,
		"payload": map[string]interface{}{
			"signature": header.Payload.Signature,
			"authorization": map[string]string{
				"from":        auth.From,
				"to":          auth.To,
				"value":       auth.Value,
				"validAfter":  strconv.FormatInt(auth.ValidAfter, 10),
				"validBefore": strconv.FormatInt(auth.ValidBefore, 10),
				"nonce":       auth.Nonce,
			},
		},
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
