package x402

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

// cdpClaims mirrors the JWT claims shape the teacher's facilitator-adjacent
// auth package builds (subject/issuer + a request-scoped URI claim), adapted
// for Coinbase's CDP bearer-token dialect.
type cdpClaims struct {
	jwt.RegisteredClaims
	URI string `json:"uri"`
}

// CDPClient implements the Coinbase CDP facilitator dialect: string-typed
// authorization timestamps and a short-lived ES256 JWT bearer derived from
// (apiKeyID, apiKeySecret) minted fresh per request.
type CDPClient struct {
	name       string
	baseURL    string
	apiKeyID   string
	privateKey *ecdsa.PrivateKey
	http       *http.Client
	now        func() time.Time
}

// NewCDPClient builds a CDP-dialect facilitator client. privateKey signs the
// per-request bearer JWT; it is distinct from the server's data-item wallet.
func NewCDPClient(name, baseURL, apiKeyID string, privateKey *ecdsa.PrivateKey) *CDPClient {
	return &CDPClient{
		name:       name,
		baseURL:    baseURL,
		apiKeyID:   apiKeyID,
		privateKey: privateKey,
		http:       &http.Client{},
		now:        time.Now,
	}
}

func (c *CDPClient) Name() string { return c.name }

func (c *CDPClient) bearer(method, uri string) (string, error) {
	now := c.now()
	claims := cdpClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.apiKeyID,
			Subject:   c.apiKeyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
		},
		URI: method + " " + uri,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.apiKeyID
	return token.SignedString(c.privateKey)
}

type cdpAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type cdpRequest struct {
	X402Version   int              `json:"x402Version"`
	Scheme        string           `json:"scheme"`
	Network       string           `json:"network"`
	Signature     string           `json:"signature"`
	Authorization cdpAuthorization `json:"authorization"`
	Requirements  restRequirement  `json:"paymentRequirements"`
}

type cdpResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Payer         string `json:"payer"`
	Transaction   string `json:"transaction"`
	Network       string `json:"network"`
	Success       bool   `json:"success"`
}

func (c *CDPClient) do(ctx context.Context, path string, headerB64 string, req Requirements, out *cdpResponse) error {
	header, err := Decode(headerB64)
	if err != nil {
		return err
	}
	body := cdpRequest{
		X402Version: header.X402Version,
		Scheme:      header.Scheme,
		Network:     header.Network,
		Signature:   header.Payload.Signature,
		Authorization: cdpAuthorization{
			From:        header.Payload.Authorization.From,
			To:          header.Payload.Authorization.To,
			Value:       header.Payload.Authorization.Value,
			ValidAfter:  strconv.FormatInt(header.Payload.Authorization.ValidAfter, 10),
			ValidBefore: strconv.FormatInt(header.Payload.Authorization.ValidBefore, 10),
			Nonce:       header.Payload.Authorization.Nonce,
		},
		Requirements: toRESTRequirement(req),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	bearer, err := c.bearer(http.MethodPost, path)
	if err != nil {
		return fmt.Errorf("minting CDP bearer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cdp facilitator returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func (c *CDPClient) Verify(ctx context.Context, headerB64 string, req Requirements) (*VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, VerifyTimeout)
	defer cancel()
	var resp cdpResponse
	if err := c.do(ctx, "/verify", headerB64, req, &resp); err != nil {
		return nil, err
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = "cdp facilitator rejected payload"
		}
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, reason)
	}
	return &VerifyResult{Payer: resp.Payer}, nil
}

func (c *CDPClient) Settle(ctx context.Context, headerB64 string, req Requirements) (*SettleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, SettleTimeout)
	defer cancel()
	var resp cdpResponse
	if err := c.do(ctx, "/settle", headerB64, req, &resp); err != nil {
		return nil, err
	}
	if resp.Transaction == "" {
		return nil, bundlererr.New(bundlererr.KindPaymentSettlementFailed, "cdp facilitator settlement returned no transaction hash")
	}
	return &SettleResult{TransactionHash: resp.Transaction, Network: resp.Network}, nil
}
