package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

func testHeader(t *testing.T) string {
	t.Helper()
	header := PaymentHeader{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: PaymentBody{
			Signature: "0xdeadbeef",
			Authorization: Authorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "5000",
				ValidBefore: 1<<40 - 1,
				Nonce:       "0x00",
			},
		},
	}
	raw, err := json.Marshal(header)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func testFacilitatorRequirements() Requirements {
	return Requirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: big.NewInt(5000),
		PayTo:             "0x2222222222222222222222222222222222222222",
		Asset:             "0x3333333333333333333333333333333333333333",
		ExtraName:         "USD Coin",
		ExtraVersion:      "2",
		ChainID:           big.NewInt(84532),
		MaxTimeoutSeconds: 3600,
	}
}

func TestDispatcherSettleFallsBackToNextFacilitator(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer broken.Close()

	var settleCalls int
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/settle", r.URL.Path)
		var req restVerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// The hand-off payload must carry string-typed timestamps.
		var payload struct {
			Payload struct {
				Authorization map[string]string `json:"authorization"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(req.PaymentPayload, &payload))
		require.Equal(t, "1099511627775", payload.Payload.Authorization["validBefore"])

		settleCalls++
		// No explicit success flag, matching facilitators that only return
		// the broadcast transaction hash.
		_, _ = w.Write([]byte(`{"transaction": "0xabc", "network": "base-sepolia"}`))
	}))
	defer working.Close()

	d := NewDispatcher(NewRESTClient("broken", broken.URL), NewRESTClient("working", working.URL))
	result, err := d.Settle(context.Background(), testHeader(t), testFacilitatorRequirements())
	require.NoError(t, err)
	require.Equal(t, "0xabc", result.TransactionHash)
	require.Equal(t, "base-sepolia", result.Network)
	require.Equal(t, 1, settleCalls)
}

func TestDispatcherSettleMissingTransactionHashIsFailure(t *testing.T) {
	noHash := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(restSettleResponse{Success: true, Network: "base-sepolia"})
	}))
	defer noHash.Close()

	d := NewDispatcher(NewRESTClient("no-hash", noHash.URL))
	_, err := d.Settle(context.Background(), testHeader(t), testFacilitatorRequirements())
	require.Error(t, err)
	kind, ok := bundlererr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bundlererr.KindPaymentSettlementFailed, kind)
}

func TestDispatcherSettleAggregatesEveryReason(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "first down", http.StatusBadGateway)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(restSettleResponse{Success: false, ErrorReason: "nonce already used"})
	}))
	defer second.Close()

	d := NewDispatcher(NewRESTClient("first", first.URL), NewRESTClient("second", second.URL))
	_, err := d.Settle(context.Background(), testHeader(t), testFacilitatorRequirements())
	require.Error(t, err)
	require.Contains(t, err.Error(), "first down")
	require.Contains(t, err.Error(), "nonce already used")
}

func TestDispatcherVerifyFallsBack(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(restVerifyResponse{IsValid: false, InvalidReason: "stale"})
	}))
	defer rejecting.Close()
	accepting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		_ = json.NewEncoder(w).Encode(restVerifyResponse{IsValid: true, Payer: "0x1111111111111111111111111111111111111111"})
	}))
	defer accepting.Close()

	d := NewDispatcher(NewRESTClient("rejecting", rejecting.URL), NewRESTClient("accepting", accepting.URL))
	result, err := d.Verify(context.Background(), testHeader(t), testFacilitatorRequirements())
	require.NoError(t, err)
	require.Equal(t, "0x1111111111111111111111111111111111111111", result.Payer)
}
