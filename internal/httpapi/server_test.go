package httpapi

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/admission"
	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/multipart"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/pipeline"
	"github.com/ar-io/x402-bundler/internal/pricing"
	"github.com/ar-io/x402-bundler/internal/queue"
	"github.com/ar-io/x402-bundler/internal/receipt"
	"github.com/ar-io/x402-bundler/internal/sqlstore"
	"github.com/ar-io/x402-bundler/internal/x402"
)

const (
	testNetwork = "base-sepolia"
	testPayTo   = "0x2222222222222222222222222222222222222222"
	testAsset   = "0x3333333333333333333333333333333333333333"
	testChainID = 84532
)

type testHarness struct {
	server *httptest.Server
	db     *sqlstore.Store
	ledger *ledger.Ledger
	quoter *pricing.Quoter
}

// stubFacilitator verifies everything and settles with a transaction hash
// derived from the payment signature, so replaying an identical header
// lands on the same txHash the way a real facilitator's on-chain
// idempotency would.
func stubFacilitator(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PaymentPayload struct {
				Payload struct {
					Signature     string `json:"signature"`
					Authorization struct {
						From string `json:"from"`
					} `json:"authorization"`
				} `json:"payload"`
			} `json:"paymentPayload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch r.URL.Path {
		case "/verify":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"isValid": true,
				"payer":   req.PaymentPayload.Payload.Authorization.From,
			})
		case "/settle":
			sum := sha256.Sum256([]byte(req.PaymentPayload.Payload.Signature))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success":     true,
				"transaction": "0x" + hex.EncodeToString(sum[:]),
				"network":     testNetwork,
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	objects, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	facilitator := stubFacilitator(t)
	t.Cleanup(facilitator.Close)
	dispatcher := x402.NewDispatcher(x402.NewRESTClient("stub", facilitator.URL))
	verifier := x402.NewVerifier(nil, dispatcher)

	oracle := pricing.NewOracle(time.Hour, 1, 1)
	oracle.Update("winc-usd", "test-feed", 1e-9, time.Now().UTC())
	quoter := pricing.NewQuoter(oracle, "winc-usd", pricing.DefaultCurve())

	walletKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	assembler := dataitem.NewAssembler(walletKey)
	receipts := receipt.NewSigner(walletKey, []string{"arweave.net"}, nil)

	ldg := ledger.New(db.DB)
	q := queue.New(db.DB)

	admCfg := admission.Config{
		FreeUploadLimitBytes: 524800,
		FreeTierEnabled:      true,
		BundlerName:          "x402-bundler",
		Network:              testNetwork,
		Scheme:               "exact",
		PayToAddress:         testPayTo,
		AssetAddress:         testAsset,
		AssetName:            "USD Coin",
		AssetVersion:         "2",
		ChainID:              big.NewInt(testChainID),
		MaxTimeoutSeconds:    3600,
	}
	adm := admission.New(db.DB, ldg, objects, verifier, dispatcher, quoter, assembler, q, receipts, nil, admCfg)

	mp := multipart.New(db.DB, multipart.NewStore(db.DB), ldg, objects, quoter, q, assembler, multipart.Config{
		TTL:             time.Hour,
		MaxPerAddress:   5,
		FraudTolerance:  0.1,
		RefundThreshold: 0.2,
		BundlerName:     "x402-bundler",
		Network:         testNetwork,
	})

	srv := NewServer(adm, mp, pipeline.NewStore(db.DB), ldg, quoter, receipts, NewAuditStore(db.DB), Config{
		BundlerName:          "x402-bundler",
		Network:              testNetwork,
		FreeUploadLimitBytes: 524800,
		AllowedTokens:        []string{"usdc-base-sepolia", "usdc-base"},
		ChunkSizeBytes:       10 << 20,
	}, nil)

	ts := httptest.NewServer(srv.Router(CORSConfig{}, NewRateLimiter(RateLimitConfig{})))
	t.Cleanup(ts.Close)
	return &testHarness{server: ts, db: db, ledger: ldg, quoter: quoter}
}

// buildSignedItem encodes a client-signed data item in the streaming header
// layout AdmitSigned parses, followed by payloadLen payload bytes.
func buildSignedItem(t *testing.T, payloadLen int) (body []byte, id string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, payloadLen)
	sig, err := crypto.Sign(crypto.Keccak256(payload), key)
	require.NoError(t, err)
	owner := crypto.FromECDSAPub(&key.PublicKey)

	var buf bytes.Buffer
	le16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf.Write(b[:])
	}
	le32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	le16(uint16(dataitem.SignatureEthereum))
	le16(uint16(len(sig)))
	buf.Write(sig)
	le16(uint16(len(owner)))
	buf.Write(owner)
	le32(1)
	for _, field := range []string{"App-Name", "MyApp"} {
		le32(uint32(len(field)))
		buf.WriteString(field)
	}
	buf.Write(payload)
	return buf.Bytes(), dataitem.IDFromSignature(sig)
}

func pad32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func padAddress(hexAddr string) []byte {
	padded := make([]byte, 32)
	raw, _ := hex.DecodeString(hexAddr[2:])
	copy(padded[32-len(raw):], raw)
	return padded
}

// signPaymentHeader produces a valid X-PAYMENT value: an EIP-712
// TransferWithAuthorization signature over the harness's payment profile.
func signPaymentHeader(t *testing.T, key *ecdsa.PrivateKey, value *big.Int, validBefore int64, nonce string) string {
	t.Helper()
	from := crypto.PubkeyToAddress(key.PublicKey)

	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	authTypeHash := crypto.Keccak256([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))

	var domainEnc bytes.Buffer
	domainEnc.Write(domainTypeHash)
	domainEnc.Write(crypto.Keccak256([]byte("USD Coin")))
	domainEnc.Write(crypto.Keccak256([]byte("2")))
	domainEnc.Write(pad32Bytes(big.NewInt(testChainID)))
	domainEnc.Write(padAddress(testAsset))
	ds := crypto.Keccak256(domainEnc.Bytes())

	nonceBytes, err := hex.DecodeString(nonce[2:])
	require.NoError(t, err)
	var nonce32 [32]byte
	copy(nonce32[32-len(nonceBytes):], nonceBytes)

	var structEnc bytes.Buffer
	structEnc.Write(authTypeHash)
	structEnc.Write(padAddress(from.Hex()))
	structEnc.Write(padAddress(testPayTo))
	structEnc.Write(pad32Bytes(value))
	structEnc.Write(pad32Bytes(big.NewInt(0)))
	structEnc.Write(pad32Bytes(big.NewInt(validBefore)))
	structEnc.Write(nonce32[:])
	structHash := crypto.Keccak256(structEnc.Bytes())

	preimage := append([]byte{0x19, 0x01}, append(ds, structHash...)...)
	digest := crypto.Keccak256(preimage)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27

	header := x402.PaymentHeader{
		X402Version: 1,
		Scheme:      "exact",
		Network:     testNetwork,
		Payload: x402.PaymentBody{
			Signature: "0x" + hex.EncodeToString(sig),
			Authorization: x402.Authorization{
				From:        from.Hex(),
				To:          testPayTo,
				Value:       value.String(),
				ValidAfter:  0,
				ValidBefore: validBefore,
				Nonce:       nonce,
			},
		},
	}
	raw, err := json.Marshal(header)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func (h *testHarness) paymentRowCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.DB.QueryRow(`SELECT COUNT(*) FROM payment_records`).Scan(&n))
	return n
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestInfoDocument(t *testing.T) {
	h := newTestHarness(t)
	for _, path := range []string{"/info", "/v1/info", "/"} {
		resp, err := http.Get(h.server.URL + path)
		require.NoError(t, err)
		var info struct {
			Version              string `json:"version"`
			FreeUploadLimitBytes int64  `json:"freeUploadLimitBytes"`
		}
		decodeJSON(t, resp, &info)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, receipt.Version, info.Version)
		require.Equal(t, int64(524800), info.FreeUploadLimitBytes)
	}
}

func TestFreeSmallSignedUpload(t *testing.T) {
	h := newTestHarness(t)
	body, wantID := buildSignedItem(t, 1024)

	resp, err := http.Post(h.server.URL+"/x402/upload/signed", "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	var out struct {
		receipt.Receipt
		Payer string `json:"payer"`
	}
	decodeJSON(t, resp, &out)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, wantID, out.ID)
	require.Empty(t, out.Payer)

	ok, err := receipt.Verify(&out.Receipt)
	require.NoError(t, err)
	require.True(t, ok)

	require.Zero(t, h.paymentRowCount(t))
}

func TestPaidRawUploadQuoteThenSettle(t *testing.T) {
	h := newTestHarness(t)
	payload := bytes.Repeat([]byte{0x01}, 2_087_856)

	post := func(paymentHeader string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, h.server.URL+"/x402/upload/unsigned", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "image/png")
		req.Header.Set("X-Tag-App-Name", "MyApp")
		if paymentHeader != "" {
			req.Header.Set("X-PAYMENT", paymentHeader)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("")
	var required struct {
		Accepts []struct {
			MaxAmountRequired string `json:"maxAmountRequired"`
			PayTo             string `json:"payTo"`
		} `json:"accepts"`
	}
	decodeJSON(t, resp, &required)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Len(t, required.Accepts, 1)
	require.Equal(t, testPayTo, required.Accepts[0].PayTo)

	quote, err := h.quoter.QuoteUSDCForBytes(int64(len(payload)), 1)
	require.NoError(t, err)
	require.Equal(t, quote.String(), required.Accepts[0].MaxAmountRequired)

	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	amount, ok := new(big.Int).SetString(required.Accepts[0].MaxAmountRequired, 10)
	require.True(t, ok)
	header := signPaymentHeader(t, payerKey, amount, time.Now().Unix()+7200, "0x0101")

	resp = post(header)
	var out struct {
		receipt.Receipt
		Payer string `json:"payer"`
	}
	paymentResponse := resp.Header.Get("X-Payment-Response")
	decodeJSON(t, resp, &out)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, crypto.PubkeyToAddress(payerKey.PublicKey).Hex(), out.Payer)
	require.NotEmpty(t, paymentResponse)

	decoded, err := base64.StdEncoding.DecodeString(paymentResponse)
	require.NoError(t, err)
	var pr x402.PaymentResponse
	require.NoError(t, json.Unmarshal(decoded, &pr))
	require.NotEmpty(t, pr.PaymentID)
	require.NotEmpty(t, pr.TransactionHash)
	require.Equal(t, 1, h.paymentRowCount(t))
}

func TestPaidSignedUploadReplayIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	body, wantID := buildSignedItem(t, 600_000) // above the free tier

	post := func(paymentHeader string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, h.server.URL+"/x402/upload/signed", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/octet-stream")
		if paymentHeader != "" {
			req.Header.Set("X-PAYMENT", paymentHeader)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("")
	var required struct {
		Accepts []struct {
			MaxAmountRequired string `json:"maxAmountRequired"`
		} `json:"accepts"`
	}
	decodeJSON(t, resp, &required)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	amount, ok := new(big.Int).SetString(required.Accepts[0].MaxAmountRequired, 10)
	require.True(t, ok)
	header := signPaymentHeader(t, payerKey, amount, time.Now().Unix()+7200, "0x0202")

	var ids, paymentIDs []string
	for i := 0; i < 2; i++ {
		resp := post(header)
		paymentResponse := resp.Header.Get("X-Payment-Response")
		var out struct {
			receipt.Receipt
		}
		decodeJSON(t, resp, &out)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		decoded, err := base64.StdEncoding.DecodeString(paymentResponse)
		require.NoError(t, err)
		var pr x402.PaymentResponse
		require.NoError(t, json.Unmarshal(decoded, &pr))

		ids = append(ids, out.ID)
		paymentIDs = append(paymentIDs, pr.PaymentID)
	}

	require.Equal(t, wantID, ids[0])
	require.Equal(t, ids[0], ids[1])
	require.Equal(t, paymentIDs[0], paymentIDs[1])
	require.Equal(t, 1, h.paymentRowCount(t))

	var itemCount int
	require.NoError(t, h.db.DB.QueryRow(`SELECT COUNT(*) FROM data_items`).Scan(&itemCount))
	require.Equal(t, 1, itemCount)
}

func TestLegacyTxRejectsShortBody(t *testing.T) {
	h := newTestHarness(t)
	resp, err := http.Post(h.server.URL+"/tx", "application/octet-stream", bytes.NewReader([]byte{0x01}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLegacyTxSniffsSignedItem(t *testing.T) {
	h := newTestHarness(t)
	body, wantID := buildSignedItem(t, 2048)

	resp, err := http.Post(h.server.URL+"/tx/usdc-base-sepolia", "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	var out struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, wantID, out.ID)
}

func TestPriceEndpointValidatesToken(t *testing.T) {
	h := newTestHarness(t)

	resp, err := http.Get(h.server.URL + "/price/x402/data/usdc-base-sepolia/1000")
	require.NoError(t, err)
	var price struct {
		USDCAtomic string `json:"usdcAtomic"`
	}
	decodeJSON(t, resp, &price)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	quote, err := h.quoter.QuoteUSDCForBytes(1000, 4)
	require.NoError(t, err)
	require.Equal(t, quote.String(), price.USDCAtomic)

	resp, err = http.Get(h.server.URL + "/price/x402/data/doge-mainnet/1000")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChunksCreateRequiresDeposit(t *testing.T) {
	h := newTestHarness(t)

	resp, err := http.Get(h.server.URL + "/chunks/usdc-base-sepolia/-1/-1")
	require.NoError(t, err)
	var required struct {
		Accepts []struct {
			MaxAmountRequired string `json:"maxAmountRequired"`
		} `json:"accepts"`
	}
	decodeJSON(t, resp, &required)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, h.quoter.DepositQuote().String(), required.Accepts[0].MaxAmountRequired)

	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	header := signPaymentHeader(t, payerKey, h.quoter.DepositQuote(), time.Now().Unix()+7200, "0x0303")

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/chunks/usdc-base-sepolia/-1/-1", nil)
	require.NoError(t, err)
	req.Header.Set("X-PAYMENT", header)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		ID        string `json:"id"`
		ChunkSize int64  `json:"chunkSize"`
	}
	decodeJSON(t, resp, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.ID)
	require.Equal(t, int64(10<<20), created.ChunkSize)

	resp, err = http.Get(h.server.URL + "/chunks/usdc-base-sepolia/" + created.ID + "/-1")
	require.NoError(t, err)
	var status struct {
		State string `json:"state"`
	}
	decodeJSON(t, resp, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "in_flight", status.State)
}

func TestTxStatusUnknownItem(t *testing.T) {
	h := newTestHarness(t)
	resp, err := http.Get(h.server.URL + "/tx/does-not-exist/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
