package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func signedHeader(t *testing.T, req Requirements, value *big.Int, validBefore int64) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	auth := Authorization{
		From:        from.Hex(),
		To:          req.PayTo,
		Value:       value.String(),
		ValidAfter:  0,
		ValidBefore: validBefore,
		Nonce:       "0x" + "11223344556677889900112233445566778899001122334455667788990011",
	}

	digest, err := digestFor(req, auth)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sig[64] += 27

	header := PaymentHeader{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentBody{
			Signature:     "0x" + common.Bytes2Hex(sig),
			Authorization: auth,
		},
	}
	raw, err := json.Marshal(header)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw), from
}

func testRequirements() Requirements {
	return Requirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: big.NewInt(1_000_000),
		PayTo:             "0x00000000000000000000000000000000000001",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		ExtraName:         "USD Coin",
		ExtraVersion:      "2",
		ChainID:           big.NewInt(84532),
	}
}

func TestVerifier_Verify_Success(t *testing.T) {
	req := testRequirements()
	headerB64, from := signedHeader(t, req, req.MaxAmountRequired, time.Now().Add(time.Hour).Unix())

	v := NewVerifier(nil, nil)
	result, err := v.Verify(context.Background(), headerB64, req)
	require.NoError(t, err)
	require.Equal(t, from.Hex(), result.Payer)
}

func TestVerifier_Verify_AmountTooLow(t *testing.T) {
	req := testRequirements()
	low := new(big.Int).Sub(req.MaxAmountRequired, big.NewInt(1))
	headerB64, _ := signedHeader(t, req, low, time.Now().Add(time.Hour).Unix())

	v := NewVerifier(nil, nil)
	_, err := v.Verify(context.Background(), headerB64, req)
	require.Error(t, err)
}

func TestVerifier_Verify_Expired(t *testing.T) {
	req := testRequirements()
	headerB64, _ := signedHeader(t, req, req.MaxAmountRequired, time.Now().Add(-time.Hour).Unix())

	v := NewVerifier(nil, nil)
	_, err := v.Verify(context.Background(), headerB64, req)
	require.Error(t, err)
}

func TestVerifier_Verify_PayToMismatch(t *testing.T) {
	req := testRequirements()
	headerB64, _ := signedHeader(t, req, req.MaxAmountRequired, time.Now().Add(time.Hour).Unix())

	other := req
	other.PayTo = "0x00000000000000000000000000000000000099"
	v := NewVerifier(nil, nil)
	_, err := v.Verify(context.Background(), headerB64, other)
	require.Error(t, err)
}

func TestDispatcher_Settle_Fallback(t *testing.T) {
	primary := &stubClient{name: "primary", settleErr: errFakeSettle}
	secondary := &stubClient{name: "secondary", settleRes: &SettleResult{TransactionHash: "0xabc", Network: "base-sepolia"}}

	d := NewDispatcher(primary, secondary)
	result, err := d.Settle(context.Background(), "", testRequirements())
	require.NoError(t, err)
	require.Equal(t, "0xabc", result.TransactionHash)
}

func TestDispatcher_Settle_AllFail(t *testing.T) {
	primary := &stubClient{name: "primary", settleErr: errFakeSettle}
	secondary := &stubClient{name: "secondary", settleErr: errFakeSettle}

	d := NewDispatcher(primary, secondary)
	_, err := d.Settle(context.Background(), "", testRequirements())
	require.Error(t, err)
}

var errFakeSettle = errors.New("settlement unavailable")

type stubClient struct {
	name      string
	verifyRes *VerifyResult
	verifyErr error
	settleRes *SettleResult
	settleErr error
}

func (s *stubClient) Name() string { return s.name }
func (s *stubClient) Verify(ctx context.Context, headerB64 string, req Requirements) (*VerifyResult, error) {
	return s.verifyRes, s.verifyErr
}
func (s *stubClient) Settle(ctx context.Context, headerB64 string, req Requirements) (*SettleResult, error) {
	return s.settleRes, s.settleErr
}
