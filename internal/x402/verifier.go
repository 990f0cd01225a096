package x402

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

// Pre-computed EIP-712 type hashes, constant across every verification.
var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	authTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// ERC1271Checker calls isValidSignature(bytes32,bytes) on a smart-contract
// wallet when EOA recovery does not match the claimed signer. It is an
// optional collaborator; a nil checker simply skips the fallback.
type ERC1271Checker interface {
	IsValidSignature(ctx context.Context, wallet common.Address, digest common.Hash, sig []byte) (bool, error)
}

// Verifier decodes and validates an X-PAYMENT header against computed
// requirements, per spec §4.2.
type Verifier struct {
	contractChecker ERC1271Checker
	facilitators    *Dispatcher
	now             func() time.Time
}

// NewVerifier constructs a Verifier. facilitators may be nil to perform only
// local EIP-712 verification (no re-verify round trip).
func NewVerifier(contractChecker ERC1271Checker, facilitators *Dispatcher) *Verifier {
	return &Verifier{contractChecker: contractChecker, facilitators: facilitators, now: time.Now}
}

// Decode base64-decodes and unmarshals the X-PAYMENT header value.
func Decode(headerB64 string) (*PaymentHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, fmt.Sprintf("invalid base64 payment header: %v", err))
	}
	var header PaymentHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, fmt.Sprintf("invalid payment header json: %v", err))
	}
	return &header, nil
}

// Verify implements the full contract from spec §4.2: field checks, EIP-712
// signature recovery, and (when configured) facilitator re-verification.
func (v *Verifier) Verify(ctx context.Context, headerB64 string, req Requirements) (*VerifyResult, error) {
	header, err := Decode(headerB64)
	if err != nil {
		return nil, err
	}

	if header.X402Version != 1 {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "unsupported x402Version")
	}
	if header.Scheme != req.Scheme {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "scheme mismatch")
	}
	if header.Network != req.Network {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "network mismatch")
	}

	auth := header.Payload.Authorization
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "invalid authorization value")
	}
	if value.Cmp(req.MaxAmountRequired) < 0 {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "authorized amount below required amount")
	}
	if !strings.EqualFold(auth.To, req.PayTo) {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "payTo mismatch")
	}

	now := v.now()
	nowUnix := now.Unix()
	if auth.ValidBefore < nowUnix+req.MaxTimeoutSeconds {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "validBefore does not satisfy maxTimeoutSeconds")
	}
	if auth.ValidBefore*1000 <= now.UnixMilli() {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "authorization expired")
	}

	digest, err := digestFor(req, auth)
	if err != nil {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, err.Error())
	}

	sigHex := strings.TrimPrefix(header.Payload.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "invalid signature encoding")
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	expected := common.HexToAddress(auth.From)
	recovered, recoverErr := recoverSigner(digest, normalized)
	validEOA := recoverErr == nil && recovered == expected
	if !validEOA {
		if v.contractChecker == nil {
			return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "signature does not recover to authorization.from")
		}
		ok, err := v.contractChecker.IsValidSignature(ctx, expected, digest, sig)
		if err != nil || !ok {
			return nil, bundlererr.New(bundlererr.KindPaymentInvalid, "ERC-1271 signature validation failed")
		}
	}

	result := &VerifyResult{Payer: auth.From}

	if v.facilitators != nil && v.facilitators.Len() > 0 {
		remoteResult, err := v.facilitators.Verify(ctx, headerB64, req)
		if err != nil {
			return nil, err
		}
		result = remoteResult
	}

	return result, nil
}

func digestFor(req Requirements, auth Authorization) (common.Hash, error) {
	nonceHex := strings.TrimPrefix(auth.Nonce, "0x")
	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid nonce: %w", err)
	}
	var nonce [32]byte
	if len(nonceBytes) > 32 {
		return common.Hash{}, fmt.Errorf("nonce too long")
	}
	copy(nonce[32-len(nonceBytes):], nonceBytes)

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return common.Hash{}, fmt.Errorf("invalid authorization value")
	}

	ds := domainSeparator(req.ExtraName, req.ExtraVersion, req.ChainID, common.HexToAddress(req.Asset))
	ah := authHash(
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonce,
	)
	return crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(ds.Bytes(), ah.Bytes()...)...)), nil
}

func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	pubBytes, err := crypto.Ecrecover(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func domainSeparator(name, version string, chainID *big.Int, contract common.Address) common.Hash {
	enc := make([]byte, 5*32)
	copy(enc[0:32], domainTypeHash.Bytes())
	copy(enc[32:64], crypto.Keccak256([]byte(name)))
	copy(enc[64:96], crypto.Keccak256([]byte(version)))
	copy(enc[96:128], pad32(chainID))
	copy(enc[128:160], addrPad(contract))
	return crypto.Keccak256Hash(enc)
}

func authHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	enc := make([]byte, 7*32)
	copy(enc[0:32], authTypeHash.Bytes())
	copy(enc[32:64], addrPad(from))
	copy(enc[64:96], addrPad(to))
	copy(enc[96:128], pad32(value))
	copy(enc[128:160], pad32(validAfter))
	copy(enc[160:192], pad32(validBefore))
	copy(enc[192:224], nonce[:])
	return crypto.Keccak256Hash(enc)
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func addrPad(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}
