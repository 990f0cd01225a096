// Package receipt implements C10: the detached signature returned to an
// uploader as proof of admission, per spec §4.10.
package receipt

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Version is the receipt schema version advertised in every response.
const Version = "0.2.0"

// Domain is the fixed first element of the deep-hash preimage.
const Domain = "Bundlr"

// Receipt is the signed admission proof returned to the caller.
type Receipt struct {
	ID                  string   `json:"id"`
	Timestamp           int64    `json:"timestamp"`
	Version             string   `json:"version"`
	DeadlineHeight      int64    `json:"deadlineHeight"`
	DataCaches          []string `json:"dataCaches"`
	FastFinalityIndexes []string `json:"fastFinalityIndexes"`
	Winc                string   `json:"winc"`
	Public              string   `json:"public"`
	Signature           string   `json:"signature"`
}

// Signer produces signed Receipts using the server's long-lived wallet key.
type Signer struct {
	key        *ecdsa.PrivateKey
	publicHex  string
	dataCaches []string
	ffIndexes  []string
}

// NewSigner builds a Signer over the server wallet key. dataCaches and
// fastFinalityIndexes are the static capability lists advertised on every
// receipt (deployment-specific, e.g. known gateway mirrors).
func NewSigner(key *ecdsa.PrivateKey, dataCaches, fastFinalityIndexes []string) *Signer {
	pub := crypto.FromECDSAPub(&key.PublicKey)
	return &Signer{
		key:        key,
		publicHex:  "0x" + encodeHex(pub),
		dataCaches: dataCaches,
		ffIndexes:  fastFinalityIndexes,
	}
}

// Sign builds and signs a Receipt for an admitted data item.
func (s *Signer) Sign(id string, deadlineHeight int64, wincAmount string, now time.Time) (*Receipt, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	timestamp := now.UnixMilli()

	digest := preimageDigest(id, deadlineHeight, timestamp)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		ID:                  id,
		Timestamp:           timestamp,
		Version:             Version,
		DeadlineHeight:      deadlineHeight,
		DataCaches:          s.dataCaches,
		FastFinalityIndexes: s.ffIndexes,
		Winc:                wincAmount,
		Public:              s.publicHex,
		Signature:           base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks a receipt's signature against the claimed public key,
// reproducing the same deep-hash preimage Sign used. Testable property 6
// (receipt round-trip) exercises this.
func Verify(r *Receipt) (bool, error) {
	digest := preimageDigest(r.ID, r.DeadlineHeight, r.Timestamp)

	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return false, err
	}
	pubBytes, err := decodeHex(r.Public[2:])
	if err != nil {
		return false, err
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return false, err
	}

	normalized := append([]byte(nil), sig...)
	if len(normalized) == 65 && normalized[64] >= 27 {
		normalized[64] -= 27
	}
	recoveredBytes, err := crypto.Ecrecover(digest, normalized)
	if err != nil {
		return false, err
	}
	recovered, err := crypto.UnmarshalPubkey(recoveredBytes)
	if err != nil {
		return false, err
	}
	return crypto.PubkeyToAddress(*pub) == crypto.PubkeyToAddress(*recovered), nil
}

// preimageDigest builds the deep-hash over (domain, version, id,
// deadlineHeight, timestamp) and reduces it to the 32-byte digest secp256k1
// signing requires.
func preimageDigest(id string, deadlineHeight, timestamp int64) []byte {
	deepHashed := deepHash([][]byte{
		[]byte(Domain),
		[]byte(Version),
		[]byte(id),
		[]byte(strconv.FormatInt(deadlineHeight, 10)),
		[]byte(strconv.FormatInt(timestamp, 10)),
	})
	return crypto.Keccak256(deepHashed[:])
}

// deepHash implements Arweave's recursive deep-hash construction over a list
// of byte-slice leaves: each leaf is tagged with its length before hashing,
// and the list itself is folded left-to-right, so the final digest commits
// to both the content and the shape of the tuple being signed.
func deepHash(items [][]byte) [48]byte {
	tag := []byte("list" + strconv.Itoa(len(items)))
	acc := sha512.Sum384(tag)

	for _, item := range items {
		leafHash := deepHashLeaf(item)
		combined := append(append([]byte(nil), acc[:]...), leafHash[:]...)
		acc = sha512.Sum384(combined)
	}
	return acc
}

func deepHashLeaf(data []byte) [48]byte {
	tag := []byte("blob" + strconv.Itoa(len(data)))
	tagHash := sha512.Sum384(tag)
	dataHash := sha512.Sum384(data)
	combined := append(append([]byte(nil), tagHash[:]...), dataHash[:]...)
	return sha512.Sum384(combined)
}

const hexDigits = "0123456789abcdef"

func encodeHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

func decodeHex(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := hexVal(s[i*2])
		lo := hexVal(s[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}
