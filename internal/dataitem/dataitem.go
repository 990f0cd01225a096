// Package dataitem implements C5: assembling the canonical tag set for an
// admitted upload and, for server-signed (unsigned-upload) requests,
// constructing and signing the data item on the caller's behalf.
//
// Concrete ANS-104 wire encoding is an abstract out-of-scope capability per
// spec §1; this package implements the minimal deterministic binary layout
// the spec's invariants actually depend on (a stable signing preimage and a
// content-addressed id derived from the signature), modeled on the teacher's
// own ECDSA signing shape in crypto/keys.go rather than on any third-party
// ANS-104 codec (none appears anywhere in the retrieval pack).
package dataitem

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureType enumerates the supported ANS-104 signature schemes, per
// spec §3.
type SignatureType uint16

const (
	SignatureArweave       SignatureType = 1
	SignatureEd25519       SignatureType = 2
	SignatureEthereum      SignatureType = 3
	SignatureSolana        SignatureType = 4
	SignatureInjectedAptos SignatureType = 5
	SignatureMultiAptos    SignatureType = 6
	SignatureTypedEthereum SignatureType = 7
	SignatureKyve          SignatureType = 101
)

// KnownSignatureTypes is used by the admission controller's `/tx` auto-detect
// to decide whether the two-byte prefix of an incoming body looks like a
// signed ANS-104 data item.
var KnownSignatureTypes = map[SignatureType]bool{
	SignatureArweave:       true,
	SignatureEd25519:       true,
	SignatureEthereum:      true,
	SignatureSolana:        true,
	SignatureInjectedAptos: true,
	SignatureMultiAptos:    true,
	SignatureTypedEthereum: true,
	SignatureKyve:          true,
}

// MinimumHeaderBytes is the smallest possible ANS-104 header in the layout
// ParseHeader reads: signature type (2), signature length (2), owner length
// (2) and tag count (4), with an empty signature and owner. Bodies shorter
// than this are rejected by the legacy `/tx` auto-detect before any
// signature-type sniffing is attempted, per spec §9 design note (iv).
const MinimumHeaderBytes = 10

// Tag is a single ANS-104 key/value tag.
type Tag struct {
	Name  string
	Value string
}

// SystemTagNames are reserved; callers may not set these directly.
var SystemTagNames = map[string]bool{
	"Bundler":          true,
	"Upload-Type":      true,
	"Payer-Address":    true,
	"X402-TX-Hash":     true,
	"X402-Payment-ID":  true,
	"X402-Network":     true,
	"Upload-Timestamp": true,
}

// BuildTagsInput carries everything needed to assemble the canonical tag set
// per spec §4.5.
type BuildTagsInput struct {
	ContentType  string
	CallerTags   []Tag
	BundlerName  string
	UploadType   string // "raw-data-x402", "free", "allowlisted"
	PayerAddress string
	TxHash       string
	PaymentID    string
	Network      string
	Now          time.Time
}

// BuildTags assembles tags in the canonical order required by spec §4.5:
// optional Content-Type, caller tags, then the system tags Bundler,
// Upload-Type, optional Payer-Address, optional X402-* payment tags, and
// finally Upload-Timestamp.
func BuildTags(in BuildTagsInput) []Tag {
	var tags []Tag
	if in.ContentType != "" {
		tags = append(tags, Tag{Name: "Content-Type", Value: in.ContentType})
	}
	for _, t := range in.CallerTags {
		if SystemTagNames[t.Name] {
			continue
		}
		tags = append(tags, t)
	}

	bundler := in.BundlerName
	if bundler == "" {
		bundler = "x402-bundler"
	}
	tags = append(tags, Tag{Name: "Bundler", Value: bundler})

	uploadType := in.UploadType
	if uploadType == "" {
		uploadType = "raw-data-x402"
	}
	tags = append(tags, Tag{Name: "Upload-Type", Value: uploadType})

	if in.PayerAddress != "" {
		tags = append(tags, Tag{Name: "Payer-Address", Value: in.PayerAddress})
	}
	if in.TxHash != "" {
		tags = append(tags, Tag{Name: "X402-TX-Hash", Value: in.TxHash})
	}
	if in.PaymentID != "" {
		tags = append(tags, Tag{Name: "X402-Payment-ID", Value: in.PaymentID})
	}
	if in.Network != "" {
		tags = append(tags, Tag{Name: "X402-Network", Value: in.Network})
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tags = append(tags, Tag{Name: "Upload-Timestamp", Value: strconv.FormatInt(now.UnixMilli(), 10)})
	return tags
}

// Assembled is a signed data item plus the byte-offset metadata the admission
// controller and pipeline need.
type Assembled struct {
	ID               string
	OwnerAddress     string
	SignatureType    SignatureType
	Tags             []Tag
	PayloadDataStart int64
	RawContentLength int64
	Signature        []byte
	Header           []byte
}

// Assembler builds and signs data items on behalf of the server for the
// unsigned-upload path, using the long-lived server wallet key the way
// services/payments-gateway/kms.go's EnvKMSSigner signs mint vouchers.
type Assembler struct {
	key *ecdsa.PrivateKey
}

// NewAssembler builds an Assembler over the server's wallet key.
func NewAssembler(key *ecdsa.PrivateKey) *Assembler {
	return &Assembler{key: key}
}

// OwnerAddress returns the hex address of the server wallet that signs
// server-assembled data items.
func (a *Assembler) OwnerAddress() string {
	return crypto.PubkeyToAddress(a.key.PublicKey).Hex()
}

// Assemble builds a server-signed data item over payload with the given
// tags, returning the signed item and its offset metadata.
func (a *Assembler) Assemble(payload []byte, tags []Tag) (*Assembled, error) {
	header := encodeHeader(SignatureTypedEthereum, a.ownerPubKeyBytes(), tags)
	preimage := append(append([]byte(nil), header...), payload...)
	digest := crypto.Keccak256(preimage)

	sig, err := crypto.Sign(digest, a.key)
	if err != nil {
		return nil, fmt.Errorf("dataitem: sign: %w", err)
	}

	id := IDFromSignature(sig)
	return &Assembled{
		ID:               id,
		OwnerAddress:     a.OwnerAddress(),
		SignatureType:    SignatureTypedEthereum,
		Tags:             tags,
		PayloadDataStart: int64(len(header)),
		RawContentLength: int64(len(header) + len(payload)),
		Signature:        sig,
		Header:           header,
	}, nil
}

func (a *Assembler) ownerPubKeyBytes() []byte {
	return crypto.FromECDSAPub(&a.key.PublicKey)
}

// IDFromSignature derives the content-addressed 43-char base64url id from a
// data item's detached signature, per spec §3 (base64url, no padding).
func IDFromSignature(sig []byte) string {
	sum := sha256.Sum256(sig)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// encodeHeader produces a deterministic binary preimage for signing: the
// signature-type prefix, owner public key, and the canonical tag list. This
// is the minimal internal stand-in for the abstract ANS-104 wire encoding
// (out of scope per spec §1) that still gives Assemble a stable, replayable
// signing input.
func encodeHeader(sigType SignatureType, ownerPubKey []byte, tags []Tag) []byte {
	var buf []byte
	prefix := make([]byte, 2)
	binary.LittleEndian.PutUint16(prefix, uint16(sigType))
	buf = append(buf, prefix...)

	ownerLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(ownerLen, uint16(len(ownerPubKey)))
	buf = append(buf, ownerLen...)
	buf = append(buf, ownerPubKey...)

	tagCount := make([]byte, 4)
	binary.LittleEndian.PutUint32(tagCount, uint32(len(tags)))
	buf = append(buf, tagCount...)
	for _, t := range tags {
		buf = append(buf, encodeField(t.Name)...)
		buf = append(buf, encodeField(t.Value)...)
	}
	return buf
}

func encodeField(s string) []byte {
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(s)))
	return append(length, []byte(s)...)
}

// ParsedHeader is the subset of an incoming signed data item's header the
// admission controller inspects without decoding the full payload (spec
// §4.6 step 1: "parse the incoming data item header only, streaming").
type ParsedHeader struct {
	SignatureType SignatureType
	OwnerAddress  string
	// ID is the content-addressed id derived from the embedded signature,
	// via the same IDFromSignature rule Assemble uses.
	ID string
	// TagCount is how many tags the header declared, for a more accurate
	// pricing.Quoter.QuoteUSDCForBytes estimate than assuming zero tags.
	TagCount int
	// ByteCount is left for the caller to fill in: Content-Length minus the
	// returned header length, since the header never declares the payload
	// size directly.
	ByteCount int64
}

// SniffSignatureType reads the first two bytes of a body (little-endian
// uint16) to auto-detect a signed ANS-104 data item on the legacy `/tx`
// route, per spec §4.6. A prefix shorter than the two-byte signature type is
// rejected; the legacy `/tx` handler has already rejected bodies shorter
// than MinimumHeaderBytes before calling it.
func SniffSignatureType(prefix []byte) (SignatureType, bool, error) {
	if len(prefix) < 2 {
		return 0, false, fmt.Errorf("invalid data item: body shorter than minimum ANS-104 header")
	}
	sigType := SignatureType(binary.LittleEndian.Uint16(prefix[:2]))
	return sigType, KnownSignatureTypes[sigType], nil
}

// headerFieldLimitBytes bounds the owner/signature/tag fields ParseHeader will
// read before giving up, so a malformed length prefix can't make it buffer an
// attacker-controlled multi-gigabyte allocation.
const headerFieldLimitBytes = 1 << 20

// ParseHeader streams and decodes the header of an incoming signed data item
// — signature type, signature, owner public key, and tags — without reading
// the payload that follows, per spec §4.6 step 1 ("parse the incoming data
// item header only, streaming"). It mirrors encodeHeader's field layout, with
// one addition: incoming items carry their own signature (server-assembled
// items don't, since Assemble computes the signature from the header it
// writes), so this format is [sigType(2)][sigLen(2)][sig][ownerLen(2)][owner]
// [tagCount(4)][tags...].
//
// The caller computes the payload's announced byte count itself, as
// Content-Length minus the returned header length, since the header never
// declares it directly.
func ParseHeader(r io.Reader) (*ParsedHeader, int64, error) {
	var n int64

	sigType, read, err := readUint16(r)
	n += read
	if err != nil {
		return nil, n, fmt.Errorf("dataitem: parse header: signature type: %w", err)
	}

	sigLen, read, err := readUint16(r)
	n += read
	if err != nil {
		return nil, n, fmt.Errorf("dataitem: parse header: signature length: %w", err)
	}
	sig, read, err := readField(r, int(sigLen))
	n += read
	if err != nil {
		return nil, n, fmt.Errorf("dataitem: parse header: signature: %w", err)
	}

	ownerLen, read, err := readUint16(r)
	n += read
	if err != nil {
		return nil, n, fmt.Errorf("dataitem: parse header: owner length: %w", err)
	}
	owner, read, err := readField(r, int(ownerLen))
	n += read
	if err != nil {
		return nil, n, fmt.Errorf("dataitem: parse header: owner: %w", err)
	}

	tagCount, read, err := readUint32(r)
	n += read
	if err != nil {
		return nil, n, fmt.Errorf("dataitem: parse header: tag count: %w", err)
	}
	for i := uint32(0); i < tagCount; i++ {
		for _, what := range []string{"tag name", "tag value"} {
			fieldLen, read, err := readUint32(r)
			n += read
			if err != nil {
				return nil, n, fmt.Errorf("dataitem: parse header: %s length: %w", what, err)
			}
			_, read, err = readField(r, int(fieldLen))
			n += read
			if err != nil {
				return nil, n, fmt.Errorf("dataitem: parse header: %s: %w", what, err)
			}
		}
	}

	return &ParsedHeader{
		SignatureType: SignatureType(sigType),
		OwnerAddress:  ownerAddressFor(SignatureType(sigType), owner, sig),
		ID:            IDFromSignature(sig),
		TagCount:      int(tagCount),
	}, n, nil
}

// ownerAddressFor derives a stable owner identifier from the parsed header.
// Ethereum-family signature types carry a recoverable secp256k1 public key,
// so their owner address is the usual Keccak/PubkeyToAddress hex address;
// every other scheme's owner key is opaque to this payment-gated core, so it
// is surfaced as its raw hex encoding instead.
func ownerAddressFor(sigType SignatureType, owner, sig []byte) string {
	switch sigType {
	case SignatureEthereum, SignatureTypedEthereum:
		if pub, err := crypto.UnmarshalPubkey(normalizeUncompressed(owner)); err == nil {
			return crypto.PubkeyToAddress(*pub).Hex()
		}
	}
	return "0x" + hex.EncodeToString(owner)
}

func normalizeUncompressed(owner []byte) []byte {
	if len(owner) == 64 {
		return append([]byte{0x04}, owner...)
	}
	return owner
}

func readUint16(r io.Reader) (uint16, int64, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), 2, nil
}

func readUint32(r io.Reader) (uint32, int64, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), 4, nil
}

func readField(r io.Reader, length int) ([]byte, int64, error) {
	if length < 0 || length > headerFieldLimitBytes {
		return nil, 0, fmt.Errorf("field length %d exceeds limit", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, err
	}
	return buf, int64(length), nil
}
