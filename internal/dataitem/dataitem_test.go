package dataitem

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestBuildTags_CanonicalOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tags := BuildTags(BuildTagsInput{
		ContentType:  "image/png",
		CallerTags:   []Tag{{Name: "App-Name", Value: "MyApp"}},
		PayerAddress: "0xabc",
		TxHash:       "0xdeadbeef",
		PaymentID:    "pay-1",
		Network:      "base-sepolia",
		Now:          now,
	})

	var names []string
	for _, tg := range tags {
		names = append(names, tg.Name)
	}
	require.Equal(t, []string{
		"Content-Type", "App-Name", "Bundler", "Upload-Type",
		"Payer-Address", "X402-TX-Hash", "X402-Payment-ID", "X402-Network", "Upload-Timestamp",
	}, names)
}

func TestBuildTags_DropsCallerOverrideOfSystemTag(t *testing.T) {
	tags := BuildTags(BuildTagsInput{
		CallerTags: []Tag{{Name: "Bundler", Value: "evil"}, {Name: "App-Name", Value: "ok"}},
	})
	for _, tg := range tags {
		if tg.Name == "Bundler" {
			require.NotEqual(t, "evil", tg.Value)
		}
	}
}

func TestAssembler_Assemble_ProducesStableID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	a := NewAssembler(key)

	tags := BuildTags(BuildTagsInput{ContentType: "text/plain"})
	payload := []byte("hello world")

	item1, err := a.Assemble(payload, tags)
	require.NoError(t, err)
	require.Len(t, item1.ID, 43)
	require.Equal(t, int64(len(payload)), item1.RawContentLength-item1.PayloadDataStart)

	item2, err := a.Assemble(payload, tags)
	require.NoError(t, err)
	// Same preimage, deterministic signature (crypto.Sign is deterministic
	// for secp256k1/ECDSA given identical inputs), so ids match.
	require.Equal(t, item1.ID, item2.ID)
}

func TestSniffSignatureType_RejectsShortBody(t *testing.T) {
	_, _, err := SniffSignatureType([]byte{0x01})
	require.Error(t, err)
}

func TestSniffSignatureType_RecognizesKnownType(t *testing.T) {
	sigType, known, err := SniffSignatureType([]byte{0x03, 0x00, 0xff})
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, SignatureEthereum, sigType)
}

func TestSniffSignatureType_UnknownType(t *testing.T) {
	sigType, known, err := SniffSignatureType([]byte{0xff, 0xff})
	require.NoError(t, err)
	require.False(t, known)
	require.Equal(t, SignatureType(0xffff), sigType)
}
