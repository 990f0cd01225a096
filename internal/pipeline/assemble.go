package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/objectstore"
)

// rawItemKey mirrors internal/admission and internal/multipart's own
// rawDataItemKey helpers: the object store holds each data item's payload
// bytes (not its header/signature) at this key, per spec §3's ownership
// note, so the bundler only needs to read and concatenate them.
func rawItemKey(id string) string { return "raw-data-item/" + id }

// ObjectBundler is the default BundleAssembler. It packs a plan's data items
// into a single container: a directory of (id, payloadDataStart, byteCount)
// triples followed by the items' payload bytes in the same order, then
// signs the container as a root bundle data item with the server wallet,
// the same way dataitem.Assembler signs a leaf item. This is the concrete,
// in-module stand-in for the abstract ANS-104 bundle format per spec §1:
// real bundlers embed full per-item headers and a binary Merkle directory,
// but a flat length-prefixed directory is enough to carve items back out by
// offset, which is all put-offsets and the chain client need.
type ObjectBundler struct {
	objects objectstore.Store
	signer  *dataitem.Assembler
}

// NewObjectBundler builds an ObjectBundler over the shared object store and
// the server's wallet-backed data item signer.
func NewObjectBundler(objects objectstore.Store, signer *dataitem.Assembler) *ObjectBundler {
	return &ObjectBundler{objects: objects, signer: signer}
}

func bundleTags() []dataitem.Tag {
	return []dataitem.Tag{
		{Name: "Bundle-Format", Value: "binary"},
		{Name: "Bundle-Version", Value: "2.0.0"},
	}
}

// Assemble implements BundleAssembler.
func (b *ObjectBundler) Assemble(ctx context.Context, items []DataItem) (string, []byte, error) {
	if len(items) == 0 {
		return "", nil, fmt.Errorf("pipeline: assemble: no items")
	}

	var dir bytes.Buffer
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(items)))
	dir.Write(count)

	payloads := make([][]byte, len(items))
	for i, item := range items {
		r, err := b.objects.Get(ctx, rawItemKey(item.ID))
		if err != nil {
			return "", nil, fmt.Errorf("pipeline: assemble: read %s: %w", item.ID, err)
		}
		raw, err := io.ReadAll(r)
		closeErr := r.Close()
		if err != nil {
			return "", nil, fmt.Errorf("pipeline: assemble: read %s: %w", item.ID, err)
		}
		if closeErr != nil {
			return "", nil, fmt.Errorf("pipeline: assemble: close %s: %w", item.ID, closeErr)
		}
		payloads[i] = raw

		idBytes := []byte(item.ID)
		idLen := make([]byte, 2)
		binary.BigEndian.PutUint16(idLen, uint16(len(idBytes)))
		dir.Write(idLen)
		dir.Write(idBytes)

		start := make([]byte, 8)
		binary.BigEndian.PutUint64(start, uint64(item.PayloadDataStart))
		dir.Write(start)

		size := make([]byte, 8)
		binary.BigEndian.PutUint64(size, uint64(len(raw)))
		dir.Write(size)
	}

	container := append([]byte(nil), dir.Bytes()...)
	for _, p := range payloads {
		container = append(container, p...)
	}

	assembled, err := b.signer.Assemble(container, bundleTags())
	if err != nil {
		return "", nil, fmt.Errorf("pipeline: assemble: sign bundle: %w", err)
	}
	return assembled.ID, container, nil
}

// BundleEntry is one item's directory record, as recovered by
// ParseBundleDirectory.
type BundleEntry struct {
	DataItemID       string
	PayloadDataStart int64
	ByteCount        int64
	StartOffset      int64 // offset of this item's payload bytes within the container
}

// ParseBundleDirectory recovers each item's directory record and its actual
// byte offset within container, matching the layout ObjectBundler.Assemble
// writes. put-offsets calls this directly against the persisted bundle
// payload rather than threading state through from prepare-bundle, so the
// handler stays idempotent under at-least-once redelivery.
func ParseBundleDirectory(container []byte) ([]BundleEntry, error) {
	if len(container) < 4 {
		return nil, fmt.Errorf("pipeline: parse bundle directory: truncated count")
	}
	count := binary.BigEndian.Uint32(container[:4])
	pos := int64(4)
	entries := make([]BundleEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+2 > int64(len(container)) {
			return nil, fmt.Errorf("pipeline: parse bundle directory: truncated id length at entry %d", i)
		}
		idLen := int64(binary.BigEndian.Uint16(container[pos : pos+2]))
		pos += 2
		if pos+idLen+16 > int64(len(container)) {
			return nil, fmt.Errorf("pipeline: parse bundle directory: truncated entry %d", i)
		}
		id := string(container[pos : pos+idLen])
		pos += idLen
		payloadDataStart := int64(binary.BigEndian.Uint64(container[pos : pos+8]))
		pos += 8
		byteCount := int64(binary.BigEndian.Uint64(container[pos : pos+8]))
		pos += 8
		entries = append(entries, BundleEntry{DataItemID: id, PayloadDataStart: payloadDataStart, ByteCount: byteCount})
	}

	dataStart := pos
	for i := range entries {
		entries[i].StartOffset = dataStart
		dataStart += entries[i].ByteCount
	}
	if dataStart != int64(len(container)) {
		return nil, fmt.Errorf("pipeline: parse bundle directory: declared lengths don't cover container (want %d, have %d)", dataStart, len(container))
	}
	return entries, nil
}
