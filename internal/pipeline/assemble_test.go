package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/queue"
)

func TestObjectBundler_AssembleThenParseDirectory_RoundTrips(t *testing.T) {
	objects, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	ctx := context.Background()
	items := []DataItem{
		{ID: "item-a", PayloadDataStart: 70, ByteCount: 5},
		{ID: "item-b", PayloadDataStart: 70, ByteCount: 9},
	}
	require.NoError(t, objects.Put(ctx, rawItemKey("item-a"), bytes.NewReader([]byte("hello"))))
	require.NoError(t, objects.Put(ctx, rawItemKey("item-b"), bytes.NewReader([]byte("world-data"[:9]))))

	bundler := NewObjectBundler(objects, dataitem.NewAssembler(key))
	bundleID, container, err := bundler.Assemble(ctx, items)
	require.NoError(t, err)
	require.NotEmpty(t, bundleID)

	entries, err := ParseBundleDirectory(container)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, "item-a", entries[0].DataItemID)
	require.EqualValues(t, 70, entries[0].PayloadDataStart)
	require.EqualValues(t, 5, entries[0].ByteCount)

	require.Equal(t, "item-b", entries[1].DataItemID)
	require.EqualValues(t, 9, entries[1].ByteCount)
	require.Equal(t, entries[0].StartOffset+entries[0].ByteCount, entries[1].StartOffset)

	r, err := objects.Get(ctx, rawItemKey("item-a"))
	require.NoError(t, err)
	defer r.Close()
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), raw)
}

func TestStages_HandlePutOffsets_PersistsByteRanges(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	stages, pstore, q, db := newTestStages(t, &fakeChain{}, &fakeSeeder{})
	stages.assemble = NewObjectBundler(stages.objects, dataitem.NewAssembler(key))

	ctx := context.Background()
	insertNewDataItem(t, db, "item-1", 5)
	require.NoError(t, stages.objects.Put(ctx, rawItemKey("item-1"), bytes.NewReader([]byte("hello"))))

	require.NoError(t, stages.HandlePlan(ctx, &queue.Job{}))
	prepareJob, ok, err := q.Claim(ctx, queue.PrepareBundle)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stages.HandlePrepare(ctx, prepareJob))

	offsetsJob, ok, err := q.Claim(ctx, queue.PutOffsets)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stages.HandlePutOffsets(ctx, offsetsJob))

	offset, err := pstore.GetOffset(ctx, "item-1")
	require.NoError(t, err)
	// The item's bytes follow the container's directory: a 4-byte count, a
	// 2-byte id length, the 6-byte id "item-1", and two 8-byte fields.
	require.EqualValues(t, 28, offset.StartOffsetInRootBundle)
	require.EqualValues(t, 5, offset.RawContentLength)
	require.NotEmpty(t, offset.RootBundleID)
}
