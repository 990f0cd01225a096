package pipeline

import "context"

// ChainClient is the abstract capability to broadcast an assembled bundle as
// a transaction and later check its finality, per spec §1 ("the underlying
// chain/gateway network is an external capability, not reimplemented here").
// The concrete implementation is deployment-specific (an Arweave gateway
// client, a devnet stub, ...); the pipeline only depends on this interface.
type ChainClient interface {
	// Broadcast posts the assembled bundle bytes and returns its chain
	// transaction id (used directly as the bundle id).
	Broadcast(ctx context.Context, bundleID string, payload []byte) error
	// Finality reports whether bundleID has reached the confirmation depth
	// the chain client considers final, and at what block height.
	Finality(ctx context.Context, bundleID string) (blockHeight int64, final bool, err error)
}

// ChunkSeeder is the abstract capability to push a posted bundle's chunks
// into the data-cache/seeding network so it becomes retrievable ahead of
// on-chain finality, per spec §4.9's seeded_bundle stage.
type ChunkSeeder interface {
	Seed(ctx context.Context, bundleID string, payload []byte) error
}

// BundleAssembler packs a set of data items into ANS-104 bundle bytes.
// Concrete wire-level bundling is an abstract out-of-scope capability per
// spec §1; the pipeline depends only on this seam so a real codec can be
// dropped in without touching stage logic.
type BundleAssembler interface {
	Assemble(ctx context.Context, items []DataItem) (bundleID string, payload []byte, err error)
}
