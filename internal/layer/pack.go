package layer

import (
	"context"
	"fmt"
)

// Packed is a layer ready to be written to a Store.
type Packed struct {
	Metadata Metadata
	Stored   []byte
}

// Pack builds a storable layer from raw weights: it fills in size,
// checksum, encoding and compression and compresses the payload.
// Identity and descriptor fields are taken from meta.
func Pack(meta Metadata, weights []float32, compression string) (Packed, error) {
	payload := EncodeWeights(weights)
	stored, used, err := Compress(payload, compression)
	if err != nil {
		return Packed{}, err
	}
	meta.Size = int64(len(payload))
	meta.StoredSize = int64(len(stored))
	meta.Checksum = Checksum(payload)
	meta.Compression = used
	meta.Encoding = EncodingF32LE
	if err := meta.Validate(); err != nil {
		return Packed{}, fmt.Errorf("pack %s: %w", meta.ID, err)
	}
	return Packed{Metadata: meta, Stored: stored}, nil
}

// Import packs weights and writes them to store.
func Import(ctx context.Context, store *DirStore, meta Metadata, weights []float32, compression string) (Metadata, error) {
	p, err := Pack(meta, weights, compression)
	if err != nil {
		return Metadata{}, err
	}
	if err := store.Put(ctx, p.Metadata, p.Stored); err != nil {
		return Metadata{}, fmt.Errorf("import %s: %w", meta.ID, err)
	}
	return p.Metadata, nil
}
