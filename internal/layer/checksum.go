package layer

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Domain is a 32-byte BLAKE3 key. Hashing the same bytes under different
// domains yields unrelated digests, so a layer checksum can never be
// mistaken for a composite checksum.
type Domain [32]byte

var (
	DomainLayer = Domain{
		'g', 'e', 'n', 'o', 'm', 'e', 'd', '.', 'l', 'a', 'y', 'e', 'r',
	}
	DomainComposite = Domain{
		'g', 'e', 'n', 'o', 'm', 'e', 'd', '.', 'c', 'o', 'm', 'p', 'o', 's', 'i', 't', 'e',
	}
)

// Sum returns the hex-encoded keyed BLAKE3 digest of data.
func Sum(d Domain, data []byte) string {
	h, err := blake3.NewKeyed(d[:])
	if err != nil {
		// Only returned for a key that is not 32 bytes.
		panic("layer: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum returns the layer-domain digest of an uncompressed payload.
func Checksum(payload []byte) string { return Sum(DomainLayer, payload) }
