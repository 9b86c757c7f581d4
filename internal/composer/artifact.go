package composer

import (
	"errors"
	"fmt"

	"genomed/internal/codec"
	"genomed/internal/layer"
)

// artifactMagic prefixes every adapter artifact so a worker can reject files
// that are not composites before decompressing them.
var artifactMagic = []byte("GNMA\x01")

// ErrBadArtifact is returned when an artifact cannot be decoded or fails
// checksum verification.
var ErrBadArtifact = errors.New("composer: bad adapter artifact")

// MarshalArtifact encodes c as a compressed, self-describing artifact.
func MarshalArtifact(c *Composite) ([]byte, error) {
	body, err := codec.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode composite: %w", err)
	}
	packed, _, err := layer.Compress(body, layer.CompressionZstd)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(artifactMagic)+len(packed))
	out = append(out, artifactMagic...)
	return append(out, packed...), nil
}

// UnmarshalArtifact reverses MarshalArtifact and verifies the composite
// checksum against its payload.
func UnmarshalArtifact(b []byte) (*Composite, error) {
	if len(b) < len(artifactMagic) || string(b[:len(artifactMagic)]) != string(artifactMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrBadArtifact)
	}
	body, err := layer.Decompress(b[len(artifactMagic):], layer.CompressionZstd, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	var c Composite
	if err := codec.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	if sum := layer.Sum(layer.DomainComposite, c.Payload); sum != c.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadArtifact)
	}
	return &c, nil
}
