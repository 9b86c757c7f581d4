package layer

import (
	"encoding/binary"
	"math"
	"slices"
)

// Encoding of layer payloads. Only little-endian float32 deltas are defined.
const EncodingF32LE = "f32le"

// Descriptor states what a layer is compatible with.
type Descriptor struct {
	BaseFamily string   `yaml:"base_family" json:"base_family"`
	Rank       int      `yaml:"rank" json:"rank"`
	Modules    []string `yaml:"modules" json:"modules"`
}

// Overlaps reports whether d and o target at least one common sub-module.
func (d Descriptor) Overlaps(o Descriptor) bool {
	for _, m := range d.Modules {
		if slices.Contains(o.Modules, m) {
			return true
		}
	}
	return false
}

// Metadata is the sidecar document stored next to a layer payload.
type Metadata struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	// Size is the byte length of the uncompressed payload.
	Size int64 `yaml:"size" json:"size"`
	// StoredSize is the byte length of the payload as stored.
	StoredSize  int64      `yaml:"stored_size" json:"stored_size"`
	Checksum    string     `yaml:"checksum" json:"checksum"`
	Compression string     `yaml:"compression" json:"compression"`
	Encoding    string     `yaml:"encoding" json:"encoding"`
	Descriptor  Descriptor `yaml:"descriptor" json:"descriptor"`
}

// Layer is a loaded adaptation module. It is immutable once returned by the
// Loader and shared by pointer across every genome that references it.
type Layer struct {
	ID         string
	Version    string
	Size       int64
	Descriptor Descriptor
	Checksum   string
	Payload    []byte
}

// Weights decodes the payload as little-endian float32 values.
func (l *Layer) Weights() []float32 {
	return DecodeWeights(l.Payload)
}

// EncodeWeights serializes w as little-endian float32.
func EncodeWeights(w []float32) []byte {
	out := make([]byte, 4*len(w))
	for i, v := range w {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// DecodeWeights parses little-endian float32 values. Trailing bytes that do
// not form a full value are ignored.
func DecodeWeights(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
