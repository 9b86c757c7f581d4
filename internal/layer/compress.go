package layer

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names accepted in layer metadata.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// MaxPayloadSize caps any decompressed payload, layer or composite.
const MaxPayloadSize = 2 << 30

var (
	errUnknownCompression = errors.New("unknown compression")
	errPayloadTooLarge    = errors.New("decompressed payload exceeds expected size")
)

// zstd encoder and decoder are safe for concurrent use and reused.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("layer: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		panic("layer: zstd decoder initialization failed: " + err.Error())
	}
}

func validCompression(name string) bool {
	switch name {
	case "", CompressionNone, CompressionZstd, CompressionLZ4:
		return true
	}
	return false
}

// Compress encodes data with the named algorithm. Incompressible lz4 input
// is stored as-is and reported as "none".
func Compress(data []byte, name string) ([]byte, string, error) {
	switch name {
	case "", CompressionNone:
		return data, CompressionNone, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), CompressionZstd, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return data, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", errUnknownCompression, name)
	}
}

// Decompress reverses Compress. size is the expected uncompressed length, or
// 0 when unknown; output is never larger than size or MaxPayloadSize.
func Decompress(stored []byte, name string, size int64) ([]byte, error) {
	switch name {
	case "", CompressionNone:
		return stored, nil
	case CompressionZstd:
		if size > 0 {
			var h zstd.Header
			if err := h.Decode(stored); err == nil && h.HasFCS && h.FrameContentSize > uint64(size) {
				return nil, fmt.Errorf("zstd decompress: %w: frame declares %d bytes, want %d", errPayloadTooLarge, h.FrameContentSize, size)
			}
		}
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, max(size, 0)))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if size > 0 && int64(len(out)) > size {
			return nil, fmt.Errorf("zstd decompress: %w: got %d bytes, want %d", errPayloadTooLarge, len(out), size)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCompression, name)
	}
}
