package layer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"genomed/internal/fault"
)

// LoadOptions tunes a single LoadLayer call.
type LoadOptions struct {
	// SkipVerify disables checksum verification. Size is still checked.
	SkipVerify bool
}

// Stats is a point-in-time view of loader activity.
type Stats struct {
	LayersLoaded   uint64        `json:"layers_loaded"`
	BytesRead      uint64        `json:"bytes_read"`
	Failures       uint64        `json:"failures"`
	AvgLoadLatency time.Duration `json:"avg_load_latency"`
}

// Loader reads layers from a Store, verifies them and parses their
// descriptors. It is safe for concurrent use and holds no per-layer state.
type Loader struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time

	mu        sync.Mutex
	loaded    uint64
	bytesRead uint64
	failures  uint64
	totalLat  time.Duration
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(l zerolog.Logger) LoaderOption {
	return func(ld *Loader) { ld.log = l }
}

// NewLoader returns a loader backed by store.
func NewLoader(store Store, opts ...LoaderOption) *Loader {
	ld := &Loader{store: store, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(ld)
	}
	return ld
}

// LoadLayer reads, decompresses and verifies the layer with the given id.
func (ld *Loader) LoadLayer(ctx context.Context, id string, opts LoadOptions) (*Layer, error) {
	start := ld.now()
	l, n, err := ld.load(ctx, id, opts)
	elapsed := ld.now().Sub(start)

	ld.mu.Lock()
	ld.bytesRead += uint64(n)
	if err != nil {
		ld.failures++
	} else {
		ld.loaded++
		ld.totalLat += elapsed
	}
	ld.mu.Unlock()

	if err != nil {
		ld.log.Warn().Str("event", "layer_load_failed").Str("layer", id).Err(err).Msg("layer load failed")
		return nil, err
	}
	ld.log.Debug().Str("event", "layer_loaded").Str("layer", id).Int64("size", l.Size).
		Dur("elapsed", elapsed).Msg("layer loaded")
	return l, nil
}

func (ld *Loader) load(ctx context.Context, id string, opts LoadOptions) (*Layer, int, error) {
	const op = "layer.load"
	meta, err := ld.metadata(ctx, op, id)
	if err != nil {
		return nil, 0, err
	}
	rc, err := ld.store.OpenPayload(ctx, id)
	if err != nil {
		return nil, 0, storeError(op, id, err)
	}
	stored, err := readAllContext(ctx, rc)
	_ = rc.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, len(stored), ctx.Err()
		}
		return nil, len(stored), fault.New(fault.KindLayerCorrupt, op, id, fmt.Errorf("read payload: %w", err))
	}
	if meta.StoredSize > 0 && int64(len(stored)) != meta.StoredSize {
		return nil, len(stored), fault.Newf(fault.KindLayerCorrupt, op, id,
			"stored size %d, metadata says %d", len(stored), meta.StoredSize)
	}
	payload, err := Decompress(stored, meta.Compression, meta.Size)
	if err != nil {
		return nil, len(stored), fault.New(fault.KindLayerCorrupt, op, id, err)
	}
	if int64(len(payload)) != meta.Size {
		return nil, len(stored), fault.Newf(fault.KindLayerCorrupt, op, id,
			"payload is %d bytes, metadata says %d", len(payload), meta.Size)
	}
	if !opts.SkipVerify {
		if sum := Checksum(payload); sum != meta.Checksum {
			return nil, len(stored), fault.Newf(fault.KindLayerCorrupt, op, id,
				"checksum mismatch: got %s want %s", sum, meta.Checksum)
		}
	}
	return &Layer{
		ID:         meta.ID,
		Version:    meta.Version,
		Size:       meta.Size,
		Descriptor: meta.Descriptor,
		Checksum:   meta.Checksum,
		Payload:    payload,
	}, len(stored), nil
}

// LayerExists reports whether id is present in the store. The payload is
// never opened.
func (ld *Loader) LayerExists(ctx context.Context, id string) (bool, error) {
	ok, err := ld.store.Exists(ctx, id)
	if err != nil {
		return false, storeError("layer.exists", id, err)
	}
	return ok, nil
}

// GetLayerMetadata returns the parsed and validated sidecar of id without
// reading the payload.
func (ld *Loader) GetLayerMetadata(ctx context.Context, id string) (Metadata, error) {
	return ld.metadata(ctx, "layer.metadata", id)
}

func (ld *Loader) metadata(ctx context.Context, op, id string) (Metadata, error) {
	raw, err := ld.store.ReadMetadata(ctx, id)
	if err != nil {
		return Metadata{}, storeError(op, id, err)
	}
	meta, err := ParseMetadata(raw)
	if err != nil {
		return Metadata{}, fault.New(fault.KindIncompatibleFormat, op, id, err)
	}
	if meta.ID != id {
		return Metadata{}, fault.Newf(fault.KindIncompatibleFormat, op, id, "metadata id %q does not match", meta.ID)
	}
	return meta, nil
}

// Stats returns loader counters.
func (ld *Loader) Stats() Stats {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	s := Stats{LayersLoaded: ld.loaded, BytesRead: ld.bytesRead, Failures: ld.failures}
	if ld.loaded > 0 {
		s.AvgLoadLatency = ld.totalLat / time.Duration(ld.loaded)
	}
	return s
}

// ParseMetadata decodes and validates a layer sidecar document.
func ParseMetadata(raw []byte) (Metadata, error) {
	var meta Metadata
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, meta.Validate()
}

// Validate checks that the metadata describes a payload this runtime can
// decode and compose.
func (m Metadata) Validate() error {
	switch {
	case m.ID == "":
		return errors.New("missing id")
	case m.Size < 0 || m.StoredSize < 0:
		return errors.New("negative size")
	case m.Checksum == "":
		return errors.New("missing checksum")
	case !validCompression(m.Compression):
		return fmt.Errorf("%w: %q", errUnknownCompression, m.Compression)
	case m.Encoding != "" && m.Encoding != EncodingF32LE:
		return fmt.Errorf("unsupported encoding %q", m.Encoding)
	case m.Size%4 != 0:
		return fmt.Errorf("size %d is not a whole number of float32 values", m.Size)
	case m.Descriptor.BaseFamily == "":
		return errors.New("descriptor: missing base_family")
	case m.Descriptor.Rank <= 0:
		return fmt.Errorf("descriptor: invalid rank %d", m.Descriptor.Rank)
	case len(m.Descriptor.Modules) == 0:
		return errors.New("descriptor: no modules")
	}
	return nil
}

func storeError(op, id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fault.New(fault.KindLayerNotFound, op, id, nil)
	case errors.Is(err, errInvalidID):
		return fault.New(fault.KindLayerNotFound, op, id, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

// readAllContext reads r to EOF, checking ctx between chunks.
func readAllContext(ctx context.Context, r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 256<<10)
	for {
		if err := ctx.Err(); err != nil {
			return buf.Bytes(), err
		}
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}
