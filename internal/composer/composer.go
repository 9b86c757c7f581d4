// Package composer merges a weighted, ordered set of loaded layers into a
// single composite adapter.
package composer

import (
	"fmt"
	"math"
	"time"

	"genomed/internal/fault"
	"genomed/internal/layer"
)

const op = "composer.compose"

// Weighted pairs a loaded layer with its contribution.
type Weighted struct {
	Layer  *layer.Layer
	Weight float64
}

// Options tunes a Compose call. The zero value normalizes weights and uses
// LinearMerger.
type Options struct {
	// DisableNormalize applies weights exactly as given instead of scaling
	// them to sum to 1.0.
	DisableNormalize bool
	Merger           Merger
}

// Merger produces a composite payload from layers and their final weights.
// Inputs are already validated as mutually compatible and arrive in genome
// order.
type Merger interface {
	Merge(layers []*layer.Layer, weights []float64) ([]byte, error)
}

// Composite is one merged adapter.
type Composite struct {
	LayerIDs   []string         `cbor:"1,keyasint" json:"layer_ids"`
	Weights    []float64        `cbor:"2,keyasint" json:"weights"`
	Descriptor layer.Descriptor `cbor:"3,keyasint" json:"descriptor"`
	Payload    []byte           `cbor:"4,keyasint" json:"-"`
	Checksum   string           `cbor:"5,keyasint" json:"checksum"`
}

// Size returns the composite payload length in bytes.
func (c *Composite) Size() int64 { return int64(len(c.Payload)) }

// Stats describes one composition.
type Stats struct {
	LayerCount int           `json:"layer_count"`
	TotalBytes int64         `json:"total_bytes"`
	Duration   time.Duration `json:"duration"`
}

// Compose validates and merges layers. Any failure returns no composite.
func Compose(layers []Weighted, opts Options) (*Composite, Stats, error) {
	start := time.Now()
	if err := Validate(layers); err != nil {
		return nil, Stats{}, err
	}
	weights, err := finalWeights(layers, !opts.DisableNormalize)
	if err != nil {
		return nil, Stats{}, err
	}
	merger := opts.Merger
	if merger == nil {
		merger = LinearMerger{}
	}
	ls := make([]*layer.Layer, len(layers))
	ids := make([]string, len(layers))
	var total int64
	for i, w := range layers {
		ls[i] = w.Layer
		ids[i] = w.Layer.ID
		total += w.Layer.Size
	}
	payload, err := merger.Merge(ls, weights)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("merge: %w", err)
	}
	c := &Composite{
		LayerIDs:   ids,
		Weights:    weights,
		Descriptor: mergedDescriptor(ls),
		Payload:    payload,
		Checksum:   layer.Sum(layer.DomainComposite, payload),
	}
	return c, Stats{LayerCount: len(ls), TotalBytes: total, Duration: time.Since(start)}, nil
}

// Validate checks the composition request without merging: non-empty, no
// duplicate ids, and every pair shares base family, rank and at least one
// target module.
func Validate(layers []Weighted) error {
	if len(layers) == 0 {
		return fault.Newf(fault.KindIncompatibleLayers, op, "", "no layers")
	}
	seen := make(map[string]struct{}, len(layers))
	for _, w := range layers {
		if w.Layer == nil {
			return fault.Newf(fault.KindIncompatibleLayers, op, "", "nil layer")
		}
		if _, dup := seen[w.Layer.ID]; dup {
			return fault.Newf(fault.KindIncompatibleLayers, op, w.Layer.ID, "duplicate layer id")
		}
		seen[w.Layer.ID] = struct{}{}
		if math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) {
			return fault.Newf(fault.KindIncompatibleLayers, op, w.Layer.ID, "weight %v is not finite", w.Weight)
		}
	}
	for i := 0; i < len(layers); i++ {
		a := layers[i].Layer
		for j := i + 1; j < len(layers); j++ {
			b := layers[j].Layer
			switch {
			case a.Descriptor.BaseFamily != b.Descriptor.BaseFamily:
				return fault.Newf(fault.KindIncompatibleLayers, op, b.ID,
					"base family %q differs from %s (%q)", b.Descriptor.BaseFamily, a.ID, a.Descriptor.BaseFamily)
			case a.Descriptor.Rank != b.Descriptor.Rank:
				return fault.Newf(fault.KindIncompatibleLayers, op, b.ID,
					"rank %d differs from %s (%d)", b.Descriptor.Rank, a.ID, a.Descriptor.Rank)
			case !a.Descriptor.Overlaps(b.Descriptor):
				return fault.Newf(fault.KindIncompatibleLayers, op, b.ID,
					"no target module in common with %s", a.ID)
			}
		}
	}
	return nil
}

func finalWeights(layers []Weighted, normalize bool) ([]float64, error) {
	out := make([]float64, len(layers))
	var sum float64
	for i, w := range layers {
		out[i] = w.Weight
		sum += w.Weight
	}
	if !normalize {
		return out, nil
	}
	if sum <= 0 {
		return nil, fault.Newf(fault.KindIncompatibleLayers, op, "", "weights sum to %v, cannot normalize", sum)
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// mergedDescriptor keeps the shared family and rank and the union of target
// modules in first-seen order.
func mergedDescriptor(ls []*layer.Layer) layer.Descriptor {
	d := layer.Descriptor{BaseFamily: ls[0].Descriptor.BaseFamily, Rank: ls[0].Descriptor.Rank}
	seen := map[string]bool{}
	for _, l := range ls {
		for _, m := range l.Descriptor.Modules {
			if !seen[m] {
				seen[m] = true
				d.Modules = append(d.Modules, m)
			}
		}
	}
	return d
}

// LinearMerger computes the element-wise weighted sum of float32 deltas.
// Shorter payloads contribute zero past their end.
type LinearMerger struct{}

func (LinearMerger) Merge(layers []*layer.Layer, weights []float64) ([]byte, error) {
	if len(layers) != len(weights) {
		return nil, fmt.Errorf("linear merge: %d layers, %d weights", len(layers), len(weights))
	}
	var n int
	for _, l := range layers {
		n = max(n, len(l.Payload)/4)
	}
	acc := make([]float64, n)
	for i, l := range layers {
		w := weights[i]
		for j, v := range l.Weights() {
			acc[j] += w * float64(v)
		}
	}
	out := make([]float32, n)
	for j, v := range acc {
		out[j] = float32(v)
	}
	return layer.EncodeWeights(out), nil
}
