// Package genome describes personas as ordered, weighted layer lists and
// provides read access to where they are kept.
package genome

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"genomed/internal/fault"
)

// LayerRef is one weighted entry of a genome.
type LayerRef struct {
	LayerID string  `json:"layer_id" yaml:"layer_id" toml:"layer_id"`
	Weight  float64 `json:"weight" yaml:"weight" toml:"weight"`
}

// Genome is one persona's runtime configuration. The runtime only reads it.
type Genome struct {
	ID        string     `json:"id" yaml:"id" toml:"id"`
	BaseModel string     `json:"base_model" yaml:"base_model" toml:"base_model"`
	Layers    []LayerRef `json:"layers" yaml:"layers" toml:"layers"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at" toml:"updated_at"`
}

// LayerIDs returns the layer ids in genome order.
func (g Genome) LayerIDs() []string {
	out := make([]string, len(g.Layers))
	for i, l := range g.Layers {
		out[i] = l.LayerID
	}
	return out
}

// Fingerprint identifies the genome's layer list and weights. Two genomes
// with the same fingerprint compose to the same result.
func (g Genome) Fingerprint() string {
	var b strings.Builder
	for _, l := range g.Layers {
		fmt.Fprintf(&b, "%s=%g;", l.LayerID, l.Weight)
	}
	return b.String()
}

// Validate rejects genomes without an id or layers and genomes that list a
// layer twice.
func (g Genome) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return errors.New("genome: missing id")
	}
	if len(g.Layers) == 0 {
		return fmt.Errorf("genome %s: no layers", g.ID)
	}
	seen := make(map[string]struct{}, len(g.Layers))
	for _, l := range g.Layers {
		if l.LayerID == "" {
			return fmt.Errorf("genome %s: empty layer id", g.ID)
		}
		if _, dup := seen[l.LayerID]; dup {
			return fmt.Errorf("genome %s: duplicate layer %s", g.ID, l.LayerID)
		}
		seen[l.LayerID] = struct{}{}
	}
	return nil
}

// Source resolves genome ids. Get returns a fault.GenomeNotFound error for
// unknown ids.
type Source interface {
	Get(ctx context.Context, id string) (Genome, error)
	List(ctx context.Context) ([]Genome, error)
}

// NotFound builds the error sources return for unknown ids.
func NotFound(op, id string) error {
	return fault.New(fault.KindGenomeNotFound, op, id, nil)
}

// MemorySource is an in-memory Source, used for tests and static configs.
type MemorySource struct {
	mu      sync.RWMutex
	genomes map[string]Genome
}

// NewMemorySource returns a source holding gs.
func NewMemorySource(gs ...Genome) *MemorySource {
	s := &MemorySource{genomes: make(map[string]Genome, len(gs))}
	for _, g := range gs {
		s.genomes[g.ID] = g
	}
	return s
}

// Put adds or replaces g.
func (s *MemorySource) Put(g Genome) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.genomes[g.ID] = g
	s.mu.Unlock()
	return nil
}

func (s *MemorySource) Get(_ context.Context, id string) (Genome, error) {
	s.mu.RLock()
	g, ok := s.genomes[id]
	s.mu.RUnlock()
	if !ok {
		return Genome{}, NotFound("genome.get", id)
	}
	g.Layers = append([]LayerRef(nil), g.Layers...)
	return g, nil
}

func (s *MemorySource) List(_ context.Context) ([]Genome, error) {
	s.mu.RLock()
	out := make([]Genome, 0, len(s.genomes))
	for _, g := range s.genomes {
		g.Layers = append([]LayerRef(nil), g.Layers...)
		out = append(out, g)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
