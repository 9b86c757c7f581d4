// Package assembler turns a genome id into a composite adapter by resolving
// each layer through the cache or the loader and composing the result.
//
// The assembler never spawns or owns worker processes; binding a composite
// to a process is the pool's job.
package assembler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"genomed/internal/cache"
	"genomed/internal/composer"
	"genomed/internal/fault"
	"genomed/internal/genome"
	"genomed/internal/layer"
)

// LayerLoader is the slow path for cache misses.
type LayerLoader interface {
	LoadLayer(ctx context.Context, id string, opts layer.LoadOptions) (*layer.Layer, error)
}

// Options tunes one assembly.
type Options struct {
	Load    layer.LoadOptions
	Compose composer.Options
}

// AssembledGenome is the transient result of one assembly.
type AssembledGenome struct {
	GenomeID    string
	BaseModel   string
	Composite   *composer.Composite
	LayerCount  int
	TotalBytes  int64
	Duration    time.Duration
	CacheHits   int
	CacheMisses int
	// Reused is set when the composite came from the memo instead of a
	// fresh merge.
	Reused bool
}

// GenomeStats tracks assembly history for one genome.
type GenomeStats struct {
	Assemblies        uint64        `json:"assemblies"`
	Hits              uint64        `json:"hits"`
	Misses            uint64        `json:"misses"`
	LastDuration      time.Duration `json:"last_duration"`
	LastAssembledAt   time.Time     `json:"last_assembled_at"`
	CompositeChecksum string        `json:"composite_checksum,omitempty"`
}

// Stats is a point-in-time view of the assembler.
type Stats struct {
	Assemblies  uint64                 `json:"assemblies"`
	Failures    uint64                 `json:"failures"`
	Hits        uint64                 `json:"hits"`
	Misses      uint64                 `json:"misses"`
	AvgDuration time.Duration          `json:"avg_duration"`
	Resident    int                    `json:"resident_genomes"`
	Thrash      ThrashStats            `json:"thrash"`
	Genomes     map[string]GenomeStats `json:"genomes"`
}

type memo struct {
	fingerprint string
	composite   *composer.Composite
}

// Assembler orchestrates loader, cache and composer.
type Assembler struct {
	source genome.Source
	loader LayerLoader
	cache  *cache.Cache
	log    zerolog.Logger
	thrash *ThrashDetector
	now    func() time.Time

	group singleflight.Group

	mu sync.Mutex
	// refs maps a layer id to the assembled genomes that reference it.
	refs map[string]map[string]struct{}
	// held maps an assembled genome to its layer ids.
	held     map[string][]string
	memos    map[string]memo
	perGen   map[string]*GenomeStats
	total    uint64
	failures uint64
	hits     uint64
	misses   uint64
	totalDur time.Duration
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the assembler's logger.
func WithLogger(l zerolog.Logger) Option { return func(a *Assembler) { a.log = l } }

// WithThrashDetector replaces the default detector.
func WithThrashDetector(d *ThrashDetector) Option { return func(a *Assembler) { a.thrash = d } }

// New returns an assembler reading genomes from source.
func New(source genome.Source, loader LayerLoader, c *cache.Cache, opts ...Option) *Assembler {
	a := &Assembler{
		source: source,
		loader: loader,
		cache:  c,
		log:    zerolog.Nop(),
		now:    time.Now,
		refs:   make(map[string]map[string]struct{}),
		held:   make(map[string][]string),
		memos:  make(map[string]memo),
		perGen: make(map[string]*GenomeStats),
	}
	for _, o := range opts {
		o(a)
	}
	if a.thrash == nil {
		a.thrash = NewThrashDetector(DefaultThrashWindow, DefaultThrashThreshold)
	}
	return a
}

// Thrash returns the detector fed by the assembler's consumer.
func (a *Assembler) Thrash() *ThrashDetector { return a.thrash }

// Cache returns the layer cache the assembler fills.
func (a *Assembler) Cache() *cache.Cache { return a.cache }

// AssembleGenome resolves genomeID's layers in order and composes them.
// On failure nothing is recorded as assembled.
func (a *Assembler) AssembleGenome(ctx context.Context, genomeID string, opts Options) (*AssembledGenome, error) {
	start := a.now()
	ag, err := a.assemble(ctx, genomeID, opts)
	if err != nil {
		a.mu.Lock()
		a.failures++
		a.mu.Unlock()
		a.log.Warn().Str("event", "assemble_failed").Str("genome", genomeID).Err(err).Msg("genome assembly failed")
		return nil, err
	}
	ag.Duration = a.now().Sub(start)
	a.record(ag)
	a.log.Debug().Str("event", "assembled").Str("genome", genomeID).
		Int("hits", ag.CacheHits).Int("misses", ag.CacheMisses).
		Bool("reused", ag.Reused).Dur("elapsed", ag.Duration).Msg("genome assembled")
	return ag, nil
}

func (a *Assembler) assemble(ctx context.Context, genomeID string, opts Options) (*AssembledGenome, error) {
	g, err := a.source.Get(ctx, genomeID)
	if err != nil {
		return nil, err
	}
	ag := &AssembledGenome{GenomeID: g.ID, BaseModel: g.BaseModel, LayerCount: len(g.Layers)}
	weighted := make([]composer.Weighted, 0, len(g.Layers))
	sums := make([]string, 0, len(g.Layers))
	for _, ref := range g.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l, hit, err := a.resolve(ctx, ref.LayerID, opts.Load)
		if err != nil {
			return nil, err
		}
		if hit {
			ag.CacheHits++
		} else {
			ag.CacheMisses++
		}
		ag.TotalBytes += l.Size
		weighted = append(weighted, composer.Weighted{Layer: l, Weight: ref.Weight})
		sums = append(sums, l.Checksum)
	}
	fp := g.Fingerprint() + "|" + strings.Join(sums, ",") + "|normalize=" + strconv.FormatBool(!opts.Compose.DisableNormalize)
	// A custom merger has no stable identity to key on.
	memoize := opts.Compose.Merger == nil

	if memoize && ag.CacheMisses == 0 {
		a.mu.Lock()
		m, ok := a.memos[g.ID]
		a.mu.Unlock()
		if ok && m.fingerprint == fp {
			ag.Composite = m.composite
			ag.Reused = true
			return ag, nil
		}
	}
	c, _, err := composer.Compose(weighted, opts.Compose)
	if err != nil {
		return nil, err
	}
	ag.Composite = c
	if memoize {
		a.mu.Lock()
		a.memos[g.ID] = memo{fingerprint: fp, composite: c}
		a.mu.Unlock()
	}
	return ag, nil
}

// resolve returns the layer from the cache or through a coalesced load.
// Callers that wait on another caller's load count as misses.
func (a *Assembler) resolve(ctx context.Context, id string, opts layer.LoadOptions) (*layer.Layer, bool, error) {
	if l, ok := a.cache.Get(id); ok {
		return l, true, nil
	}
	// The shared load outlives any single waiter's cancellation so the
	// other waiters still get a result.
	loadCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(id, func() (any, error) {
		if l, ok := a.cache.Peek(id); ok {
			return l, nil
		}
		l, err := a.loader.LoadLayer(loadCtx, id, opts)
		if err != nil {
			return nil, err
		}
		if err := a.cache.Set(l); err != nil {
			if !errors.Is(err, cache.ErrTooLarge) {
				return nil, err
			}
			a.log.Warn().Str("event", "layer_uncached").Str("layer", id).Int64("size", l.Size).Msg("layer exceeds cache budget")
		}
		return l, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		return r.Val.(*layer.Layer), false, nil
	}
}

func (a *Assembler) record(ag *AssembledGenome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	a.hits += uint64(ag.CacheHits)
	a.misses += uint64(ag.CacheMisses)
	a.totalDur += ag.Duration

	gs := a.perGen[ag.GenomeID]
	if gs == nil {
		gs = &GenomeStats{}
		a.perGen[ag.GenomeID] = gs
	}
	gs.Assemblies++
	gs.Hits += uint64(ag.CacheHits)
	gs.Misses += uint64(ag.CacheMisses)
	gs.LastDuration = ag.Duration
	gs.LastAssembledAt = a.now()
	gs.CompositeChecksum = ag.Composite.Checksum

	a.releaseLocked(ag.GenomeID)
	ids := append([]string(nil), ag.Composite.LayerIDs...)
	a.held[ag.GenomeID] = ids
	for _, id := range ids {
		set := a.refs[id]
		if set == nil {
			set = make(map[string]struct{})
			a.refs[id] = set
		}
		set[ag.GenomeID] = struct{}{}
	}
}

// releaseLocked drops genomeID's references and returns the layer ids no
// other assembled genome still holds.
func (a *Assembler) releaseLocked(genomeID string) []string {
	ids, ok := a.held[genomeID]
	if !ok {
		return nil
	}
	delete(a.held, genomeID)
	var orphans []string
	for _, id := range ids {
		set := a.refs[id]
		delete(set, genomeID)
		if len(set) == 0 {
			delete(a.refs, id)
			orphans = append(orphans, id)
		}
	}
	return orphans
}

// PreloadGenome runs the assembly path to warm the cache and drops the
// composite.
func (a *Assembler) PreloadGenome(ctx context.Context, genomeID string) error {
	_, err := a.AssembleGenome(ctx, genomeID, Options{})
	return err
}

// UnloadGenome drops genomeID's layer references and evicts every layer no
// other assembled genome references. A genome that was never assembled
// has its layers looked up in the source; unknown genomes are a no-op.
func (a *Assembler) UnloadGenome(ctx context.Context, genomeID string) error {
	a.mu.Lock()
	_, tracked := a.held[genomeID]
	orphans := a.releaseLocked(genomeID)
	delete(a.memos, genomeID)
	a.mu.Unlock()

	if !tracked {
		g, err := a.source.Get(ctx, genomeID)
		if errors.Is(err, fault.GenomeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		a.mu.Lock()
		for _, id := range g.LayerIDs() {
			if len(a.refs[id]) == 0 {
				orphans = append(orphans, id)
			}
		}
		a.mu.Unlock()
	}
	evicted := 0
	for _, id := range orphans {
		if a.cache.Evict(id) {
			evicted++
		}
	}
	a.log.Info().Str("event", "genome_unloaded").Str("genome", genomeID).Int("evicted", evicted).Msg("genome unloaded")
	return nil
}

// Resident reports whether every layer of genomeID is in the cache.
func (a *Assembler) Resident(ctx context.Context, genomeID string) (bool, error) {
	g, err := a.source.Get(ctx, genomeID)
	if err != nil {
		return false, err
	}
	for _, ref := range g.Layers {
		if !a.cache.Has(ref.LayerID) {
			return false, nil
		}
	}
	return len(g.Layers) > 0, nil
}

// Refs returns how many assembled genomes reference layerID.
func (a *Assembler) Refs(layerID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.refs[layerID])
}

// GenomeStats returns the history for one genome.
func (a *Assembler) GenomeStats(genomeID string) (GenomeStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gs, ok := a.perGen[genomeID]
	if !ok {
		return GenomeStats{}, false
	}
	return *gs, true
}

// Stats returns a snapshot of assembler counters.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	s := Stats{
		Assemblies: a.total,
		Failures:   a.failures,
		Hits:       a.hits,
		Misses:     a.misses,
		Resident:   len(a.held),
		Genomes:    make(map[string]GenomeStats, len(a.perGen)),
	}
	if a.total > 0 {
		s.AvgDuration = a.totalDur / time.Duration(a.total)
	}
	for id, gs := range a.perGen {
		s.Genomes[id] = *gs
	}
	a.mu.Unlock()
	s.Thrash = a.thrash.Stats()
	return s
}
