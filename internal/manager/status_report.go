package manager

import (
	"context"
	"sort"
	"time"

	"genomed/internal/assembler"
	"genomed/internal/cache"
	"genomed/internal/genome"
	"genomed/internal/pool"
	"genomed/pkg/types"
)

// ListGenomes returns every stored genome with its current readiness.
func (m *Manager) ListGenomes(ctx context.Context) ([]types.GenomeInfo, error) {
	gs, err := m.src.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.GenomeInfo, 0, len(gs))
	for _, g := range gs {
		out = append(out, m.genomeInfo(ctx, g))
	}
	return out, nil
}

// GetGenome returns one genome with its current readiness.
func (m *Manager) GetGenome(ctx context.Context, genomeID string) (types.GenomeInfo, error) {
	g, err := m.src.Get(ctx, genomeID)
	if err != nil {
		return types.GenomeInfo{}, err
	}
	return m.genomeInfo(ctx, g), nil
}

func (m *Manager) genomeInfo(ctx context.Context, g genome.Genome) types.GenomeInfo {
	info := types.GenomeInfo{
		ID:        g.ID,
		BaseModel: g.BaseModel,
		Layers:    make([]types.LayerRef, len(g.Layers)),
	}
	for i, l := range g.Layers {
		info.Layers[i] = types.LayerRef{LayerID: l.LayerID, Weight: l.Weight}
	}
	if !g.UpdatedAt.IsZero() {
		info.UpdatedUnix = g.UpdatedAt.Unix()
	}
	r, err := m.Readiness(ctx, g.ID)
	if err != nil {
		r = assembler.Cold
	}
	info.Readiness = r.String()
	return info
}

// Status builds a detailed status response for /status.
func (m *Manager) Status(ctx context.Context) types.StatusResponse {
	now := time.Now()
	ps := m.pool.Stats()
	resp := types.StatusResponse{
		State:          "ready",
		UptimeSeconds:  int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
		Pool:           poolStatus(ps),
		Processes:      processStatuses(ps.Processes),
		Cache:          cacheStatus(m.cache),
		Thrash:         thrashStatus(m.asm.Thrash().Stats()),
	}
	if err := m.pool.Degraded(); err != nil {
		resp.State = "degraded"
		resp.Degraded = err.Error()
	}

	asm := m.asm.Stats()
	m.mu.RLock()
	if m.closed {
		resp.State = "closed"
	}
	resp.LastError = m.lastErr
	ids := make(map[string]struct{}, len(m.lanes)+len(asm.Genomes))
	for id := range m.lanes {
		ids[id] = struct{}{}
	}
	for id := range asm.Genomes {
		ids[id] = struct{}{}
	}
	resp.Genomes = make([]types.GenomeStatus, 0, len(ids))
	for id := range ids {
		gs := types.GenomeStatus{ID: id, MaxQueueDepth: m.maxQueueDepth}
		if l := m.lanes[id]; l != nil {
			gs.QueueLen = len(l.queueCh)
			gs.Inflight = len(l.genCh)
			gs.Draining = l.draining
		}
		if h, ok := asm.Genomes[id]; ok {
			gs.Assemblies = h.Assemblies
			gs.CacheHits = h.Hits
			gs.CacheMisses = h.Misses
			gs.LastAssemblyMS = h.LastDuration.Milliseconds()
			gs.Checksum = h.CompositeChecksum
			if !h.LastAssembledAt.IsZero() {
				gs.LastAssembledUnix = h.LastAssembledAt.Unix()
			}
		}
		resp.Genomes = append(resp.Genomes, gs)
	}
	m.mu.RUnlock()

	for i := range resp.Genomes {
		r, err := m.Readiness(ctx, resp.Genomes[i].ID)
		if err != nil {
			r = assembler.Cold
		}
		resp.Genomes[i].Readiness = r.String()
	}
	sort.Slice(resp.Genomes, func(i, j int) bool { return resp.Genomes[i].ID < resp.Genomes[j].ID })
	return resp
}

// Stats returns counters for every component.
func (m *Manager) Stats() types.StatsResponse {
	as := m.asm.Stats()
	ls := m.loader.Stats()
	return types.StatsResponse{
		Assembler: types.AssemblerStats{
			Assemblies:    as.Assemblies,
			Failures:      as.Failures,
			CacheHits:     as.Hits,
			CacheMiss:     as.Misses,
			AvgAssemblyMS: float64(as.AvgDuration) / float64(time.Millisecond),
			Resident:      as.Resident,
		},
		Loader: types.LoaderStats{
			LayersLoaded: ls.LayersLoaded,
			BytesRead:    ls.BytesRead,
			Failures:     ls.Failures,
			AvgLoadMS:    float64(ls.AvgLoadLatency) / float64(time.Millisecond),
		},
		Cache:        cacheStatus(m.cache),
		Pool:         poolStatus(m.pool.Stats()),
		Thrash:       thrashStatus(as.Thrash),
		InferTotal:   m.inferTotal.Load(),
		InferErrors:  m.inferErrors.Load(),
		TooBusyTotal: m.tooBusy.Load(),
	}
}

// Diagnostics captures the runtime view attached to capacity errors.
func (m *Manager) Diagnostics() types.Diagnostics {
	ps := m.pool.Stats()
	return types.Diagnostics{
		Pool:      poolStatus(ps),
		Cache:     cacheStatus(m.cache),
		Thrash:    thrashStatus(m.asm.Thrash().Stats()),
		Processes: processStatuses(ps.Processes),
	}
}

func poolStatus(s pool.Stats) types.PoolStatus {
	return types.PoolStatus{
		Total:         s.Total,
		Pending:       s.Pending,
		ByState:       s.ByState,
		ByTier:        s.ByTier,
		MemoryBytes:   s.MemoryBytes,
		Requests:      s.Requests,
		Errors:        s.Errors,
		SpawnFailures: s.SpawnFailures,
		Degraded:      s.Degraded,
	}
}

func processStatuses(ps []pool.ProcessInfo) []types.ProcessStatus {
	out := make([]types.ProcessStatus, 0, len(ps))
	for _, p := range ps {
		st := types.ProcessStatus{
			ID:            p.ID,
			PID:           p.PID,
			Tier:          p.Tier,
			State:         p.State,
			GenomeID:      p.GenomeID,
			Requests:      p.Requests,
			Errors:        p.Errors,
			MemoryBytes:   p.MemoryBytes,
			UptimeSeconds: int64(p.Uptime.Seconds()),
		}
		if !p.LastHealthCheck.IsZero() {
			st.LastHealthUnix = p.LastHealthCheck.Unix()
		}
		out = append(out, st)
	}
	return out
}

func cacheStatus(c *cache.Cache) types.CacheStatus {
	s := c.Stats()
	return types.CacheStatus{
		Hits:      s.Hits,
		Misses:    s.Misses,
		Evictions: s.Evictions,
		BytesUsed: s.BytesUsed,
		Budget:    s.Budget,
		Entries:   s.Entries,
		HitRate:   s.HitRate(),
		Keys:      c.Keys(),
	}
}

func thrashStatus(s assembler.ThrashStats) types.ThrashStatus {
	return types.ThrashStatus{
		Ratio:     s.Ratio,
		Threshold: s.Threshold,
		Samples:   s.Samples,
		Thrashing: s.Thrashing,
	}
}
