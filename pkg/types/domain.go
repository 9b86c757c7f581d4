package types

// LayerRef is one weighted layer of a genome.
type LayerRef struct {
	// example: tone-formal
	LayerID string `json:"layer_id" example:"tone-formal"`
	// example: 0.5
	Weight float64 `json:"weight" example:"0.5"`
}

// GenomeInfo describes a genome as stored, plus its current readiness.
type GenomeInfo struct {
	// example: support-agent
	ID string `json:"id" example:"support-agent"`
	// example: llama-3-8b
	BaseModel string `json:"base_model,omitempty" example:"llama-3-8b"`
	// Layers in composition order.
	Layers []LayerRef `json:"layers"`
	// example: 1700000000
	UpdatedUnix int64 `json:"updated_unix,omitempty" example:"1700000000"`
	// hot, warm or cold.
	// example: warm
	Readiness string `json:"readiness" example:"warm"`
}

// GenomeStatus summarizes one genome for /status.
type GenomeStatus struct {
	// example: support-agent
	ID string `json:"id" example:"support-agent"`
	// example: hot
	Readiness string `json:"readiness" example:"hot"`
	// example: 12
	Assemblies uint64 `json:"assemblies" example:"12"`
	// example: 30
	CacheHits uint64 `json:"cache_hits" example:"30"`
	// example: 6
	CacheMisses uint64 `json:"cache_misses" example:"6"`
	// example: 35
	LastAssemblyMS int64 `json:"last_assembly_ms" example:"35"`
	// example: 1700000000
	LastAssembledUnix int64  `json:"last_assembled_unix,omitempty" example:"1700000000"`
	Checksum          string `json:"checksum,omitempty"`
	// Requests waiting for admission.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Requests currently generating.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// True while an unload is draining this genome.
	Draining bool `json:"draining,omitempty"`
}

// ProcessStatus summarizes one worker process.
type ProcessStatus struct {
	// example: w3
	ID string `json:"id" example:"w3"`
	// example: 12345
	PID int `json:"pid" example:"12345"`
	// example: hot
	Tier string `json:"tier" example:"hot"`
	// example: idle
	State    string `json:"state" example:"idle"`
	GenomeID string `json:"genome_id,omitempty"`
	// example: 240
	Requests uint64 `json:"requests" example:"240"`
	// example: 0
	Errors uint64 `json:"errors" example:"0"`
	// example: 734003200
	MemoryBytes uint64 `json:"memory_bytes" example:"734003200"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	LastHealthUnix int64 `json:"last_health_unix,omitempty" example:"1700000000"`
}

// PoolStatus aggregates the process pool.
type PoolStatus struct {
	// example: 4
	Total int `json:"total" example:"4"`
	// Spawns in flight.
	// example: 0
	Pending       int            `json:"pending" example:"0"`
	ByState       map[string]int `json:"by_state"`
	ByTier        map[string]int `json:"by_tier"`
	MemoryBytes   uint64         `json:"memory_bytes"`
	Requests      uint64         `json:"requests"`
	Errors        uint64         `json:"errors"`
	SpawnFailures uint64         `json:"spawn_failures"`
	Degraded      bool           `json:"degraded"`
}

// CacheStatus aggregates the layer cache.
type CacheStatus struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	// example: 83886080
	BytesUsed int64 `json:"bytes_used" example:"83886080"`
	// example: 104857600
	Budget int64 `json:"budget" example:"104857600"`
	// example: 2
	Entries int `json:"entries" example:"2"`
	// example: 0.75
	HitRate float64 `json:"hit_rate" example:"0.75"`
	// Cached layer ids from least to most recently used.
	Keys []string `json:"keys,omitempty"`
}

// ThrashStatus reports the assembly/inference time ratio.
type ThrashStatus struct {
	// example: 0.12
	Ratio float64 `json:"ratio" example:"0.12"`
	// example: 0.5
	Threshold float64 `json:"threshold" example:"0.5"`
	// example: 64
	Samples   int  `json:"samples" example:"64"`
	Thrashing bool `json:"thrashing"`
}

// AssemblerStats aggregates genome assembly.
type AssemblerStats struct {
	Assemblies uint64 `json:"assemblies"`
	Failures   uint64 `json:"failures"`
	CacheHits  uint64 `json:"cache_hits"`
	CacheMiss  uint64 `json:"cache_misses"`
	// example: 40
	AvgAssemblyMS float64 `json:"avg_assembly_ms" example:"40"`
	// Genomes whose layers are currently referenced.
	Resident int `json:"resident_genomes"`
}

// LoaderStats aggregates backing-store reads.
type LoaderStats struct {
	LayersLoaded uint64  `json:"layers_loaded"`
	BytesRead    uint64  `json:"bytes_read"`
	Failures     uint64  `json:"failures"`
	AvgLoadMS    float64 `json:"avg_load_ms"`
}
