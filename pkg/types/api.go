package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Optional genome identifier. If empty, the server default is used.
	// example: support-agent
	Genome string `json:"genome,omitempty" example:"support-agent"`
	// Required prompt text to generate a completion for.
	// example: Summarize the last ticket.
	Prompt string `json:"prompt" example:"Summarize the last ticket."`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Optional stop sequences.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 lets the worker choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: genome_not_found support-agent
	Error string `json:"error" example:"genome_not_found support-agent"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
	// Runtime error kind, when the failure was classified.
	// example: genome_not_found
	Kind string `json:"kind,omitempty" example:"genome_not_found"`
	// Runtime state captured when an acquire timed out or the pool degraded.
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

// GenomesResponse wraps the list returned by GET /genomes.
type GenomesResponse struct {
	Genomes []GenomeInfo `json:"genomes"`
}

// AssembleResponse is returned by POST /genomes/{id}/assemble.
type AssembleResponse struct {
	// example: support-agent
	GenomeID string `json:"genome_id" example:"support-agent"`
	// example: llama-3-8b
	BaseModel string `json:"base_model,omitempty" example:"llama-3-8b"`
	// example: 3
	LayerCount int `json:"layer_count" example:"3"`
	// Uncompressed bytes across all layers.
	// example: 125829120
	TotalBytes int64 `json:"total_bytes" example:"125829120"`
	// example: 42
	DurationMS int64 `json:"duration_ms" example:"42"`
	// example: 2
	CacheHits int `json:"cache_hits" example:"2"`
	// example: 1
	CacheMisses int `json:"cache_misses" example:"1"`
	// Checksum of the merged composite.
	Checksum string `json:"checksum"`
	// True when the composite was reused without merging again.
	Reused bool `json:"reused"`
}

// OpResponse acknowledges an asynchronous operation.
type OpResponse struct {
	// example: op-7
	OpID string `json:"op_id" example:"op-7"`
	// example: support-agent
	GenomeID string `json:"genome_id" example:"support-agent"`
}

// HealthResponse is returned by GET /healthz and GET /readyz.
type HealthResponse struct {
	// example: ok
	Status string `json:"status" example:"ok"`
	// Reason the server is not ready, if any.
	Reason string `json:"reason,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall runtime state: ready, degraded or closed.
	// example: ready
	State string `json:"state" example:"ready"`
	// Degradation detail when State is degraded.
	Degraded string `json:"degraded,omitempty"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Genomes with admission state or assembly history.
	Genomes []GenomeStatus `json:"genomes"`
	// Worker processes.
	Processes []ProcessStatus `json:"processes"`
	Pool      PoolStatus      `json:"pool"`
	Cache     CacheStatus     `json:"cache"`
	Thrash    ThrashStatus    `json:"thrash"`
}

// StatsResponse is returned by GET /stats: counters for every component.
type StatsResponse struct {
	Assembler AssemblerStats `json:"assembler"`
	Loader    LoaderStats    `json:"loader"`
	Cache     CacheStatus    `json:"cache"`
	Pool      PoolStatus     `json:"pool"`
	Thrash    ThrashStatus   `json:"thrash"`
	// Requests served by the manager since start.
	// example: 1024
	InferTotal uint64 `json:"infer_total" example:"1024"`
	// Requests that ended in an error.
	// example: 3
	InferErrors uint64 `json:"infer_errors" example:"3"`
	// Requests rejected by admission.
	// example: 1
	TooBusyTotal uint64 `json:"too_busy_total" example:"1"`
}

// Diagnostics is the runtime snapshot attached to capacity errors.
type Diagnostics struct {
	Pool   PoolStatus   `json:"pool"`
	Cache  CacheStatus  `json:"cache"`
	Thrash ThrashStatus `json:"thrash"`
	// Per-process view at the time of the failure.
	Processes []ProcessStatus `json:"processes,omitempty"`
}
