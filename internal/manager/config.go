package manager

import (
	"time"

	"github.com/rs/zerolog"

	"genomed/internal/assembler"
	"genomed/internal/cache"
	"genomed/internal/genome"
	"genomed/internal/layer"
	"genomed/internal/pool"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxInflight   = 1
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 10 * time.Second
)

// ManagerConfig encapsulates all tunables and collaborators for Manager
// construction. Source, Loader, Cache and Pool are required.
type ManagerConfig struct {
	Source genome.Source
	Loader *layer.Loader
	Cache  *cache.Cache
	Pool   *pool.Pool

	// DefaultGenome serves requests that name no genome.
	DefaultGenome string
	// Per-genome admission: queued requests and concurrent generations.
	MaxQueueDepth int
	MaxInflight   int
	MaxWait       time.Duration
	// DrainTimeout bounds how long Unload waits for queued work.
	DrainTimeout time.Duration

	Assemble        assembler.Options
	ThrashWindow    int
	ThrashThreshold float64

	Publisher EventPublisher
	Logger    zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		src:           cfg.Source,
		loader:        cfg.Loader,
		cache:         cfg.Cache,
		pool:          cfg.Pool,
		defaultGenome: cfg.DefaultGenome,
		asmOpts:       cfg.Assemble,
		lanes:         make(map[string]*lane),
		publisher:     cfg.Publisher,
		log:           cfg.Logger.With().Str("component", "manager").Logger(),
		startTime:     time.Now(),
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	m.maxQueueDepth = cfg.MaxQueueDepth
	if m.maxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	}
	m.maxInflight = cfg.MaxInflight
	if m.maxInflight <= 0 {
		m.maxInflight = defaultMaxInflight
	}
	m.maxWait = cfg.MaxWait
	if m.maxWait <= 0 {
		m.maxWait = defaultMaxWait
	}
	m.drainTimeout = cfg.DrainTimeout
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	window, threshold := cfg.ThrashWindow, cfg.ThrashThreshold
	if window <= 0 {
		window = assembler.DefaultThrashWindow
	}
	if threshold <= 0 {
		threshold = assembler.DefaultThrashThreshold
	}
	m.asm = assembler.New(cfg.Source, cfg.Loader, cfg.Cache,
		assembler.WithLogger(cfg.Logger),
		assembler.WithThrashDetector(assembler.NewThrashDetector(window, threshold)),
	)
	return m
}
