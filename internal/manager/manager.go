package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"genomed/internal/assembler"
	"genomed/internal/cache"
	"genomed/internal/genome"
	"genomed/internal/layer"
	"genomed/internal/pool"
)

// Manager is the request entry point of the genome runtime. It owns the
// assembler and per-genome admission; processes belong to the pool.
type Manager struct {
	mu        sync.RWMutex
	src       genome.Source
	loader    *layer.Loader
	cache     *cache.Cache
	pool      *pool.Pool
	asm       *assembler.Assembler
	asmOpts   assembler.Options
	lanes     map[string]*lane
	lastErr   string
	closed    bool
	publisher EventPublisher
	log       zerolog.Logger
	startTime time.Time

	defaultGenome string
	maxQueueDepth int
	maxInflight   int
	maxWait       time.Duration
	drainTimeout  time.Duration

	opSeq       atomic.Uint64
	inferTotal  atomic.Uint64
	inferErrors atomic.Uint64
	tooBusy     atomic.Uint64
}

// SetEventPublisher replaces the publisher. Safe before serving traffic.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		p = noopPublisher{}
	}
	m.publisher = p
}

func (m *Manager) publish(e Event) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	p.Publish(e)
}

// Assembler exposes the assembler for read-only monitoring.
func (m *Manager) Assembler() *assembler.Assembler { return m.asm }

// Pool exposes the process pool for read-only monitoring.
func (m *Manager) Pool() *pool.Pool { return m.pool }

// Ready reports whether the manager accepts work: it is open and the pool
// is not degraded.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return false
	}
	return m.pool.Degraded() == nil
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

// Close rejects new work and shuts the pool down, draining leases until
// ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.publish(Event{Name: "manager_close"})
	return m.pool.Shutdown(ctx)
}
