// Package pool supervises worker processes. Each process speaks the wire
// protocol, holds at most one genome, and moves through an explicit state
// machine. The pool keeps tier minimums, replaces crashed or unhealthy
// workers, and hands out leases for inference.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"genomed/internal/fault"
	"genomed/internal/wire"
)

// ErrClosed is returned by operations on a pool that is shutting down.
var ErrClosed = errors.New("pool: closed")

var errAtCapacity = errors.New("at capacity")

// Event is a lifecycle notification emitted by the pool.
type Event struct {
	Name      string
	ProcessID string
	GenomeID  string
	Fields    map[string]any
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

// WithEvents registers a callback for lifecycle events. It is called without
// the pool lock held.
func WithEvents(fn func(Event)) Option { return func(p *Pool) { p.events = fn } }

// Pool owns every worker process.
type Pool struct {
	cfg     Config
	spawner Spawner
	log     zerolog.Logger
	events  func(Event)
	now     func() time.Time

	mu            sync.Mutex
	procs         map[string]*process
	pending       map[Tier]int
	seq           uint64
	spawnFailures uint64
	failStreak    int
	degraded      bool
	retired       struct{ requests, errors uint64 }
	changed       chan struct{}
	closed        bool

	kick       chan struct{}
	stopHealth chan struct{}
	healthDone chan struct{}
	healthOnce sync.Once

	spoolOnce sync.Once
	spoolDir  string
	spoolTemp bool
	spoolErr  error
}

// New builds a pool. Nothing is spawned until Initialize.
func New(cfg Config, sp Spawner, opts ...Option) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		spawner:    sp,
		log:        zerolog.Nop(),
		events:     func(Event) {},
		now:        time.Now,
		procs:      make(map[string]*process),
		pending:    make(map[Tier]int),
		changed:    make(chan struct{}),
		kick:       make(chan struct{}, 1),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With().Str("component", "pool").Logger()
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Initialize spawns every tier's minimum within StartupGrace and starts the
// health loop. Falling short of the minimums is reported as SpawnFailed.
func (p *Pool) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartupGrace)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range Tiers {
		t := t // per-iteration copy (pre-Go 1.22 loop semantics)
		for i := 0; i < p.cfg.Tiers[t].Min; i++ {
			g.Go(func() error {
				_, err := p.SpawnProcess(gctx, t)
				return err
			})
		}
	}
	err := g.Wait()
	// The health loop retries missing minimums, so it runs even when the
	// initial fill fell short.
	p.healthOnce.Do(func() { go p.healthLoop() })
	if err != nil {
		if fault.KindOf(err) == fault.KindUnknown {
			err = fault.New(fault.KindSpawnFailed, "pool.initialize", "", err)
		}
		return err
	}
	p.log.Info().Str("event", "pool_ready").Int("processes", p.count()).Msg("pool initialized")
	return nil
}

func (p *Pool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

func (p *Pool) publish(ev Event) {
	if p.events != nil {
		p.events(ev)
	}
}

// broadcastLocked wakes everyone waiting for a state change.
func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) pendingTotalLocked() int {
	n := 0
	for _, c := range p.pending {
		n += c
	}
	return n
}

func (p *Pool) tierCountLocked(t Tier) int {
	n := p.pending[t]
	for _, pr := range p.procs {
		if pr.tier == t && pr.state != StateUnhealthy && pr.state != StateTerminating {
			n++
		}
	}
	return n
}

// hasCapacityLocked reports whether one more spawn fits. Pending spawns
// count against both the global and the per-tier cap.
func (p *Pool) hasCapacityLocked(t Tier) error {
	if len(p.procs)+p.pendingTotalLocked() >= p.cfg.MaxProcesses {
		return fmt.Errorf("%w (%d processes)", errAtCapacity, p.cfg.MaxProcesses)
	}
	if max := p.cfg.Tiers[t].Max; max > 0 && p.tierCountLocked(t) >= max {
		return fmt.Errorf("tier %s %w (%d)", t, errAtCapacity, max)
	}
	return nil
}

func (p *Pool) setStateLocked(pr *process, to State) error {
	if !canTransition(pr.state, to) {
		return transitionError{id: pr.id, from: pr.state, to: to}
	}
	pr.state = to
	p.broadcastLocked()
	return nil
}

// SpawnProcess starts one worker in tier t and waits for its ready message.
// A worker that fails to become ready is killed and never registered.
func (p *Pool) SpawnProcess(ctx context.Context, t Tier) (ProcessInfo, error) {
	pr, err := p.spawn(ctx, t, false)
	if err != nil {
		return ProcessInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked(pr, p.now()), nil
}

// spawn registers the new process as idle, or as loading when claim is set
// so that no other acquirer can take it first.
func (p *Pool) spawn(ctx context.Context, t Tier, claim bool) (*process, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if err := p.hasCapacityLocked(t); err != nil {
		p.mu.Unlock()
		return nil, fault.New(fault.KindSpawnFailed, "pool.spawn", "", err)
	}
	p.pending[t]++
	p.seq++
	id := fmt.Sprintf("w%d", p.seq)
	p.mu.Unlock()

	p.publish(Event{Name: "spawn_start", ProcessID: id, Fields: map[string]any{"tier": t.String()}})
	start := p.now()

	h, err := p.spawner.Spawn(ctx, id)
	if err != nil {
		return nil, p.spawnFailed(t, id, fault.New(fault.KindSpawnFailed, "pool.spawn", id, err))
	}
	pr := newProcess(id, h, t, start)
	go pr.readLoop()

	timer := time.NewTimer(p.cfg.SpawnTimeout)
	defer timer.Stop()
	var ready wire.Ready
	select {
	case ready = <-pr.ready:
	case <-pr.dead:
		p.reap(pr)
		cause := fmt.Errorf("exited before ready: %v", exitCause(pr))
		if tail := h.Diagnostics(); tail != "" {
			cause = fmt.Errorf("%w; stderr tail: %s", cause, tail)
		}
		return nil, p.spawnFailed(t, id, fault.New(fault.KindSpawnFailed, "pool.spawn", id, cause))
	case <-timer.C:
		p.reap(pr)
		p.publish(Event{Name: "spawn_timeout", ProcessID: id, Fields: map[string]any{"pid": pr.pid}})
		return nil, p.spawnFailed(t, id, fault.Newf(fault.KindSpawnTimeout, "pool.spawn", id, "no ready message within %s", p.cfg.SpawnTimeout))
	case <-ctx.Done():
		p.reap(pr)
		return nil, p.spawnFailed(t, id, fault.New(fault.KindSpawnFailed, "pool.spawn", id, ctx.Err()))
	}

	p.mu.Lock()
	p.pending[t]--
	if p.closed {
		p.mu.Unlock()
		p.reap(pr)
		return nil, ErrClosed
	}
	p.procs[id] = pr
	_ = p.setStateLocked(pr, StateIdle)
	if claim {
		_ = p.setStateLocked(pr, StateLoading)
	}
	p.noteSuccessLocked()
	p.mu.Unlock()

	go p.watch(pr)
	elapsed := p.now().Sub(start)
	p.log.Info().Str("event", "spawn_ready").Str("process", id).Int("pid", ready.PID).
		Str("tier", t.String()).Dur("elapsed", elapsed).Msg("worker ready")
	p.publish(Event{Name: "spawn_ready", ProcessID: id, Fields: map[string]any{
		"pid": ready.PID, "tier": t.String(), "elapsed_ms": elapsed.Milliseconds(), "version": ready.Version,
	}})
	return pr, nil
}

func exitCause(pr *process) error {
	select {
	case <-pr.h.Exited():
		if err := pr.h.ExitErr(); err != nil {
			return err
		}
	default:
	}
	if pr.readErr != nil {
		return pr.readErr
	}
	return errProcessGone
}

// reap kills a worker that never made it into the table.
func (p *Pool) reap(pr *process) {
	_ = pr.h.Kill()
	_ = pr.h.Stdin().Close()
	select {
	case <-pr.h.Exited():
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn().Str("event", "reap_stuck").Str("process", pr.id).Msg("worker did not exit after kill")
	}
}

func (p *Pool) spawnFailed(t Tier, id string, err error) error {
	p.mu.Lock()
	p.pending[t]--
	p.spawnFailures++
	p.noteFailureLocked()
	p.broadcastLocked()
	p.mu.Unlock()
	p.log.Warn().Str("event", "spawn_failed").Str("process", id).Err(err).Msg("spawn failed")
	p.publish(Event{Name: "spawn_failed", ProcessID: id, Fields: map[string]any{"error": err.Error()}})
	return err
}

func (p *Pool) noteFailureLocked() {
	p.failStreak++
	if p.failStreak >= p.cfg.RetryBudget && !p.degraded {
		p.degraded = true
		p.log.Error().Str("event", "pool_degraded").Int("failures", p.failStreak).Msg("retry budget exhausted")
		go p.publish(Event{Name: "pool_degraded", Fields: map[string]any{"failures": p.failStreak}})
	}
}

func (p *Pool) noteSuccessLocked() {
	p.failStreak = 0
	if p.degraded {
		p.degraded = false
		p.log.Info().Str("event", "pool_recovered").Msg("pool recovered")
		go p.publish(Event{Name: "pool_recovered"})
	}
}

// watch turns an unexpected worker exit into an unhealthy process that the
// pool terminates and replaces.
func (p *Pool) watch(pr *process) {
	<-pr.dead
	p.mu.Lock()
	cur, ok := p.procs[pr.id]
	if !ok || cur != pr || pr.state == StateTerminating || pr.state == StateUnhealthy {
		p.mu.Unlock()
		return
	}
	_ = p.setStateLocked(pr, StateUnhealthy)
	genome := pr.genome
	p.mu.Unlock()

	p.log.Warn().Str("event", "process_crashed").Str("process", pr.id).Err(exitCause(pr)).Msg("worker exited unexpectedly")
	p.publish(Event{Name: "process_crashed", ProcessID: pr.id, GenomeID: genome, Fields: map[string]any{"error": exitCause(pr).Error()}})
	_ = p.TerminateProcess(pr.id, "crashed")
	p.poke()
}

// poke asks the health loop to run now.
func (p *Pool) poke() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// TerminateProcess removes a process: it sends shutdown, waits up to
// ShutdownGrace, then kills. A busy or loading process is marked unhealthy
// first; its lease holder sees ProcessCrashed.
func (p *Pool) TerminateProcess(id, reason string) error {
	p.mu.Lock()
	pr, ok := p.procs[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: no process %s", id)
	}
	switch pr.state {
	case StateTerminating:
		p.mu.Unlock()
		return nil
	case StateBusy, StateLoading:
		_ = p.setStateLocked(pr, StateUnhealthy)
	}
	if err := p.setStateLocked(pr, StateTerminating); err != nil {
		p.mu.Unlock()
		return err
	}
	genome := pr.genome
	p.mu.Unlock()

	forced := false
	if !pr.exited() {
		go func() { _ = pr.send(wire.Shutdown{}) }()
		select {
		case <-pr.h.Exited():
		case <-time.After(p.cfg.ShutdownGrace):
			forced = true
			_ = pr.h.Kill()
		}
	}
	_ = pr.h.Stdin().Close()

	stuck := false
	select {
	case <-pr.h.Exited():
	case <-time.After(p.cfg.ShutdownGrace):
		stuck = true
	}

	p.mu.Lock()
	delete(p.procs, id)
	p.retired.requests += pr.requests
	p.retired.errors += pr.errors
	if stuck {
		p.noteFailureLocked()
	}
	p.broadcastLocked()
	p.mu.Unlock()

	ev := p.log.Info()
	if forced || stuck {
		ev = p.log.Warn()
	}
	ev.Str("event", "process_terminated").Str("process", id).Str("reason", reason).
		Bool("forced", forced).Msg("worker terminated")
	p.publish(Event{Name: "process_terminated", ProcessID: id, GenomeID: genome, Fields: map[string]any{
		"reason": reason, "forced": forced,
	}})
	if stuck {
		return fmt.Errorf("pool: process %s did not exit after kill", id)
	}
	return nil
}

// Degraded returns a PoolDegraded error while the retry budget is exhausted.
func (p *Pool) Degraded() error {
	p.mu.Lock()
	degraded, streak := p.degraded, p.failStreak
	p.mu.Unlock()
	if !degraded {
		return nil
	}
	err := fault.Newf(fault.KindPoolDegraded, "pool", "", "%d consecutive spawn or terminate failures", streak)
	return fault.WithSnapshot(err, p.Stats())
}

// Shutdown stops the health loop, waits for busy processes until ctx ends,
// then terminates every process.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.broadcastLocked()
	p.mu.Unlock()

	close(p.stopHealth)
	// Closes healthDone only if the loop never started.
	p.healthOnce.Do(func() { close(p.healthDone) })
	<-p.healthDone

	p.waitIdle(ctx)

	p.mu.Lock()
	ids := make([]string, 0, len(p.procs))
	for id, pr := range p.procs {
		switch pr.state {
		case StateBusy, StateLoading:
			_ = p.setStateLocked(pr, StateUnhealthy)
		}
		if pr.state != StateTerminating {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error { return p.TerminateProcess(id, "shutdown") })
	}
	err := g.Wait()
	if n := p.waitDrained(2 * p.cfg.ShutdownGrace); n > 0 {
		err = errors.Join(err, fmt.Errorf("pool: %d processes still terminating", n))
	}

	if p.spoolTemp {
		_ = os.RemoveAll(p.spoolDir)
	}
	p.log.Info().Str("event", "pool_stopped").Msg("pool stopped")
	return err
}

// waitIdle blocks until no process is busy or loading, or ctx ends.
func (p *Pool) waitIdle(ctx context.Context) {
	for {
		p.mu.Lock()
		busy := 0
		for _, pr := range p.procs {
			if pr.state == StateBusy || pr.state == StateLoading {
				busy++
			}
		}
		ch := p.changed
		p.mu.Unlock()
		if busy == 0 {
			return
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

// waitDrained waits for terminations started elsewhere (crash handling) to
// empty the table and returns how many processes remain.
func (p *Pool) waitDrained(limit time.Duration) int {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		n := len(p.procs)
		ch := p.changed
		p.mu.Unlock()
		if n == 0 {
			return 0
		}
		select {
		case <-ch:
		case <-deadline.C:
			return n
		}
	}
}

// ProcessInfo is a point-in-time view of one process.
type ProcessInfo struct {
	ID              string        `json:"id"`
	PID             int           `json:"pid"`
	Tier            string        `json:"tier"`
	State           string        `json:"state"`
	GenomeID        string        `json:"genome_id,omitempty"`
	Requests        uint64        `json:"requests"`
	Errors          uint64        `json:"errors"`
	MemoryBytes     uint64        `json:"memory_bytes"`
	Uptime          time.Duration `json:"uptime_ns"`
	LastUsed        time.Time     `json:"last_used"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`
}

func (p *Pool) infoLocked(pr *process, now time.Time) ProcessInfo {
	return ProcessInfo{
		ID:              pr.id,
		PID:             pr.pid,
		Tier:            pr.tier.String(),
		State:           pr.state.String(),
		GenomeID:        pr.genome,
		Requests:        pr.requests,
		Errors:          pr.errors,
		MemoryBytes:     pr.memory,
		Uptime:          now.Sub(pr.spawnedAt),
		LastUsed:        pr.lastUsed,
		LastHealthCheck: pr.lastHealth,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total         int            `json:"total"`
	Pending       int            `json:"pending"`
	ByState       map[string]int `json:"by_state"`
	ByTier        map[string]int `json:"by_tier"`
	MemoryBytes   uint64         `json:"memory_bytes"`
	Requests      uint64         `json:"requests"`
	Errors        uint64         `json:"errors"`
	SpawnFailures uint64         `json:"spawn_failures"`
	Degraded      bool           `json:"degraded"`
	Processes     []ProcessInfo  `json:"processes"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	now := p.now()
	s := Stats{
		Total:         len(p.procs),
		Pending:       p.pendingTotalLocked(),
		ByState:       make(map[string]int),
		ByTier:        make(map[string]int),
		Requests:      p.retired.requests,
		Errors:        p.retired.errors,
		SpawnFailures: p.spawnFailures,
		Degraded:      p.degraded,
		Processes:     make([]ProcessInfo, 0, len(p.procs)),
	}
	if s.Pending > 0 {
		s.ByState[StateSpawning.String()] = s.Pending
	}
	for _, pr := range p.procs {
		s.ByState[pr.state.String()]++
		s.ByTier[pr.tier.String()]++
		s.MemoryBytes += pr.memory
		s.Requests += pr.requests
		s.Errors += pr.errors
		s.Processes = append(s.Processes, p.infoLocked(pr, now))
	}
	sort.Slice(s.Processes, func(i, j int) bool { return s.Processes[i].ID < s.Processes[j].ID })
	return s
}
