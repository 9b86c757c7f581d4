package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"genomed/internal/composer"
	"genomed/internal/fault"
	"genomed/internal/wire"
)

// Resolver produces the composite for a genome that is not hot anywhere.
// It is only called when no process already holds the genome.
type Resolver func(ctx context.Context) (*composer.Composite, error)

func errUnexpectedReply(rep wire.Reply) error {
	if rep == nil {
		return errors.New("pool: empty reply")
	}
	return fmt.Errorf("pool: unexpected %s reply", rep.Kind())
}

// Lease grants exclusive use of one process bound to one genome. Release
// must be called exactly once; further calls are no-ops.
type Lease struct {
	pool    *Pool
	proc    *process
	genome  string
	hot     bool
	once    sync.Once
	mu      sync.Mutex
	orphans []<-chan wire.Reply
}

func (l *Lease) ProcessID() string { return l.proc.id }
func (l *Lease) GenomeID() string  { return l.genome }

// Hot reports whether the genome was already bound when the lease was taken.
func (l *Lease) Hot() bool { return l.hot }

// Infer runs one generation on the leased process.
func (l *Lease) Infer(ctx context.Context, req wire.Infer) (wire.Result, error) {
	_, ch, err := l.proc.start(req)
	if err != nil {
		l.pool.countError(l.proc)
		return wire.Result{}, l.proc.crashError("pool.infer", err)
	}
	rep, err := l.proc.await(ctx, ch)
	if err != nil {
		if ctx.Err() != nil {
			// The worker keeps generating; Release waits for that reply
			// before the process takes new work.
			l.mu.Lock()
			l.orphans = append(l.orphans, ch)
			l.mu.Unlock()
			return wire.Result{}, ctx.Err()
		}
		l.pool.countError(l.proc)
		var we wire.Error
		if errors.As(err, &we) {
			return wire.Result{}, fmt.Errorf("worker %s: %w", l.proc.id, we)
		}
		return wire.Result{}, l.proc.crashError("pool.infer", err)
	}
	res, ok := rep.(wire.Result)
	if !ok {
		l.pool.countError(l.proc)
		return wire.Result{}, errUnexpectedReply(rep)
	}
	return res, nil
}

// Release returns the process to idle, keeping its genome bound.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		orphans := l.orphans
		l.mu.Unlock()
		if len(orphans) == 0 {
			l.pool.release(l.proc)
			return
		}
		go l.pool.drainOrphans(l.proc, orphans)
	})
}

func (p *Pool) countError(pr *process) {
	p.mu.Lock()
	pr.errors++
	p.mu.Unlock()
}

func (p *Pool) release(pr *process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.procs[pr.id]; !ok || cur != pr || pr.state != StateBusy {
		return
	}
	_ = p.setStateLocked(pr, StateIdle)
	pr.lastUsed = p.now()
}

// drainOrphans waits for abandoned generations to finish before the process
// is reused. A worker that never answers is replaced.
func (p *Pool) drainOrphans(pr *process, orphans []<-chan wire.Reply) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()
	for _, ch := range orphans {
		select {
		case <-ch:
		case <-pr.dead:
			return
		case <-deadline.C:
			p.mu.Lock()
			err := p.setStateLocked(pr, StateUnhealthy)
			p.mu.Unlock()
			if err == nil {
				p.log.Warn().Str("event", "process_unhealthy").Str("process", pr.id).Msg("abandoned generation never finished")
				_ = p.TerminateProcess(pr.id, "stuck_generation")
				p.poke()
			}
			return
		}
	}
	p.release(pr)
}

// IsHot reports whether some live process has genomeID bound.
func (p *Pool) IsHot(genomeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.procs {
		if pr.genome == genomeID && pr.state != StateUnhealthy && pr.state != StateTerminating {
			return true
		}
	}
	return false
}

// Unbind clears genomeID from every idle process holding it and demotes
// those processes. Busy processes keep the binding until their next unbind.
// It returns how many processes were unbound.
func (p *Pool) Unbind(genomeID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pr := range p.procs {
		if pr.genome != genomeID {
			continue
		}
		if pr.state != StateIdle && pr.state != StateReady {
			continue
		}
		p.unbindLocked(pr)
		n++
	}
	return n
}

func (p *Pool) unbindLocked(pr *process) {
	if pr.state == StateReady {
		_ = p.setStateLocked(pr, StateIdle)
	}
	genome := pr.genome
	pr.genome = ""
	pr.tier = moveTier(pr.tier, tierUnbind)
	p.broadcastLocked()
	go p.publish(Event{Name: "unbind", ProcessID: pr.id, GenomeID: genome, Fields: map[string]any{"tier": pr.tier.String()}})
}

// Acquire returns a lease on a process bound to genomeID. A process already
// holding the genome is reused without calling resolve. Otherwise resolve
// supplies the composite and the pool binds it to a free warm or cold
// process, spawns one on demand, or rebinds the least recently used idle
// process. Waiting is bounded by AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, genomeID string, resolve Resolver) (*Lease, error) {
	if l, err := p.tryHot(genomeID); l != nil || err != nil {
		return l, err
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-timer.C:
			cancel()
		case <-actx.Done():
		}
	}()

	comp, err := resolve(actx)
	if err != nil {
		if ctx.Err() == nil && actx.Err() != nil {
			return nil, p.acquireTimeout(genomeID)
		}
		return nil, err
	}

	for {
		l, wait, err := p.claim(actx, genomeID, comp)
		if err != nil {
			if ctx.Err() == nil && actx.Err() != nil {
				return nil, p.acquireTimeout(genomeID)
			}
			if actx.Err() == nil && retryable(err) {
				// Already counted against the retry budget; claim reports
				// PoolDegraded once it is spent.
				p.log.Debug().Str("event", "acquire_retry").Str("genome", genomeID).Err(err).Msg("retrying acquire")
				continue
			}
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		select {
		case <-wait:
		case <-actx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, p.acquireTimeout(genomeID)
		}
	}
}

// retryable reports whether err is a single spawn or worker failure that
// Acquire absorbs.
func retryable(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindSpawnFailed, fault.KindSpawnTimeout, fault.KindProcessCrashed:
		return !errors.Is(err, ErrClosed)
	}
	return false
}

func (p *Pool) acquireTimeout(genomeID string) error {
	err := fault.Newf(fault.KindAcquireTimeout, "pool.acquire", genomeID, "no process available within %s", p.cfg.AcquireTimeout)
	return fault.WithSnapshot(err, p.Stats())
}

func (p *Pool) gateLocked() error {
	if p.closed {
		return ErrClosed
	}
	if p.degraded {
		err := fault.Newf(fault.KindPoolDegraded, "pool.acquire", "", "%d consecutive spawn or terminate failures", p.failStreak)
		return fault.WithSnapshot(err, p.statsLocked())
	}
	return nil
}

func (p *Pool) hotLocked(genomeID string) *process {
	var best *process
	for _, pr := range p.procs {
		if pr.genome != genomeID || (pr.state != StateIdle && pr.state != StateReady) {
			continue
		}
		if best == nil || pr.lastUsed.Before(best.lastUsed) {
			best = pr
		}
	}
	return best
}

func (p *Pool) leaseLocked(pr *process, hot bool) *Lease {
	_ = p.setStateLocked(pr, StateBusy)
	pr.requests++
	pr.lastUsed = p.now()
	return &Lease{pool: p, proc: pr, genome: pr.genome, hot: hot}
}

func (p *Pool) tryHot(genomeID string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gateLocked(); err != nil {
		return nil, err
	}
	if pr := p.hotLocked(genomeID); pr != nil {
		return p.leaseLocked(pr, true), nil
	}
	return nil, nil
}

// claim makes one attempt to obtain a process. When nothing is available it
// returns a channel that closes on the next state change.
func (p *Pool) claim(ctx context.Context, genomeID string, comp *composer.Composite) (*Lease, <-chan struct{}, error) {
	p.mu.Lock()
	if err := p.gateLocked(); err != nil {
		p.mu.Unlock()
		return nil, nil, err
	}
	if pr := p.hotLocked(genomeID); pr != nil {
		l := p.leaseLocked(pr, true)
		p.mu.Unlock()
		return l, nil, nil
	}

	// Free unbound capacity, warm before cold.
	var free *process
	for _, pr := range p.procs {
		if pr.state != StateIdle || pr.genome != "" {
			continue
		}
		if free == nil || pr.tier > free.tier || (pr.tier == free.tier && pr.id < free.id) {
			free = pr
		}
	}
	if free != nil {
		_ = p.setStateLocked(free, StateLoading)
		p.mu.Unlock()
		l, err := p.bind(ctx, free, genomeID, comp)
		return l, nil, err
	}

	if p.hasCapacityLocked(Cold) == nil {
		p.mu.Unlock()
		pr, err := p.spawn(ctx, Cold, true)
		if err != nil {
			if errors.Is(err, errAtCapacity) {
				return nil, p.snapshotChanged(), nil
			}
			return nil, nil, err
		}
		l, err := p.bind(ctx, pr, genomeID, comp)
		return l, nil, err
	}

	// Rebind the least recently used idle process holding another genome.
	var victim *process
	for _, pr := range p.procs {
		if (pr.state != StateIdle && pr.state != StateReady) || pr.genome == "" {
			continue
		}
		if victim == nil || pr.lastUsed.Before(victim.lastUsed) {
			victim = pr
		}
	}
	if victim != nil {
		p.log.Debug().Str("event", "rebind").Str("process", victim.id).Str("from", victim.genome).Str("to", genomeID).Msg("rebinding idle process")
		p.unbindLocked(victim)
		_ = p.setStateLocked(victim, StateLoading)
		p.mu.Unlock()
		l, err := p.bind(ctx, victim, genomeID, comp)
		return l, nil, err
	}

	wait := p.changed
	p.mu.Unlock()
	return nil, wait, nil
}

func (p *Pool) snapshotChanged() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// bind loads comp into pr, which the caller has moved to loading. On success
// the process is promoted and leased; on failure it returns to idle unbound,
// or is terminated if it crashed.
func (p *Pool) bind(ctx context.Context, pr *process, genomeID string, comp *composer.Composite) (*Lease, error) {
	fail := func(err error) (*Lease, error) {
		crashed := errors.Is(err, fault.ProcessCrashed)
		reap := false
		p.mu.Lock()
		if cur, ok := p.procs[pr.id]; ok && cur == pr && pr.state == StateLoading {
			pr.genome = ""
			if crashed {
				reap = p.setStateLocked(pr, StateUnhealthy) == nil
			} else {
				_ = p.setStateLocked(pr, StateIdle)
			}
		}
		p.mu.Unlock()
		if reap {
			go func() { _ = p.TerminateProcess(pr.id, "crashed"); p.poke() }()
		}
		p.publish(Event{Name: "bind_failed", ProcessID: pr.id, GenomeID: genomeID, Fields: map[string]any{"error": err.Error()}})
		return nil, err
	}

	ref, err := p.spool(comp)
	if err != nil {
		return fail(err)
	}
	lctx, cancel := context.WithTimeout(ctx, p.cfg.LoadTimeout)
	defer cancel()
	start := p.now()
	rep, err := pr.call(lctx, wire.LoadGenome{GenomeID: genomeID, AdapterRef: ref})
	if err != nil {
		var we wire.Error
		if errors.As(err, &we) {
			return fail(fmt.Errorf("load genome %s on %s: %w", genomeID, pr.id, we))
		}
		if lctx.Err() != nil && !pr.exited() {
			// The worker may still be applying the adapter; it cannot be
			// trusted with another genome.
			p.mu.Lock()
			_ = p.setStateLocked(pr, StateUnhealthy)
			p.mu.Unlock()
			go func() { _ = p.TerminateProcess(pr.id, "load_abandoned"); p.poke() }()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("load genome %s on %s: timed out after %s", genomeID, pr.id, p.cfg.LoadTimeout)
		}
		return fail(pr.crashError("pool.bind", err))
	}
	if l, ok := rep.(wire.Loaded); !ok || l.GenomeID != genomeID {
		return fail(errUnexpectedReply(rep))
	}

	p.mu.Lock()
	if cur, ok := p.procs[pr.id]; !ok || cur != pr || pr.state != StateLoading {
		p.mu.Unlock()
		return nil, fault.Newf(fault.KindProcessCrashed, "pool.bind", pr.id, "process lost during load")
	}
	pr.genome = genomeID
	pr.tier = moveTier(pr.tier, tierBind)
	_ = p.setStateLocked(pr, StateReady)
	l := p.leaseLocked(pr, false)
	p.mu.Unlock()

	elapsed := p.now().Sub(start)
	p.log.Info().Str("event", "bind").Str("process", pr.id).Str("genome", genomeID).
		Str("checksum", comp.Checksum).Dur("elapsed", elapsed).Msg("genome bound")
	p.publish(Event{Name: "bind", ProcessID: pr.id, GenomeID: genomeID, Fields: map[string]any{
		"checksum": comp.Checksum, "elapsed_ms": elapsed.Milliseconds(),
	}})
	return l, nil
}

// spool writes comp as <dir>/<checksum>.adapter unless it is already there
// and returns the path.
func (p *Pool) spool(comp *composer.Composite) (string, error) {
	p.spoolOnce.Do(func() {
		if p.cfg.SpoolDir != "" {
			p.spoolDir = p.cfg.SpoolDir
			p.spoolErr = os.MkdirAll(p.spoolDir, 0o755)
			return
		}
		p.spoolDir, p.spoolErr = os.MkdirTemp("", "genomed-spool-")
		p.spoolTemp = p.spoolErr == nil
	})
	if p.spoolErr != nil {
		return "", fmt.Errorf("spool dir: %w", p.spoolErr)
	}
	path := filepath.Join(p.spoolDir, comp.Checksum+".adapter")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	b, err := composer.MarshalArtifact(comp)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(p.spoolDir, ".adapter-*")
	if err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("spool: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("spool: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("spool: %w", err)
	}
	return path, nil
}
