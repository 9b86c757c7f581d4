package pool

import (
	"context"
	"sync"
	"time"

	"genomed/internal/wire"
)

// healthLoop pings workers every HealthInterval, replaces those that fail
// and tops tiers back up to their minimums. It never holds the pool lock
// across worker I/O.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	t := time.NewTicker(p.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-t.C:
		case <-p.kick:
		}
		p.checkHealth()
		p.ensureMinimums()
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	var targets []*process
	for _, pr := range p.procs {
		switch pr.state {
		// Load is handled inline by the worker, so a ping would only queue
		// behind it.
		case StateLoading, StateUnhealthy, StateTerminating:
			continue
		}
		targets = append(targets, pr)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, pr := range targets {
		pr := pr // per-iteration copy (pre-Go 1.22 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.ping(pr)
		}()
	}
	wg.Wait()
}

func (p *Pool) ping(pr *process) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthTimeout)
	defer cancel()
	rep, err := pr.call(ctx, wire.HealthCheck{})
	if err == nil {
		h, ok := rep.(wire.Health)
		if ok {
			p.mu.Lock()
			pr.memory = h.MemoryBytes
			pr.lastHealth = p.now()
			p.mu.Unlock()
			return
		}
	}

	p.mu.Lock()
	cur, ok := p.procs[pr.id]
	if !ok || cur != pr || p.setStateLocked(pr, StateUnhealthy) != nil {
		p.mu.Unlock()
		return
	}
	genome := pr.genome
	p.mu.Unlock()

	reason := "health_check_failed"
	if err == nil {
		err = errUnexpectedReply(rep)
	}
	p.log.Warn().Str("event", "process_unhealthy").Str("process", pr.id).Err(err).Msg("health check failed")
	p.publish(Event{Name: "process_unhealthy", ProcessID: pr.id, GenomeID: genome, Fields: map[string]any{"error": err.Error()}})
	_ = p.TerminateProcess(pr.id, reason)
}

// ensureMinimums spawns into every tier that is below its minimum. Failures
// count against the retry budget and are retried on the next tick.
func (p *Pool) ensureMinimums() {
	for _, t := range Tiers {
		for {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			short := p.cfg.Tiers[t].Min - p.tierCountLocked(t)
			room := p.hasCapacityLocked(t) == nil
			p.mu.Unlock()
			if short <= 0 || !room {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SpawnTimeout)
			info, err := p.SpawnProcess(ctx, t)
			cancel()
			if err != nil {
				break
			}
			p.log.Info().Str("event", "process_replaced").Str("process", info.ID).Str("tier", t.String()).Msg("tier minimum restored")
		}
	}
}
