package manager

import (
	"context"
	"time"
)

// Unload drains a genome and releases it everywhere:
// - marks its lane draining so new requests are rejected,
// - waits up to drainTimeout for queued and in-flight requests,
// - unbinds idle processes holding it (demoting hot ones to warm),
// - drops its layer references and evicts layers nobody else uses.
//
// Unloading a genome that is not loaded is a no-op.
func (m *Manager) Unload(ctx context.Context, genomeID string) error {
	if genomeID == "" {
		return ErrGenomeNotFound("(unspecified)")
	}
	if _, err := m.src.Get(ctx, genomeID); err != nil {
		return err
	}
	m.mu.Lock()
	l := m.lanes[genomeID]
	if l != nil {
		l.draining = true
	}
	m.mu.Unlock()
	m.publish(Event{Name: "unload_start", GenomeID: genomeID, Fields: map[string]any{}})

	if l != nil {
		m.drain(ctx, genomeID, l)
	}
	unbound := m.pool.Unbind(genomeID)
	err := m.asm.UnloadGenome(ctx, genomeID)

	m.mu.Lock()
	if m.lanes[genomeID] == l && l != nil {
		delete(m.lanes, genomeID)
	}
	m.mu.Unlock()

	if err != nil {
		m.setLastErr(err)
		return err
	}
	m.publish(Event{Name: "unload_done", GenomeID: genomeID, Fields: map[string]any{"unbound": unbound}})
	return nil
}

func (m *Manager) drain(ctx context.Context, genomeID string, l *lane) {
	deadline := time.NewTimer(m.drainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		qlen, inflight := len(l.queueCh), len(l.genCh)
		if qlen == 0 && inflight == 0 {
			return
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			m.publish(Event{Name: "unload_timeout", GenomeID: genomeID, Fields: map[string]any{"inflight": inflight, "queue": qlen}})
			return
		case <-ctx.Done():
			return
		}
	}
}
