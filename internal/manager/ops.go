package manager

import (
	"context"
	"fmt"
	"time"

	"genomed/internal/assembler"
)

func (m *Manager) nextOpID() string {
	return fmt.Sprintf("op-%d", m.opSeq.Add(1))
}

// Readiness classifies genomeID as hot (bound to a process), warm (all
// layers cached) or cold.
func (m *Manager) Readiness(ctx context.Context, genomeID string) (assembler.Readiness, error) {
	if m.pool.IsHot(genomeID) {
		return assembler.Hot, nil
	}
	resident, err := m.asm.Resident(ctx, genomeID)
	if err != nil {
		return assembler.Cold, err
	}
	return assembler.Classify(false, resident), nil
}

// Assemble runs the assembly path for genomeID and returns the result. The
// composite is not bound to any process.
func (m *Manager) Assemble(ctx context.Context, genomeID string) (*assembler.AssembledGenome, error) {
	ag, err := m.asm.AssembleGenome(ctx, genomeID, m.asmOpts)
	if err != nil {
		if !IsCanceled(err) {
			m.setLastErr(err)
		}
		return nil, err
	}
	return ag, nil
}

// Preload warms the layer cache for genomeID synchronously.
func (m *Manager) Preload(ctx context.Context, genomeID string) error {
	_, err := m.Assemble(ctx, genomeID)
	return err
}

// Warm kicks off an asynchronous preload and returns an operation ID.
// Completion is reported through warm_done / warm_failed events.
func (m *Manager) Warm(ctx context.Context, genomeID string) (string, error) {
	if _, err := m.src.Get(ctx, genomeID); err != nil {
		return "", err
	}
	op := m.nextOpID()
	m.publish(Event{Name: "warm_start", GenomeID: genomeID, Fields: map[string]any{"op": op}})
	go func() {
		// Detached so the preload outlives the request that started it.
		bctx, cancel := context.WithTimeout(context.Background(), m.pool.Config().LoadTimeout)
		defer cancel()
		start := time.Now()
		if err := m.Preload(bctx, genomeID); err != nil {
			m.log.Warn().Str("event", "warm_failed").Str("genome", genomeID).Str("op", op).Err(err).Msg("warm failed")
			m.publish(Event{Name: "warm_failed", GenomeID: genomeID, Fields: map[string]any{"op": op, "error": err.Error()}})
			return
		}
		m.publish(Event{Name: "warm_done", GenomeID: genomeID, Fields: map[string]any{"op": op, "ms": time.Since(start).Milliseconds()}})
	}()
	return op, nil
}
