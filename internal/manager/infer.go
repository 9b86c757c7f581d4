package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"genomed/internal/assembler"
	"genomed/internal/composer"
	"genomed/internal/fault"
	"genomed/internal/wire"
	"genomed/pkg/types"
)

// tokenChunk is one streamed NDJSON line.
type tokenChunk struct {
	Token string `json:"token"`
}

// doneChunk terminates a stream.
type doneChunk struct {
	Done        bool   `json:"done"`
	Content     string `json:"content"`
	Genome      string `json:"genome"`
	Readiness   string `json:"readiness"`
	Tokens      int    `json:"tokens"`
	AssemblyMS  int64  `json:"assembly_ms"`
	InferenceMS int64  `json:"inference_ms"`
	Process     string `json:"process"`
}

// Infer serves one request: it resolves the genome, waits for admission,
// leases a process bound to the genome (assembling it when no process holds
// it) and streams the result to w as NDJSON.
func (m *Manager) Infer(ctx context.Context, req types.InferRequest, w io.Writer, flusher func()) error {
	genomeID := req.Genome
	if genomeID == "" {
		genomeID = m.defaultGenome
		if genomeID == "" {
			return ErrGenomeNotFound("(unspecified)")
		}
	}
	m.inferTotal.Add(1)
	err := m.infer(ctx, genomeID, req, w, flusher)
	if err != nil {
		m.inferErrors.Add(1)
		if errors.Is(err, fault.TooBusy) {
			m.tooBusy.Add(1)
		}
		if !IsCanceled(err) {
			m.setLastErr(err)
		}
	}
	return err
}

func (m *Manager) infer(ctx context.Context, genomeID string, req types.InferRequest, w io.Writer, flusher func()) error {
	if _, err := m.src.Get(ctx, genomeID); err != nil {
		return err
	}
	readiness, err := m.Readiness(ctx, genomeID)
	if err != nil {
		return err
	}

	release, err := m.beginGeneration(ctx, genomeID)
	if err != nil {
		return err
	}
	defer release()

	var asmDur time.Duration
	lease, err := m.pool.Acquire(ctx, genomeID, func(actx context.Context) (*composer.Composite, error) {
		ag, err := m.asm.AssembleGenome(actx, genomeID, m.asmOpts)
		if err != nil {
			return nil, err
		}
		asmDur = ag.Duration
		return ag.Composite, nil
	})
	if err != nil {
		return m.withDiagnostics(err)
	}
	defer lease.Release()

	start := time.Now()
	res, err := lease.Infer(ctx, wire.Infer{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Seed:        int(req.Seed),
	})
	inferDur := time.Since(start)
	if err != nil {
		return err
	}
	m.asm.Thrash().Record(asmDur, inferDur)
	if readiness != assembler.Hot && lease.Hot() {
		// Another request bound the genome while this one queued.
		readiness = assembler.Hot
	}
	m.log.Debug().Str("event", "infer_done").Str("genome", genomeID).Str("process", lease.ProcessID()).
		Str("readiness", readiness.String()).Dur("assembly", asmDur).Dur("inference", inferDur).Msg("inference complete")

	enc := json.NewEncoder(w)
	for _, tok := range splitTokens(res.Output) {
		if err := enc.Encode(tokenChunk{Token: tok}); err != nil {
			return err
		}
		if flusher != nil {
			flusher()
		}
	}
	tokens := res.Tokens
	if tokens == 0 {
		tokens = len(strings.Fields(res.Output))
	}
	if err := enc.Encode(doneChunk{
		Done:        true,
		Content:     res.Output,
		Genome:      genomeID,
		Readiness:   readiness.String(),
		Tokens:      tokens,
		AssemblyMS:  asmDur.Milliseconds(),
		InferenceMS: inferDur.Milliseconds(),
		Process:     lease.ProcessID(),
	}); err != nil {
		return err
	}
	if flusher != nil {
		flusher()
	}
	return nil
}

// splitTokens cuts output into word chunks that keep their leading space,
// so concatenating them reproduces the output.
func splitTokens(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' && s[i-1] != ' ' {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// withDiagnostics replaces the pool's own snapshot on capacity errors with
// the full runtime view.
func (m *Manager) withDiagnostics(err error) error {
	switch fault.KindOf(err) {
	case fault.KindAcquireTimeout, fault.KindPoolDegraded:
		d := m.Diagnostics()
		return fault.WithSnapshot(err, &d)
	}
	return err
}
