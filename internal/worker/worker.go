// Package worker is the reference worker runtime. It speaks the wire
// protocol over a reader/writer pair (stdin/stdout in a child process, an
// io.Pipe in tests) and delegates generation to an Engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genomed/internal/composer"
	"genomed/internal/wire"
)

// Engine runs generations against whichever genome was last loaded.
type Engine interface {
	Load(ctx context.Context, genomeID string, c *composer.Composite) error
	Generate(ctx context.Context, req wire.Infer) (wire.Result, error)
	Close() error
}

// Options tunes Serve.
type Options struct {
	Version string
	Log     zerolog.Logger
	// ReadAdapter reads a composite artifact by reference. Defaults to
	// os.ReadFile.
	ReadAdapter func(ref string) ([]byte, error)
	// MemoryBytes reports the worker's memory footprint for health replies.
	// Defaults to the Go runtime's Sys figure.
	MemoryBytes func() uint64
}

type server struct {
	eng     Engine
	opts    Options
	started time.Time

	wmu sync.Mutex
	w   io.Writer

	mu     sync.Mutex
	genome string
}

// Serve announces readiness and handles requests until the coordinator
// sends shutdown, closes r, or ctx ends. Health checks are answered while an
// inference is running.
func Serve(ctx context.Context, r io.Reader, w io.Writer, eng Engine, opts Options) error {
	if opts.ReadAdapter == nil {
		opts.ReadAdapter = os.ReadFile
	}
	if opts.MemoryBytes == nil {
		opts.MemoryBytes = goMemory
	}
	s := &server{eng: eng, opts: opts, started: time.Now(), w: w}
	defer func() { _ = eng.Close() }()

	if err := s.send(0, wire.Ready{PID: os.Getpid(), Version: opts.Version}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	opts.Log.Info().Str("event", "worker_ready").Int("pid", os.Getpid()).Msg("worker ready")

	var inflight sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer inflight.Wait()
	defer cancel()

	type frame struct {
		id  uint64
		req wire.Request
		err error
	}
	frames := make(chan frame)
	go func() {
		defer close(frames)
		for {
			id, req, err := wire.ReadRequest(r)
			select {
			case frames <- frame{id, req, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, wire.ErrUnknownKind) && !errors.Is(err, wire.ErrWrongDir) {
				return
			}
		}
	}()

	for {
		var f frame
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok = <-frames:
			if !ok {
				return nil
			}
		}
		if f.err != nil {
			if errors.Is(f.err, io.EOF) {
				return nil
			}
			if errors.Is(f.err, wire.ErrUnknownKind) || errors.Is(f.err, wire.ErrWrongDir) {
				_ = s.send(f.id, wire.Error{Detail: f.err.Error()})
				continue
			}
			return f.err
		}
		switch req := f.req.(type) {
		case wire.LoadGenome:
			s.load(ctx, f.id, req)
		case wire.Infer:
			inflight.Add(1)
			go func(id uint64) {
				defer inflight.Done()
				s.infer(ctx, id, req)
			}(f.id)
		case wire.HealthCheck:
			s.mu.Lock()
			g := s.genome
			s.mu.Unlock()
			_ = s.send(f.id, wire.Health{
				MemoryBytes: s.opts.MemoryBytes(),
				Uptime:      time.Since(s.started),
				GenomeID:    g,
			})
		case wire.Shutdown:
			s.opts.Log.Info().Str("event", "worker_shutdown").Msg("shutdown requested")
			inflight.Wait()
			return nil
		}
	}
}

func (s *server) load(ctx context.Context, id uint64, req wire.LoadGenome) {
	b, err := s.opts.ReadAdapter(req.AdapterRef)
	if err != nil {
		_ = s.send(id, wire.Error{Detail: fmt.Sprintf("read adapter: %v", err)})
		return
	}
	c, err := composer.UnmarshalArtifact(b)
	if err != nil {
		_ = s.send(id, wire.Error{Detail: err.Error()})
		return
	}
	if err := s.eng.Load(ctx, req.GenomeID, c); err != nil {
		_ = s.send(id, wire.Error{Detail: err.Error()})
		return
	}
	s.mu.Lock()
	s.genome = req.GenomeID
	s.mu.Unlock()
	s.opts.Log.Debug().Str("event", "genome_loaded").Str("genome", req.GenomeID).Str("checksum", c.Checksum).Msg("genome loaded")
	_ = s.send(id, wire.Loaded{GenomeID: req.GenomeID})
}

func (s *server) infer(ctx context.Context, id uint64, req wire.Infer) {
	res, err := s.eng.Generate(ctx, req)
	if err != nil {
		_ = s.send(id, wire.Error{Detail: err.Error()})
		return
	}
	_ = s.send(id, res)
}

func (s *server) send(id uint64, rep wire.Reply) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wire.WriteReply(s.w, id, rep)
}

func goMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
