package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"genomed/internal/composer"
	"genomed/internal/wire"
)

var errNoGenome = errors.New("no genome loaded")

// EchoEngine is a deterministic engine for tests and dry runs. It answers
// with the loaded genome, the composite checksum prefix and the prompt.
type EchoEngine struct {
	// Delay is slept before each generation, honoring cancellation.
	Delay time.Duration

	mu        sync.Mutex
	genomeID  string
	composite *composer.Composite
}

func (e *EchoEngine) Load(_ context.Context, genomeID string, c *composer.Composite) error {
	e.mu.Lock()
	e.genomeID, e.composite = genomeID, c
	e.mu.Unlock()
	return nil
}

func (e *EchoEngine) Generate(ctx context.Context, req wire.Infer) (wire.Result, error) {
	e.mu.Lock()
	g, c := e.genomeID, e.composite
	e.mu.Unlock()
	if c == nil {
		return wire.Result{}, errNoGenome
	}
	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return wire.Result{}, ctx.Err()
		case <-t.C:
		}
	}
	words := strings.Fields(req.Prompt)
	if req.MaxTokens > 0 && len(words) > req.MaxTokens {
		words = words[:req.MaxTokens]
	}
	sum := c.Checksum
	if len(sum) > 8 {
		sum = sum[:8]
	}
	return wire.Result{
		Output: fmt.Sprintf("[%s@%s] %s", g, sum, strings.Join(words, " ")),
		Tokens: len(words),
	}, nil
}

func (e *EchoEngine) Close() error { return nil }
