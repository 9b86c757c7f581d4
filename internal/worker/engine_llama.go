//go:build llama

package worker

/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"genomed/internal/composer"
	"genomed/internal/wire"
)

// LlamaAvailable reports whether this binary links llama.cpp.
const LlamaAvailable = true

// LlamaConfig configures the in-process llama.cpp engine.
type LlamaConfig struct {
	ModelPath  string
	BaseFamily string
	CtxSize    int
	Threads    int
}

// llamaEngine runs one genome at a time: the composite payload is written as
// a LoRA adapter file and the model is reopened with it applied to the base.
type llamaEngine struct {
	cfg LlamaConfig
	dir string

	mu        sync.Mutex
	model     *llama.LLama
	composite *composer.Composite
}

// NewLlamaEngine checks that the base model opens; each genome load reopens
// it with that genome's adapter.
func NewLlamaEngine(cfg LlamaConfig) (Engine, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	m, err := llama.New(cfg.ModelPath, llama.SetContext(cfg.CtxSize))
	if err != nil {
		return nil, fmt.Errorf("load base model: %w", err)
	}
	dir, err := os.MkdirTemp("", "genome-worker-")
	if err != nil {
		m.Free()
		return nil, fmt.Errorf("adapter dir: %w", err)
	}
	return &llamaEngine{cfg: cfg, dir: dir, model: m}, nil
}

func (e *llamaEngine) Load(_ context.Context, genomeID string, c *composer.Composite) error {
	if e.cfg.BaseFamily != "" && c.Descriptor.BaseFamily != e.cfg.BaseFamily {
		return fmt.Errorf("genome %s targets %q, worker serves %q", genomeID, c.Descriptor.BaseFamily, e.cfg.BaseFamily)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.composite != nil && e.composite.Checksum == c.Checksum {
		return nil
	}
	path := filepath.Join(e.dir, c.Checksum+".lora")
	if err := os.WriteFile(path, c.Payload, 0o600); err != nil {
		return fmt.Errorf("write adapter: %w", err)
	}
	// llama.cpp only accepts adapters in its own LoRA format; anything else
	// fails here rather than serving base-model output.
	m, err := llama.New(e.cfg.ModelPath,
		llama.SetContext(e.cfg.CtxSize),
		llama.SetLoraBase(e.cfg.ModelPath),
		llama.SetLoraAdapter(path),
	)
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("apply adapter for genome %s: %w", genomeID, err)
	}
	if e.model != nil {
		e.model.Free()
	}
	if e.composite != nil {
		_ = os.Remove(filepath.Join(e.dir, e.composite.Checksum+".lora"))
	}
	e.model = m
	e.composite = c
	return nil
}

func (e *llamaEngine) Generate(ctx context.Context, req wire.Infer) (wire.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.composite == nil {
		return wire.Result{}, errNoGenome
	}
	tokens := 0
	e.model.SetTokenCallback(func(string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		tokens++
		return true
	})
	text, err := e.model.Predict(req.Prompt, predictOptions(req, e.cfg.Threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return wire.Result{}, ctx.Err()
		}
		return wire.Result{}, err
	}
	return wire.Result{Output: text, Tokens: tokens}, nil
}

func (e *llamaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return os.RemoveAll(e.dir)
}

func predictOptions(req wire.Infer, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, req.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(orDefault(float32(req.TopP), llama.DefaultOptions.TopP)),
		llama.SetTemperature(orDefault(float32(req.Temperature), llama.DefaultOptions.Temperature)),
	}
	if req.Seed != 0 {
		po = append(po, llama.SetSeed(req.Seed))
	}
	if len(req.Stop) > 0 {
		po = append(po, llama.SetStopWords(req.Stop...))
	}
	return po
}

func orDefault(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
