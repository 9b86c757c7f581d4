//go:build !llama

package worker

import "errors"

// LlamaAvailable reports whether this binary links llama.cpp.
const LlamaAvailable = false

// LlamaConfig configures the in-process llama.cpp engine.
type LlamaConfig struct {
	ModelPath  string
	BaseFamily string
	CtxSize    int
	Threads    int
}

// ErrLlamaUnavailable is returned when the binary was built without the
// llama tag.
var ErrLlamaUnavailable = errors.New("llama engine unavailable: rebuild with -tags=llama")

func NewLlamaEngine(LlamaConfig) (Engine, error) { return nil, ErrLlamaUnavailable }
