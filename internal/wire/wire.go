// Package wire implements the coordinator/worker protocol.
//
// Each frame is a 4-byte big-endian length followed by a deterministic CBOR
// envelope {kind, id, body}. Replies carry the id of the request they answer;
// the unsolicited ready message uses id 0.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"genomed/internal/codec"
)

// MaxFrameSize bounds a single frame. Adapters travel by reference, so
// frames stay small.
const MaxFrameSize = 16 << 20

var (
	ErrTruncated     = errors.New("wire: truncated frame")
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrEmptyFrame    = errors.New("wire: empty frame")
	ErrUnknownKind   = errors.New("wire: unknown message kind")
	ErrWrongDir      = errors.New("wire: message not valid in this direction")
)

// Kind names as they appear on the wire.
const (
	KindLoadGenome  = "load-genome"
	KindInfer       = "infer"
	KindHealthCheck = "health-check"
	KindShutdown    = "shutdown"

	KindReady  = "ready"
	KindLoaded = "loaded"
	KindResult = "result"
	KindError  = "error"
	KindHealth = "health"
)

// Request is a coordinator→worker message. The set is closed.
type Request interface {
	Kind() string
	request()
}

// Reply is a worker→coordinator message. The set is closed.
type Reply interface {
	Kind() string
	reply()
}

// LoadGenome asks the worker to apply a composite adapter.
type LoadGenome struct {
	GenomeID   string `cbor:"1,keyasint"`
	AdapterRef string `cbor:"2,keyasint"`
}

// Infer runs one generation against the loaded genome.
type Infer struct {
	Prompt      string   `cbor:"1,keyasint"`
	MaxTokens   int      `cbor:"2,keyasint,omitempty"`
	Temperature float64  `cbor:"3,keyasint,omitempty"`
	TopP        float64  `cbor:"4,keyasint,omitempty"`
	Stop        []string `cbor:"5,keyasint,omitempty"`
	Seed        int      `cbor:"6,keyasint,omitempty"`
}

type HealthCheck struct{}

type Shutdown struct{}

// Ready is sent once after the worker starts.
type Ready struct {
	PID     int    `cbor:"1,keyasint"`
	Version string `cbor:"2,keyasint,omitempty"`
}

type Loaded struct {
	GenomeID string `cbor:"1,keyasint"`
}

type Result struct {
	Output string `cbor:"1,keyasint"`
	Tokens int    `cbor:"2,keyasint,omitempty"`
}

type Error struct {
	Detail string `cbor:"1,keyasint"`
}

func (e Error) Error() string { return e.Detail }

type Health struct {
	MemoryBytes uint64        `cbor:"1,keyasint"`
	Uptime      time.Duration `cbor:"2,keyasint"`
	GenomeID    string        `cbor:"3,keyasint,omitempty"`
}

func (LoadGenome) Kind() string  { return KindLoadGenome }
func (Infer) Kind() string       { return KindInfer }
func (HealthCheck) Kind() string { return KindHealthCheck }
func (Shutdown) Kind() string    { return KindShutdown }
func (Ready) Kind() string       { return KindReady }
func (Loaded) Kind() string      { return KindLoaded }
func (Result) Kind() string      { return KindResult }
func (Error) Kind() string       { return KindError }
func (Health) Kind() string      { return KindHealth }

func (LoadGenome) request()  {}
func (Infer) request()       {}
func (HealthCheck) request() {}
func (Shutdown) request()    {}
func (Ready) reply()         {}
func (Loaded) reply()        {}
func (Result) reply()        {}
func (Error) reply()         {}
func (Health) reply()        {}

type envelope struct {
	Kind string           `cbor:"1,keyasint"`
	ID   uint64           `cbor:"2,keyasint"`
	Body codec.RawMessage `cbor:"3,keyasint,omitempty"`
}

// WriteRequest frames and writes req.
func WriteRequest(w io.Writer, id uint64, req Request) error {
	return writeMessage(w, id, req.Kind(), req)
}

// WriteReply frames and writes rep.
func WriteReply(w io.Writer, id uint64, rep Reply) error {
	return writeMessage(w, id, rep.Kind(), rep)
}

// ReadRequest reads one coordinator→worker message. A clean close between
// frames returns io.EOF.
func ReadRequest(r io.Reader) (uint64, Request, error) {
	env, err := readEnvelope(r)
	if err != nil {
		return 0, nil, err
	}
	var req Request
	switch env.Kind {
	case KindLoadGenome:
		var m LoadGenome
		err = decodeBody(env, &m)
		req = m
	case KindInfer:
		var m Infer
		err = decodeBody(env, &m)
		req = m
	case KindHealthCheck:
		req = HealthCheck{}
	case KindShutdown:
		req = Shutdown{}
	case KindReady, KindLoaded, KindResult, KindError, KindHealth:
		return env.ID, nil, fmt.Errorf("%w: %q", ErrWrongDir, env.Kind)
	default:
		return env.ID, nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return env.ID, nil, err
	}
	return env.ID, req, nil
}

// ReadReply reads one worker→coordinator message.
func ReadReply(r io.Reader) (uint64, Reply, error) {
	env, err := readEnvelope(r)
	if err != nil {
		return 0, nil, err
	}
	var rep Reply
	switch env.Kind {
	case KindReady:
		var m Ready
		err = decodeBody(env, &m)
		rep = m
	case KindLoaded:
		var m Loaded
		err = decodeBody(env, &m)
		rep = m
	case KindResult:
		var m Result
		err = decodeBody(env, &m)
		rep = m
	case KindError:
		var m Error
		err = decodeBody(env, &m)
		rep = m
	case KindHealth:
		var m Health
		err = decodeBody(env, &m)
		rep = m
	case KindLoadGenome, KindInfer, KindHealthCheck, KindShutdown:
		return env.ID, nil, fmt.Errorf("%w: %q", ErrWrongDir, env.Kind)
	default:
		return env.ID, nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return env.ID, nil, err
	}
	return env.ID, rep, nil
}

func writeMessage(w io.Writer, id uint64, kind string, body any) error {
	raw, err := codec.Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	payload, err := codec.Marshal(envelope{Kind: kind, ID: id, Body: raw})
	if err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = w.Write(frame)
	return err
}

func readEnvelope(r io.Reader) (envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return envelope{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return envelope{}, ErrTruncated
		}
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	switch {
	case n == 0:
		return envelope{}, ErrEmptyFrame
	case n > MaxFrameSize:
		return envelope{}, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return envelope{}, ErrTruncated
		}
		return envelope{}, err
	}
	var env envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env, nil
}

func decodeBody(env envelope, v any) error {
	if len(env.Body) == 0 {
		return nil
	}
	if err := codec.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", env.Kind, err)
	}
	return nil
}
