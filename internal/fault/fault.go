// Package fault defines the closed error taxonomy shared by the genome
// runtime. Every caller-visible failure carries exactly one Kind so the HTTP
// layer and operators can classify it without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSpawnTimeout
	KindSpawnFailed
	KindProcessCrashed
	KindAcquireTimeout
	KindLayerNotFound
	KindLayerCorrupt
	KindIncompatibleFormat
	KindIncompatibleLayers
	KindPoolDegraded
	KindGenomeNotFound
	KindTooBusy
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindSpawnTimeout:       "spawn_timeout",
	KindSpawnFailed:        "spawn_failed",
	KindProcessCrashed:     "process_crashed",
	KindAcquireTimeout:     "acquire_timeout",
	KindLayerNotFound:      "layer_not_found",
	KindLayerCorrupt:       "layer_corrupt",
	KindIncompatibleFormat: "incompatible_format",
	KindIncompatibleLayers: "incompatible_layers",
	KindPoolDegraded:       "pool_degraded",
	KindGenomeNotFound:     "genome_not_found",
	KindTooBusy:            "too_busy",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels usable with errors.Is. An *Error matches the sentinel of its Kind.
var (
	SpawnTimeout       = &Error{Kind: KindSpawnTimeout}
	SpawnFailed        = &Error{Kind: KindSpawnFailed}
	ProcessCrashed     = &Error{Kind: KindProcessCrashed}
	AcquireTimeout     = &Error{Kind: KindAcquireTimeout}
	LayerNotFound      = &Error{Kind: KindLayerNotFound}
	LayerCorrupt       = &Error{Kind: KindLayerCorrupt}
	IncompatibleFormat = &Error{Kind: KindIncompatibleFormat}
	IncompatibleLayers = &Error{Kind: KindIncompatibleLayers}
	PoolDegraded       = &Error{Kind: KindPoolDegraded}
	GenomeNotFound     = &Error{Kind: KindGenomeNotFound}
	TooBusy            = &Error{Kind: KindTooBusy}
)

// Error is a classified runtime failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "layer.load".
	Op string
	// ID is the subject of the failure: layer id, genome id or process id.
	ID string
	// Err is the underlying cause, if any.
	Err error
	// Snapshot optionally carries a diagnostic view of runtime state at the
	// time of failure (set for acquire timeouts and degraded pools).
	Snapshot any
}

// New builds an *Error of the given kind.
func New(kind Kind, op, id string, cause error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: cause}
}

// Newf builds an *Error whose cause is a formatted message.
func Newf(kind Kind, op, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work
// with errors.Is regardless of Op, ID or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// SnapshotOf returns the diagnostic snapshot attached to err, if any.
func SnapshotOf(err error) (any, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Snapshot != nil {
		return fe.Snapshot, true
	}
	return nil, false
}

// WithSnapshot returns a copy of err's *Error with the snapshot attached. If
// err carries no *Error it is returned unchanged.
func WithSnapshot(err error, snap any) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	cp := *fe
	cp.Snapshot = snap
	return &cp
}
