package manager

import (
	"context"
	"errors"

	"genomed/internal/fault"
	"genomed/internal/genome"
	"genomed/internal/pool"
)

// tooBusy signals queue timeout/overflow for 429 mapping.
func tooBusy(genomeID, reason string) error {
	return fault.Newf(fault.KindTooBusy, "manager.admit", genomeID, "%s", reason)
}

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	return errors.Is(err, fault.TooBusy) || errors.Is(err, fault.AcquireTimeout)
}

// ErrGenomeNotFound returns an error when a requested genome id is unknown.
func ErrGenomeNotFound(id string) error { return genome.NotFound("manager", id) }

// IsGenomeNotFound reports whether the error indicates a missing genome.
func IsGenomeNotFound(err error) bool { return errors.Is(err, fault.GenomeNotFound) }

// IsUnavailable reports whether err means the runtime cannot serve right
// now (return 503).
func IsUnavailable(err error) bool {
	if errors.Is(err, pool.ErrClosed) || errors.Is(err, errClosed) {
		return true
	}
	switch fault.KindOf(err) {
	case fault.KindPoolDegraded, fault.KindSpawnFailed, fault.KindSpawnTimeout, fault.KindProcessCrashed:
		return true
	}
	return false
}

// IsCanceled reports whether the caller went away.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var errClosed = errors.New("manager: closed")
