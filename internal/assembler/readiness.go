package assembler

import (
	"sync"
	"time"
)

// Readiness classifies how quickly a genome can serve a request.
type Readiness uint8

const (
	// Cold: at least one layer must come from the backing store.
	Cold Readiness = iota
	// Warm: every layer is cached but no process holds the genome.
	Warm
	// Hot: a process already holds the genome.
	Hot
)

func (r Readiness) String() string {
	switch r {
	case Hot:
		return "hot"
	case Warm:
		return "warm"
	default:
		return "cold"
	}
}

// TargetLatency is the latency budget for serving a request at r.
func (r Readiness) TargetLatency() time.Duration {
	switch r {
	case Hot:
		return 10 * time.Millisecond
	case Warm:
		return 500 * time.Millisecond
	default:
		return 3 * time.Second
	}
}

// Classify derives readiness from whether a process holds the genome and
// whether all its layers are cached.
func Classify(bound, resident bool) Readiness {
	switch {
	case bound:
		return Hot
	case resident:
		return Warm
	default:
		return Cold
	}
}

const (
	DefaultThrashWindow    = 64
	DefaultThrashThreshold = 0.5
)

// ThrashStats is the monitoring view of a ThrashDetector.
type ThrashStats struct {
	Ratio     float64 `json:"ratio"`
	Threshold float64 `json:"threshold"`
	Samples   int     `json:"samples"`
	Thrashing bool    `json:"thrashing"`
}

type thrashSample struct {
	assembly, inference time.Duration
}

// ThrashDetector tracks the ratio of time spent assembling genomes to time
// spent running inference over the last N requests.
type ThrashDetector struct {
	mu        sync.Mutex
	threshold float64
	ring      []thrashSample
	next      int
	n         int
	sumA      time.Duration
	sumI      time.Duration
}

// NewThrashDetector returns a detector over a window of size samples.
// Non-positive arguments select the defaults.
func NewThrashDetector(window int, threshold float64) *ThrashDetector {
	if window <= 0 {
		window = DefaultThrashWindow
	}
	if threshold <= 0 {
		threshold = DefaultThrashThreshold
	}
	return &ThrashDetector{threshold: threshold, ring: make([]thrashSample, window)}
}

// Record adds one request's assembly and inference time.
func (d *ThrashDetector) Record(assembly, inference time.Duration) {
	if assembly < 0 {
		assembly = 0
	}
	// A zero-length inference would make the ratio unbounded.
	if inference < time.Microsecond {
		inference = time.Microsecond
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == len(d.ring) {
		old := d.ring[d.next]
		d.sumA -= old.assembly
		d.sumI -= old.inference
	} else {
		d.n++
	}
	d.ring[d.next] = thrashSample{assembly: assembly, inference: inference}
	d.next = (d.next + 1) % len(d.ring)
	d.sumA += assembly
	d.sumI += inference
}

// Ratio returns Σassembly / Σinference over the window, or 0 when empty.
func (d *ThrashDetector) Ratio() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ratioLocked()
}

func (d *ThrashDetector) ratioLocked() float64 {
	if d.n == 0 || d.sumI <= 0 {
		return 0
	}
	return float64(d.sumA) / float64(d.sumI)
}

// Thrashing reports whether the ratio exceeds the threshold.
func (d *ThrashDetector) Thrashing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ratioLocked() > d.threshold
}

// Stats returns the detector's current view.
func (d *ThrashDetector) Stats() ThrashStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.ratioLocked()
	return ThrashStats{Ratio: r, Threshold: d.threshold, Samples: d.n, Thrashing: r > d.threshold}
}
