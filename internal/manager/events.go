package manager

import (
	"github.com/rs/zerolog"

	"genomed/internal/pool"
)

// Event represents a runtime lifecycle event.
// Minimal and stable: name + genome ID and optional fields via key/values.
type Event struct {
	Name     string
	GenomeID string
	Fields   map[string]any
}

// EventPublisher receives events from the manager and the pool.
// Implementations should be lightweight and non-blocking; Publish must not
// panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes every event as a debug-level log line.
type LogPublisher struct{ Log zerolog.Logger }

func (p LogPublisher) Publish(e Event) {
	ev := p.Log.Debug().Str("event", e.Name)
	if e.GenomeID != "" {
		ev = ev.Str("genome", e.GenomeID)
	}
	ev.Fields(e.Fields).Msg("runtime event")
}

// MultiPublisher fans out to several publishers in order.
type MultiPublisher []EventPublisher

func (mp MultiPublisher) Publish(e Event) {
	for _, p := range mp {
		p.Publish(e)
	}
}

// PoolEvents adapts pub for pool.WithEvents. The process id travels in
// Fields["process"].
func PoolEvents(pub EventPublisher) func(pool.Event) {
	return func(pe pool.Event) {
		fields := make(map[string]any, len(pe.Fields)+1)
		for k, v := range pe.Fields {
			fields[k] = v
		}
		if pe.ProcessID != "" {
			fields["process"] = pe.ProcessID
		}
		pub.Publish(Event{Name: pe.Name, GenomeID: pe.GenomeID, Fields: fields})
	}
}
