package manager

import "sync"

// MemoryPublisher records events in order. With a positive Limit only the
// most recent Limit events are kept.
type MemoryPublisher struct {
	Limit int

	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	if p.Limit > 0 && len(p.events) > p.Limit {
		p.events = append(p.events[:0], p.events[len(p.events)-p.Limit:]...)
	}
}

// Events returns a copy of the recorded events.
func (p *MemoryPublisher) Events() []Event {
	return p.filter(func(Event) bool { return true })
}

// Named returns the recorded events called name.
func (p *MemoryPublisher) Named(name string) []Event {
	return p.filter(func(e Event) bool { return e.Name == name })
}

func (p *MemoryPublisher) filter(keep func(Event) bool) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
