package manager

import "time"

// lane is the per-genome admission state.
type lane struct {
	genCh    chan struct{} // in-flight generations
	queueCh  chan struct{} // queue slots
	lastUsed time.Time
	draining bool
}

func (m *Manager) laneLocked(genomeID string) *lane {
	l := m.lanes[genomeID]
	if l == nil {
		l = &lane{
			genCh:   make(chan struct{}, m.maxInflight),
			queueCh: make(chan struct{}, m.maxQueueDepth),
		}
		m.lanes[genomeID] = l
	}
	return l
}
