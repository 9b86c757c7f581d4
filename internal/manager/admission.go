package manager

import (
	"context"
	"time"
)

// beginGeneration reserves a queue slot and then an in-flight slot in the
// genome's lane. Returns a release func to be deferred.
func (m *Manager) beginGeneration(ctx context.Context, genomeID string) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}, errClosed
	}
	l := m.laneLocked(genomeID)
	if l.draining {
		m.mu.Unlock()
		return func() {}, tooBusy(genomeID, "genome is draining")
	}
	m.mu.Unlock()

	wait := time.NewTimer(m.maxWait)
	defer wait.Stop()

	select {
	case l.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-wait.C:
		return func() {}, tooBusy(genomeID, "queue full")
	}

	acquired := false
	defer func() {
		if !acquired {
			<-l.queueCh
		}
	}()
	select {
	case l.genCh <- struct{}{}:
		acquired = true
		m.mu.Lock()
		l.lastUsed = time.Now()
		m.mu.Unlock()
		return func() { <-l.genCh; <-l.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-wait.C:
		return func() {}, tooBusy(genomeID, "timed out waiting for a generation slot")
	}
}
