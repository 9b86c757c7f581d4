package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"genomed/internal/fault"
	"genomed/internal/wire"
)

var errProcessGone = errors.New("worker exited")

// process is one managed worker. The fields under "pool.mu" are only touched
// with the pool lock held; the rpc fields have their own locks so requests
// never hold the pool lock across I/O.
type process struct {
	id        string
	h         Handle
	pid       int
	spawnedAt time.Time

	// pool.mu
	tier       Tier
	state      State
	genome     string
	requests   uint64
	errors     uint64
	memory     uint64
	lastUsed   time.Time
	lastHealth time.Time

	wmu sync.Mutex

	fmu     sync.Mutex
	nextID  uint64
	pending map[uint64]chan wire.Reply
	gone    bool

	ready chan wire.Ready
	dead  chan struct{}
	// readErr is set before dead is closed.
	readErr error
}

func newProcess(id string, h Handle, tier Tier, now time.Time) *process {
	return &process{
		id:        id,
		h:         h,
		pid:       h.PID(),
		spawnedAt: now,
		tier:      tier,
		state:     StateSpawning,
		lastUsed:  now,
		pending:   make(map[uint64]chan wire.Reply),
		ready:     make(chan wire.Ready, 1),
		dead:      make(chan struct{}),
	}
}

// readLoop owns the worker's stdout. Replies are routed to the future that
// registered their id; the unsolicited ready message uses id 0.
func (p *process) readLoop() {
	defer close(p.dead)
	for {
		id, rep, err := wire.ReadReply(p.h.Stdout())
		if err != nil {
			if errors.Is(err, wire.ErrUnknownKind) || errors.Is(err, wire.ErrWrongDir) {
				p.deliver(id, wire.Error{Detail: err.Error()})
				continue
			}
			p.readErr = err
			p.failAll()
			return
		}
		if r, ok := rep.(wire.Ready); ok && id == 0 {
			select {
			case p.ready <- r:
			default:
			}
			continue
		}
		p.deliver(id, rep)
	}
}

func (p *process) deliver(id uint64, rep wire.Reply) {
	p.fmu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.fmu.Unlock()
	if ok {
		ch <- rep
	}
}

func (p *process) failAll() {
	p.fmu.Lock()
	p.gone = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.fmu.Unlock()
}

// start registers a future and writes req. The returned channel receives
// exactly one reply, or is closed if the worker goes away first.
func (p *process) start(req wire.Request) (uint64, <-chan wire.Reply, error) {
	ch := make(chan wire.Reply, 1)
	p.fmu.Lock()
	if p.gone {
		p.fmu.Unlock()
		return 0, nil, errProcessGone
	}
	p.nextID++
	id := p.nextID
	p.pending[id] = ch
	p.fmu.Unlock()

	p.wmu.Lock()
	err := wire.WriteRequest(p.h.Stdin(), id, req)
	p.wmu.Unlock()
	if err != nil {
		p.forget(id)
		// A worker whose stdin is broken is gone.
		return 0, nil, fmt.Errorf("%w: write %s: %v", errProcessGone, req.Kind(), err)
	}
	return id, ch, nil
}

func (p *process) forget(id uint64) {
	p.fmu.Lock()
	delete(p.pending, id)
	p.fmu.Unlock()
}

// await waits for the reply on ch. A wire.Error reply is returned as the
// error; a vanished worker yields errProcessGone.
func (p *process) await(ctx context.Context, ch <-chan wire.Reply) (wire.Reply, error) {
	select {
	case rep, ok := <-ch:
		if !ok {
			return nil, errProcessGone
		}
		if e, isErr := rep.(wire.Error); isErr {
			return nil, e
		}
		return rep, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call is start plus await; on cancellation the future is dropped.
func (p *process) call(ctx context.Context, req wire.Request) (wire.Reply, error) {
	id, ch, err := p.start(req)
	if err != nil {
		return nil, err
	}
	rep, err := p.await(ctx, ch)
	if err != nil && ctx.Err() != nil {
		p.forget(id)
	}
	return rep, err
}

// send writes a request that expects no reply.
func (p *process) send(req wire.Request) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return wire.WriteRequest(p.h.Stdin(), 0, req)
}

func (p *process) exited() bool {
	select {
	case <-p.dead:
		return true
	default:
		return false
	}
}

// crashError wraps err as ProcessCrashed when the worker is gone.
func (p *process) crashError(op string, err error) error {
	if errors.Is(err, errProcessGone) || p.exited() {
		cause := err
		if tail := p.h.Diagnostics(); tail != "" {
			cause = fmt.Errorf("%w; stderr tail: %s", err, tail)
		}
		return fault.New(fault.KindProcessCrashed, op, p.id, cause)
	}
	return err
}
