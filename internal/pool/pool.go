// Package pool maintains per-device transport connections. Devices are small
// embedded TCP/UDP stacks: they tolerate very few sockets, so each endpoint
// gets a bounded pool with an acquire queue, idle eviction, and a periodic
// health probe.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gridwatch/gridwatch/internal/scanloop"
	"github.com/gridwatch/gridwatch/internal/transport"
)

const (
	DefaultMaxPerDevice   = 5
	DefaultAcquireTimeout = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultHealthInterval = 30 * time.Second

	probeTimeout     = 2 * time.Second
	maxProbeFailures = 3
)

// EventType labels pool lifecycle events.
type EventType string

const (
	EventCreated      EventType = "created"
	EventReleased     EventType = "released"
	EventError        EventType = "error"
	EventDisconnected EventType = "disconnected"
	EventRemoved      EventType = "removed"
	EventClosed       EventType = "closed"
)

// Event is one connection lifecycle transition.
type Event struct {
	Type EventType
	Addr string
	Err  error
}

// Stats is an aggregate snapshot across all device pools.
type Stats struct {
	Total      int
	Active     int
	Idle       int
	Pending    int
	Successful uint64
	Failed     uint64
}

// Options configures a Pool. Zero values fall back to the defaults above.
type Options struct {
	MaxPerDevice   int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	HealthInterval time.Duration
	// Dial opens a new device connection. Defaults to transport.Dial.
	Dial func(ctx context.Context, cfg transport.Config) (transport.Conn, error)
	// OnEvent observes lifecycle events. Defaults to the pool log.
	OnEvent func(Event)
}

type pooledConn struct {
	conn       transport.Conn
	cfg        transport.Config
	lastUsed   time.Time
	probeFails int
}

// handoff is what a queued Acquire receives: a ready connection, a freed
// slot to dial into (both nil), or a terminal error.
type handoff struct {
	pc  *pooledConn
	err error
}

type devicePool struct {
	active  int
	idle    []*pooledConn
	waiters []chan handoff
}

// Lease is a checked-out connection. Return it with Pool.Release or
// Pool.Discard; never both.
type Lease struct {
	pc *pooledConn
}

// Conn returns the leased transport connection.
func (l *Lease) Conn() transport.Conn { return l.pc.conn }

// Pool owns all device connections.
type Pool struct {
	opts Options

	mu         sync.Mutex
	devices    map[transport.Config]*devicePool
	successful uint64
	failed     uint64
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a pool. Call Start to run the health loop.
func New(opts Options) *Pool {
	if opts.MaxPerDevice <= 0 {
		opts.MaxPerDevice = DefaultMaxPerDevice
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Dial == nil {
		opts.Dial = transport.Dial
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(ev Event) {
			if ev.Err != nil {
				log.Printf("[pool] %s %s: %v", ev.Type, ev.Addr, ev.Err)
			} else {
				log.Printf("[pool] %s %s", ev.Type, ev.Addr)
			}
		}
	}
	return &Pool{
		opts:    opts,
		devices: make(map[transport.Config]*devicePool),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic health check.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanloop.Run(p.stopCh, p.opts.HealthInterval, scanloop.DefaultJitterRange, p.healthCheck)
	}()
}

// Acquire checks out a connection for cfg, dialing when the device pool has
// headroom and queueing when it does not. Queued callers fail after the
// acquire timeout.
func (p *Pool) Acquire(ctx context.Context, cfg transport.Config) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool shutting down")
	}
	dp := p.devices[cfg]
	if dp == nil {
		dp = &devicePool{}
		p.devices[cfg] = dp
	}

	if n := len(dp.idle); n > 0 {
		pc := dp.idle[n-1]
		dp.idle = dp.idle[:n-1]
		dp.active++
		p.successful++
		p.mu.Unlock()
		return &Lease{pc: pc}, nil
	}

	if dp.active < p.opts.MaxPerDevice {
		dp.active++ // reserve the slot before dropping the lock
		p.mu.Unlock()
		return p.dialSlot(ctx, cfg)
	}

	w := make(chan handoff, 1)
	dp.waiters = append(dp.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case h := <-w:
		return p.finishHandoff(ctx, cfg, h)
	case <-ctx.Done():
		if h, ok := p.abandonWaiter(cfg, w); ok {
			return p.finishHandoff(ctx, cfg, h)
		}
		return nil, fmt.Errorf("acquire %s: %w", cfg.Addr(), ctx.Err())
	case <-timer.C:
		if h, ok := p.abandonWaiter(cfg, w); ok {
			return p.finishHandoff(ctx, cfg, h)
		}
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		return nil, fmt.Errorf("pool exhausted: %s busy for %s", cfg.Addr(), p.opts.AcquireTimeout)
	}
}

// dialSlot opens a connection into an already-reserved slot.
func (p *Pool) dialSlot(ctx context.Context, cfg transport.Config) (*Lease, error) {
	conn, err := p.opts.Dial(ctx, cfg)

	p.mu.Lock()
	dp := p.devices[cfg]
	if err != nil {
		dp.active--
		p.failed++
		p.mu.Unlock()
		p.opts.OnEvent(Event{Type: EventError, Addr: cfg.Addr(), Err: err})
		return nil, err
	}
	if p.closed {
		dp.active--
		p.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("pool shutting down")
	}
	p.successful++
	p.mu.Unlock()

	p.opts.OnEvent(Event{Type: EventCreated, Addr: cfg.Addr()})
	return &Lease{pc: &pooledConn{conn: conn, cfg: cfg, lastUsed: time.Now()}}, nil
}

// finishHandoff resolves a waiter's handoff: a connection, a freed slot to
// dial into, or an error.
func (p *Pool) finishHandoff(ctx context.Context, cfg transport.Config, h handoff) (*Lease, error) {
	switch {
	case h.err != nil:
		return nil, h.err
	case h.pc != nil:
		p.mu.Lock()
		p.successful++
		p.mu.Unlock()
		return &Lease{pc: h.pc}, nil
	default:
		return p.dialSlot(ctx, cfg)
	}
}

// abandonWaiter removes w from the queue. If a handoff raced in first it is
// returned so the caller uses it instead of dropping the connection.
func (p *Pool) abandonWaiter(cfg transport.Config, w chan handoff) (handoff, bool) {
	p.mu.Lock()
	dp := p.devices[cfg]
	if dp != nil {
		for i, q := range dp.waiters {
			if q == w {
				dp.waiters = append(dp.waiters[:i], dp.waiters[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	select {
	case h := <-w:
		return h, true
	default:
		return handoff{}, false
	}
}

// Release returns a healthy connection. A queued waiter gets it directly;
// otherwise it parks idle.
func (p *Pool) Release(l *Lease) {
	l.pc.lastUsed = time.Now()
	p.requeue(l.pc)
}

// requeue returns a connection to circulation without refreshing its idle
// clock; the health loop uses this so probing does not defeat idle eviction.
func (p *Pool) requeue(pc *pooledConn) {
	p.mu.Lock()
	dp := p.devices[pc.cfg]
	if p.closed || dp == nil {
		if dp != nil {
			dp.active--
		}
		p.mu.Unlock()
		pc.conn.Close()
		return
	}
	if len(dp.waiters) > 0 {
		// Buffered handoff, sent under the lock so an abandoning waiter
		// always finds it when draining.
		w := dp.waiters[0]
		dp.waiters = dp.waiters[1:]
		w <- handoff{pc: pc}
		p.mu.Unlock()
		p.opts.OnEvent(Event{Type: EventReleased, Addr: pc.cfg.Addr()})
		return
	}
	dp.active--
	dp.idle = append(dp.idle, pc)
	p.mu.Unlock()
	p.opts.OnEvent(Event{Type: EventReleased, Addr: pc.cfg.Addr()})
}

// Discard drops a broken connection. The freed slot is handed to a queued
// waiter, which dials a replacement.
func (p *Pool) Discard(l *Lease, cause error) {
	pc := l.pc

	p.mu.Lock()
	dp := p.devices[pc.cfg]
	if dp != nil {
		if len(dp.waiters) > 0 && !p.closed {
			// Slot stays reserved on behalf of the waiter, which dials a
			// replacement into it.
			w := dp.waiters[0]
			dp.waiters = dp.waiters[1:]
			w <- handoff{}
		} else {
			dp.active--
		}
	}
	p.mu.Unlock()

	pc.conn.Close()
	p.opts.OnEvent(Event{Type: EventDisconnected, Addr: pc.cfg.Addr(), Err: cause})
}

// healthCheck evicts idle-timed-out connections and probes the rest. Three
// consecutive probe failures evict a connection; any success resets the
// count.
func (p *Pool) healthCheck() {
	p.mu.Lock()
	now := time.Now()
	var toProbe []*pooledConn
	var toClose []*pooledConn
	for _, dp := range p.devices {
		kept := dp.idle[:0]
		for _, pc := range dp.idle {
			if now.Sub(pc.lastUsed) > p.opts.IdleTimeout {
				toClose = append(toClose, pc)
				continue
			}
			kept = append(kept, pc)
		}
		dp.idle = kept
		// Take probed conns out of circulation for the duration.
		for _, pc := range dp.idle {
			toProbe = append(toProbe, pc)
			dp.active++
		}
		dp.idle = dp.idle[:0]
	}
	p.mu.Unlock()

	for _, pc := range toClose {
		pc.conn.Close()
		p.opts.OnEvent(Event{Type: EventRemoved, Addr: pc.cfg.Addr()})
	}

	for _, pc := range toProbe {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := pc.conn.Probe(ctx)
		cancel()
		if err != nil {
			pc.probeFails++
		} else {
			pc.probeFails = 0
		}
		if pc.probeFails >= maxProbeFailures {
			p.Discard(&Lease{pc: pc}, err)
			continue
		}
		p.requeue(pc)
	}
}

// CloseAll stops the health loop, fails all queued waiters, and closes every
// connection. Active leases are closed when returned.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var waiters []chan handoff
	var conns []*pooledConn
	for _, dp := range p.devices {
		waiters = append(waiters, dp.waiters...)
		dp.waiters = nil
		conns = append(conns, dp.idle...)
		dp.idle = nil
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, w := range waiters {
		w <- handoff{err: fmt.Errorf("pool shutting down")}
	}
	for _, pc := range conns {
		pc.conn.Close()
	}
	p.opts.OnEvent(Event{Type: EventClosed, Addr: "*"})
}

// Stats aggregates counts across all device pools.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Successful: p.successful, Failed: p.failed}
	for _, dp := range p.devices {
		st.Active += dp.active
		st.Idle += len(dp.idle)
		st.Pending += len(dp.waiters)
	}
	st.Total = st.Active + st.Idle
	return st
}
