package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/transport"
)

type fakeConn struct {
	closed   atomic.Bool
	probeErr error
}

func (f *fakeConn) Read(context.Context, transport.RegisterKind, uint32, uint16) ([]uint16, error) {
	return []uint16{0}, nil
}
func (f *fakeConn) ReadMultiple(context.Context, []transport.Point) ([]transport.PointValue, error) {
	return nil, nil
}
func (f *fakeConn) Probe(context.Context) error { return f.probeErr }
func (f *fakeConn) Close() error                { f.closed.Store(true); return nil }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(_ context.Context, _ transport.Config) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testConfig(host string) transport.Config {
	return transport.Config{Protocol: model.ProtocolModbus, Host: host, Port: 502, UnitID: 1, Timeout: time.Second}
}

func newTestPool(t *testing.T, d *fakeDialer, opts Options) *Pool {
	t.Helper()
	opts.Dial = d.dial
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}
	p := New(opts)
	t.Cleanup(p.CloseAll)
	return p
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{})
	cfg := testConfig("10.0.0.1")

	l1, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(l1)

	l2, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
	if l2.Conn() != l1.Conn() {
		t.Fatal("idle connection not reused")
	}
	p.Release(l2)
}

func TestDistinctEndpointsGetDistinctConnections(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{})

	l1, err := p.Acquire(context.Background(), testConfig("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	l2, err := p.Acquire(context.Background(), testConfig("10.0.0.2"))
	if err != nil {
		t.Fatal(err)
	}
	if d.count() != 2 {
		t.Fatalf("dials = %d, want 2", d.count())
	}
	p.Release(l1)
	p.Release(l2)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxPerDevice: 1, AcquireTimeout: 50 * time.Millisecond})
	cfg := testConfig("10.0.0.1")

	l, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(l)

	_, err = p.Acquire(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "pool exhausted") {
		t.Fatalf("err = %v", err)
	}

	st := p.Stats()
	if st.Failed != 1 {
		t.Fatalf("failed = %d, want 1", st.Failed)
	}
}

func TestReleaseHandsOffToWaiter(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxPerDevice: 1, AcquireTimeout: 2 * time.Second})
	cfg := testConfig("10.0.0.1")

	l1, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan transport.Conn, 1)
	go func() {
		l2, err := p.Acquire(context.Background(), cfg)
		if err != nil {
			got <- nil
			return
		}
		got <- l2.Conn()
		p.Release(l2)
	}()

	// Give the waiter time to enqueue, then hand the connection over.
	time.Sleep(20 * time.Millisecond)
	held := l1.Conn()
	p.Release(l1)

	select {
	case c := <-got:
		if c != held {
			t.Fatal("waiter did not receive the released connection")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woken")
	}
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
}

func TestDiscardFreesSlotForWaiter(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxPerDevice: 1, AcquireTimeout: 2 * time.Second})
	cfg := testConfig("10.0.0.1")

	l1, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	broken := l1.Conn().(*fakeConn)

	done := make(chan error, 1)
	go func() {
		l2, err := p.Acquire(context.Background(), cfg)
		if err != nil {
			done <- err
			return
		}
		p.Release(l2)
		done <- nil
	}()

	time.Sleep(20 * time.Millisecond)
	p.Discard(l1, errors.New("connection reset"))

	if err := <-done; err != nil {
		t.Fatalf("waiter failed after discard: %v", err)
	}
	if !broken.closed.Load() {
		t.Fatal("discarded connection not closed")
	}
	if d.count() != 2 {
		t.Fatalf("dials = %d, want 2 (replacement)", d.count())
	}
}

func TestActivePlusIdleNeverExceedsMax(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxPerDevice: 3, AcquireTimeout: 30 * time.Millisecond})
	cfg := testConfig("10.0.0.1")

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		leases = append(leases, l)
	}
	if _, err := p.Acquire(context.Background(), cfg); err == nil {
		t.Fatal("acquired past capacity")
	}

	st := p.Stats()
	if st.Total != 3 || st.Active != 3 {
		t.Fatalf("stats = %+v", st)
	}
	for _, l := range leases {
		p.Release(l)
	}
	st = p.Stats()
	if st.Total != 3 || st.Idle != 3 || st.Active != 0 {
		t.Fatalf("stats after release = %+v", st)
	}
}

func TestHealthCheckEvictsAfterConsecutiveFailures(t *testing.T) {
	d := &fakeDialer{}
	var removedMu sync.Mutex
	var disconnected int
	p := newTestPool(t, d, Options{OnEvent: func(ev Event) {
		if ev.Type == EventDisconnected {
			removedMu.Lock()
			disconnected++
			removedMu.Unlock()
		}
	}})
	cfg := testConfig("10.0.0.1")

	l, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	fc := l.Conn().(*fakeConn)
	fc.probeErr = errors.New("timeout")
	p.Release(l)

	for i := 0; i < maxProbeFailures-1; i++ {
		p.healthCheck()
		if st := p.Stats(); st.Idle != 1 {
			t.Fatalf("evicted after %d failures", i+1)
		}
	}
	p.healthCheck()

	if st := p.Stats(); st.Total != 0 {
		t.Fatalf("stats = %+v, want empty", st)
	}
	if !fc.closed.Load() {
		t.Fatal("evicted connection not closed")
	}
	removedMu.Lock()
	defer removedMu.Unlock()
	if disconnected != 1 {
		t.Fatalf("disconnected events = %d", disconnected)
	}
}

func TestHealthCheckSuccessResetsFailureCount(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{})
	cfg := testConfig("10.0.0.1")

	l, _ := p.Acquire(context.Background(), cfg)
	fc := l.Conn().(*fakeConn)
	fc.probeErr = errors.New("timeout")
	p.Release(l)

	p.healthCheck()
	p.healthCheck()
	fc.probeErr = nil
	p.healthCheck() // success resets
	fc.probeErr = errors.New("timeout")
	p.healthCheck()
	p.healthCheck()

	if st := p.Stats(); st.Idle != 1 {
		t.Fatal("connection evicted despite reset failure count")
	}
}

func TestHealthCheckEvictsIdleTimeout(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{IdleTimeout: time.Nanosecond})
	cfg := testConfig("10.0.0.1")

	l, _ := p.Acquire(context.Background(), cfg)
	fc := l.Conn().(*fakeConn)
	p.Release(l)

	time.Sleep(time.Millisecond)
	p.healthCheck()

	if st := p.Stats(); st.Total != 0 {
		t.Fatalf("stats = %+v, want empty", st)
	}
	if !fc.closed.Load() {
		t.Fatal("idle connection not closed")
	}
}

func TestCloseAllRejectsWaitersAndNewAcquires(t *testing.T) {
	d := &fakeDialer{}
	opts := Options{MaxPerDevice: 1, AcquireTimeout: 5 * time.Second, Dial: d.dial, OnEvent: func(Event) {}}
	p := New(opts)
	cfg := testConfig("10.0.0.1")

	l, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), cfg)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	p.CloseAll()

	if err := <-waiterErr; err == nil || !strings.Contains(err.Error(), "shutting down") {
		t.Fatalf("waiter err = %v", err)
	}
	if _, err := p.Acquire(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "shutting down") {
		t.Fatalf("acquire after close err = %v", err)
	}

	// Returning the outstanding lease closes its connection.
	fc := l.Conn().(*fakeConn)
	p.Release(l)
	if !fc.closed.Load() {
		t.Fatal("outstanding lease not closed on release after shutdown")
	}
}
