package faults

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// BreakerState is the circuit state of one device.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const defaultBreakerThreshold = 3

// BreakerSet maintains one independent circuit breaker per device id.
// Closed -> Open after `threshold` consecutive failures; Open rejects
// immediately with KindCircuitOpen; after `timeout` the breaker moves to
// HalfOpen and admits exactly one probe: success closes it, failure reopens.
type BreakerSet struct {
	threshold int
	timeout   time.Duration
	breakers  *xsync.Map[string, *deviceBreaker]
	now       func() time.Time
}

type deviceBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probing   bool // a HalfOpen probe is in flight
	lastError string
}

// NewBreakerSet creates a BreakerSet. threshold <= 0 and timeout <= 0 fall
// back to the defaults (3 failures, 1s).
func NewBreakerSet(threshold int, timeout time.Duration) *BreakerSet {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &BreakerSet{
		threshold: threshold,
		timeout:   timeout,
		breakers:  xsync.NewMap[string, *deviceBreaker](),
		now:       time.Now,
	}
}

func (s *BreakerSet) get(deviceID string) *deviceBreaker {
	b, _ := s.breakers.LoadOrCompute(deviceID, func() (*deviceBreaker, bool) {
		return &deviceBreaker{state: BreakerClosed}, false
	})
	return b
}

// Allow reports whether an operation against the device may proceed.
// In HalfOpen it admits exactly one caller as the probe; concurrent callers
// are rejected until that probe reports its outcome.
func (s *BreakerSet) Allow(deviceID string) bool {
	b := s.get(deviceID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if s.now().Sub(b.openedAt) < s.timeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess reports a successful operation, closing the breaker and
// resetting the failure counter.
func (s *BreakerSet) RecordSuccess(deviceID string) {
	b := s.get(deviceID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
	b.lastError = ""
}

// RecordFailure reports a failed operation. In Closed it counts toward the
// threshold; in HalfOpen the failed probe reopens the breaker.
func (s *BreakerSet) RecordFailure(deviceID string, err error) {
	b := s.get(deviceID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.lastError = err.Error()
	}
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = s.now()
		b.probing = false
	default:
		b.failures++
		if b.failures >= s.threshold {
			b.state = BreakerOpen
			b.openedAt = s.now()
		}
	}
}

// Reset manually closes the breaker for a device.
func (s *BreakerSet) Reset(deviceID string) {
	s.RecordSuccess(deviceID)
}

// State returns the current state for a device (Closed if never seen).
func (s *BreakerSet) State(deviceID string) BreakerState {
	b, ok := s.breakers.Load(deviceID)
	if !ok {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// Surface the time-based Open -> HalfOpen transition without mutating;
	// Allow performs the actual transition.
	if b.state == BreakerOpen && s.now().Sub(b.openedAt) >= s.timeout {
		return BreakerHalfOpen
	}
	return b.state
}

// BreakerStatus is the externally visible state of one device breaker.
type BreakerStatus struct {
	DeviceID  string       `json:"device_id"`
	State     BreakerState `json:"state"`
	Failures  int          `json:"failures"`
	LastError string       `json:"last_error,omitempty"`
}

// Statuses returns a snapshot of every known device breaker.
func (s *BreakerSet) Statuses() []BreakerStatus {
	var out []BreakerStatus
	s.breakers.Range(func(id string, b *deviceBreaker) bool {
		b.mu.Lock()
		out = append(out, BreakerStatus{
			DeviceID:  id,
			State:     b.state,
			Failures:  b.failures,
			LastError: b.lastError,
		})
		b.mu.Unlock()
		return true
	})
	return out
}
