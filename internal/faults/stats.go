package faults

import (
	"sync"
	"time"
)

const errorRingCapacity = 100

// ErrorRecord is one observed error, kept in the bounded recent-errors ring.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	DeviceID  string    `json:"device_id,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message"`
}

// Stats aggregates error totals by kind and by device, plus a bounded ring
// of the most recent errors.
type Stats struct {
	mu       sync.Mutex
	byKind   map[Kind]int64
	byDevice map[string]int64
	ring     []ErrorRecord
	next     int
	total    int64
}

// NewStats creates an empty Stats aggregator.
func NewStats() *Stats {
	return &Stats{
		byKind:   make(map[Kind]int64),
		byDevice: make(map[string]int64),
		ring:     make([]ErrorRecord, 0, errorRingCapacity),
	}
}

// Record registers one error observation.
func (s *Stats) Record(deviceID, operation string, err error) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	rec := ErrorRecord{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		DeviceID:  deviceID,
		Operation: operation,
		Message:   err.Error(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byKind[kind]++
	if deviceID != "" {
		s.byDevice[deviceID]++
	}
	if len(s.ring) < errorRingCapacity {
		s.ring = append(s.ring, rec)
	} else {
		s.ring[s.next] = rec
		s.next = (s.next + 1) % errorRingCapacity
	}
}

// Snapshot is a point-in-time copy of the aggregated statistics.
type Snapshot struct {
	Total    int64            `json:"total"`
	ByKind   map[Kind]int64   `json:"by_kind"`
	ByDevice map[string]int64 `json:"by_device"`
	Recent   []ErrorRecord    `json:"recent"`
}

// Snapshot returns a copy of the current totals and the recent-error ring in
// chronological order.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Total:    s.total,
		ByKind:   make(map[Kind]int64, len(s.byKind)),
		ByDevice: make(map[string]int64, len(s.byDevice)),
		Recent:   make([]ErrorRecord, 0, len(s.ring)),
	}
	for k, v := range s.byKind {
		snap.ByKind[k] = v
	}
	for d, v := range s.byDevice {
		snap.ByDevice[d] = v
	}
	if len(s.ring) < errorRingCapacity {
		snap.Recent = append(snap.Recent, s.ring...)
	} else {
		snap.Recent = append(snap.Recent, s.ring[s.next:]...)
		snap.Recent = append(snap.Recent, s.ring[:s.next]...)
	}
	return snap
}
