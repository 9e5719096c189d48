// Package model defines domain structs shared across the store, caches,
// and sync pipelines.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the wire protocol a meter speaks.
type Protocol string

const (
	ProtocolBACnet Protocol = "bacnet"
	ProtocolModbus Protocol = "modbus"
)

// IsValid reports whether p is a known protocol.
func (p Protocol) IsValid() bool {
	return p == ProtocolBACnet || p == ProtocolModbus
}

// Quality grades a reading. Defaults to QualityGood at ingest.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityEstimated    Quality = "estimated"
	QualityQuestionable Quality = "questionable"
)

// IsValid reports whether q is a known quality grade.
func (q Quality) IsValid() bool {
	return q == QualityGood || q == QualityEstimated || q == QualityQuestionable
}

// SyncOp is the kind of a sync_log entry.
type SyncOp string

const (
	SyncOpUpload  SyncOp = "upload"
	SyncOpPull    SyncOp = "pull"
	SyncOpCleanup SyncOp = "cleanup"
)

// Tenant is the facility owner pulled from the remote database. At most one
// tenant is current in the cache at a time.
type Tenant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	APIKey     string    `json:"api_key"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Register describes one readable point of a device: its base register
// number, engineering unit, and the column-safe field name readings are
// stored under.
type Register struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	Name       string `json:"name"`
	BaseNumber int    `json:"base_number"`
	Unit       string `json:"unit"`
	FieldName  string `json:"field_name"`
}

// DeviceRegister joins a device to one of its registers.
type DeviceRegister struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	RegisterID string `json:"register_id"`
}

// Meter is a pollable energy meter. Element selects the per-meter register
// offset for multi-element meters (see EffectiveRegister). RegisterMapJSON is
// the pulled snapshot of register ids this meter reads.
type Meter struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	IP              string    `json:"ip"`
	Port            int       `json:"port"`
	Protocol        Protocol  `json:"protocol"`
	DeviceID        string    `json:"device_id"`
	Element         string    `json:"element"`
	Active          bool      `json:"active"`
	RegisterMapJSON string    `json:"register_map_json"`
	LastReadingAt   time.Time `json:"last_reading_at"`
}

// RegisterIDs parses the register-map snapshot into register ids.
// The snapshot is a JSON string array; empty or missing maps are an error so
// callers can distinguish "no map" from "empty map" at cache-validation time.
func (m *Meter) RegisterIDs() ([]string, error) {
	raw := strings.TrimSpace(m.RegisterMapJSON)
	if raw == "" {
		return nil, fmt.Errorf("meter %s: empty register map", m.ID)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("meter %s: parse register map: %w", m.ID, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("meter %s: register map has no entries", m.ID)
	}
	return ids, nil
}

// ElementPosition maps an element tag to its numeric position: A=0, B=1,
// C=2, and so on. Tags are single uppercase letters.
func ElementPosition(tag string) (int, error) {
	if len(tag) != 1 || tag[0] < 'A' || tag[0] > 'Z' {
		return 0, fmt.Errorf("invalid element tag %q", tag)
	}
	return int(tag[0] - 'A'), nil
}

// EffectiveRegister computes the device register for element position p and
// base register number b by prepending p's decimal digits to b:
//
//	p=0:          b      (element A reads the base register unchanged)
//	p=1, b=1100:  11100
//	p=2, b=1:     21
//
// In general the result is p*10^digits(b) + b where digits(b) is the number
// of decimal digits of b. Positions with more than one digit prepend all of
// them: p=10, b=7 -> 107.
func EffectiveRegister(p, b int) int {
	if p <= 0 {
		return b
	}
	pow := 1
	for n := b; n > 0; n /= 10 {
		pow *= 10
	}
	if b == 0 {
		pow = 10
	}
	return p*pow + b
}

// Reading is one normalized data point awaiting upload. Immutable once
// written; deleted only after the remote acks ingestion.
type Reading struct {
	ID           int64     `json:"id"`
	MeterID      string    `json:"meter_id"`
	Timestamp    time.Time `json:"timestamp"`
	FieldName    string    `json:"field_name"`
	Value        float64   `json:"value"`
	Unit         string    `json:"unit"`
	Quality      Quality   `json:"quality"`
	Synchronized bool      `json:"synchronized"`
	RetryCount   int       `json:"retry_count"`
	Quarantined  bool      `json:"quarantined"`
	CreatedAt    time.Time `json:"created_at"`
}

// SyncLog records one pipeline-level event (upload, pull, cleanup).
// Append-only; rotated by retention.
type SyncLog struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batch_id"`
	Op        SyncOp    `json:"op"`
	Count     int       `json:"count"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
