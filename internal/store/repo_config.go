package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/gridwatch/gridwatch/internal/model"
)

// UpsertResult reports whether an upsert created a new row or changed an
// existing one. Pull-sync uses it to build {total, new, updated} reports.
type UpsertResult int

const (
	UpsertUnchanged UpsertResult = iota
	UpsertInserted
	UpsertUpdated
)

// --- tenant ---

// UpsertTenant inserts or updates a tenant row by remote id.
func (s *Store) UpsertTenant(t model.Tenant) (UpsertResult, error) {
	var res UpsertResult
	err := s.withTx(func(tx *sql.Tx) error {
		var cur model.Tenant
		err := tx.QueryRow("SELECT id, name, api_key FROM tenant WHERE id = ?", t.ID).
			Scan(&cur.ID, &cur.Name, &cur.APIKey)
		switch {
		case err == sql.ErrNoRows:
			res = UpsertInserted
		case err != nil:
			return fmt.Errorf("scan tenant: %w", err)
		case cur.Name == t.Name && cur.APIKey == t.APIKey:
			// last_seen_ns is a sync heartbeat, not tenant identity; it is
			// refreshed below without reporting the row as changed.
			res = UpsertUnchanged
		default:
			res = UpsertUpdated
		}

		_, err = tx.Exec(`
			INSERT INTO tenant (id, name, api_key, last_seen_ns)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name         = excluded.name,
				api_key      = excluded.api_key,
				last_seen_ns = excluded.last_seen_ns
		`, t.ID, t.Name, t.APIKey, t.LastSeenAt.UnixNano())
		return err
	})
	return res, err
}

// ListTenants returns all tenant rows.
func (s *Store) ListTenants() ([]model.Tenant, error) {
	rows, err := s.db.Query("SELECT id, name, api_key, last_seen_ns FROM tenant")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Tenant
	for rows.Next() {
		var t model.Tenant
		var lastSeen int64
		if err := rows.Scan(&t.ID, &t.Name, &t.APIKey, &lastSeen); err != nil {
			return nil, err
		}
		t.LastSeenAt = time.Unix(0, lastSeen).UTC()
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- register ---

// UpsertRegister inserts or updates a register row by remote id.
func (s *Store) UpsertRegister(r model.Register) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO register (id, device_id, name, base_number, unit, field_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id   = excluded.device_id,
			name        = excluded.name,
			base_number = excluded.base_number,
			unit        = excluded.unit,
			field_name  = excluded.field_name
	`, r.ID, r.DeviceID, r.Name, r.BaseNumber, r.Unit, r.FieldName)
	return err
}

// ListRegisters returns all register rows.
func (s *Store) ListRegisters() ([]model.Register, error) {
	rows, err := s.db.Query("SELECT id, device_id, name, base_number, unit, field_name FROM register")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Register
	for rows.Next() {
		var r model.Register
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Name, &r.BaseNumber, &r.Unit, &r.FieldName); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- device_register ---

// UpsertDeviceRegister inserts or updates a join row by remote id.
func (s *Store) UpsertDeviceRegister(dr model.DeviceRegister) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO device_register (id, device_id, register_id)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id   = excluded.device_id,
			register_id = excluded.register_id
	`, dr.ID, dr.DeviceID, dr.RegisterID)
	return err
}

// ListDeviceRegisters returns all join rows.
func (s *Store) ListDeviceRegisters() ([]model.DeviceRegister, error) {
	rows, err := s.db.Query("SELECT id, device_id, register_id FROM device_register")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DeviceRegister
	for rows.Next() {
		var dr model.DeviceRegister
		if err := rows.Scan(&dr.ID, &dr.DeviceID, &dr.RegisterID); err != nil {
			return nil, err
		}
		result = append(result, dr)
	}
	return result, rows.Err()
}
