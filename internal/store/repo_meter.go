package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/gridwatch/gridwatch/internal/model"
)

const meterColumns = "id, name, ip, port, protocol, device_id, element, active, register_map_json, last_reading_ns"

func scanMeter(scan func(dest ...any) error) (model.Meter, error) {
	var m model.Meter
	var active int
	var lastReading int64
	err := scan(&m.ID, &m.Name, &m.IP, &m.Port, &m.Protocol, &m.DeviceID,
		&m.Element, &active, &m.RegisterMapJSON, &lastReading)
	if err != nil {
		return m, err
	}
	m.Active = active != 0
	if lastReading > 0 {
		m.LastReadingAt = time.Unix(0, lastReading).UTC()
	}
	return m, nil
}

// UpsertMeter inserts or updates a meter by remote id, preserving the local
// last_reading_ns bookkeeping on update.
func (s *Store) UpsertMeter(m model.Meter) (UpsertResult, error) {
	var res UpsertResult
	err := s.withTx(func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow("SELECT 1 FROM meter WHERE id = ?", m.ID).Scan(&exists)
		switch {
		case err == sql.ErrNoRows:
			res = UpsertInserted
		case err != nil:
			return fmt.Errorf("lookup meter %s: %w", m.ID, err)
		default:
			res = UpsertUpdated
		}

		_, err = tx.Exec(`
			INSERT INTO meter (id, name, ip, port, protocol, device_id, element, active, register_map_json, last_reading_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				name              = excluded.name,
				ip                = excluded.ip,
				port              = excluded.port,
				protocol          = excluded.protocol,
				device_id         = excluded.device_id,
				element           = excluded.element,
				active            = excluded.active,
				register_map_json = excluded.register_map_json
		`, m.ID, m.Name, m.IP, m.Port, string(m.Protocol), m.DeviceID, m.Element,
			boolToInt(m.Active), m.RegisterMapJSON)
		return err
	})
	return res, err
}

// ListMeters returns all meters.
func (s *Store) ListMeters() ([]model.Meter, error) {
	return s.queryMeters("SELECT " + meterColumns + " FROM meter ORDER BY id")
}

// ListActiveMeters returns meters with the active flag set.
func (s *Store) ListActiveMeters() ([]model.Meter, error) {
	return s.queryMeters("SELECT " + meterColumns + " FROM meter WHERE active = 1 ORDER BY id")
}

// GetMeter returns one meter by id.
func (s *Store) GetMeter(id string) (model.Meter, bool, error) {
	row := s.db.QueryRow("SELECT "+meterColumns+" FROM meter WHERE id = ?", id)
	m, err := scanMeter(row.Scan)
	if err == sql.ErrNoRows {
		return model.Meter{}, false, nil
	}
	if err != nil {
		return model.Meter{}, false, err
	}
	return m, true, nil
}

// TouchLastReading records the timestamp of the latest successful reading.
func (s *Store) TouchLastReading(id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE meter SET last_reading_ns = ? WHERE id = ?", ts.UnixNano(), id)
	return err
}

func (s *Store) queryMeters(query string) ([]model.Meter, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Meter
	for rows.Next() {
		m, err := scanMeter(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
