package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/gridwatch/gridwatch/internal/model"
)

// DedupeHash computes the local idempotency key for a reading. It mirrors the
// remote's (meter id, timestamp, field name) key so a re-run collection tick
// cannot insert the same point twice.
func DedupeHash(meterID string, ts time.Time, fieldName string) int64 {
	key := meterID + "|" + strconv.FormatInt(ts.UnixNano(), 10) + "|" + fieldName
	return int64(xxh3.HashString(key))
}

const readingColumns = "id, meter_id, ts_ns, field_name, value, unit, quality, synchronized, retry_count, quarantined, created_at_ns"

func scanReading(scan func(dest ...any) error) (model.Reading, error) {
	var r model.Reading
	var tsNs, createdNs int64
	var synced, quarantined int
	err := scan(&r.ID, &r.MeterID, &tsNs, &r.FieldName, &r.Value, &r.Unit,
		&r.Quality, &synced, &r.RetryCount, &quarantined, &createdNs)
	if err != nil {
		return r, err
	}
	r.Timestamp = time.Unix(0, tsNs).UTC()
	r.CreatedAt = time.Unix(0, createdNs).UTC()
	r.Synchronized = synced != 0
	r.Quarantined = quarantined != 0
	return r, nil
}

// InsertReading inserts one reading in its own transaction.
func (s *Store) InsertReading(r model.Reading) error {
	_, err := s.InsertReadingBatch([]model.Reading{r})
	return err
}

// InsertReadingBatch inserts readings in a single transaction; either every
// row lands or none do. Rows whose dedupe hash already exists are skipped
// (INSERT OR IGNORE); the returned count is the number actually inserted.
func (s *Store) InsertReadingBatch(readings []model.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO meter_reading
				(meter_id, ts_ns, field_name, value, unit, quality, synchronized, retry_count, quarantined, dedupe_hash, created_at_ns)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UnixNano()
		for _, r := range readings {
			quality := r.Quality
			if quality == "" {
				quality = model.QualityGood
			}
			created := now
			if !r.CreatedAt.IsZero() {
				created = r.CreatedAt.UnixNano()
			}
			res, err := stmt.Exec(r.MeterID, r.Timestamp.UnixNano(), r.FieldName,
				r.Value, r.Unit, string(quality),
				DedupeHash(r.MeterID, r.Timestamp, r.FieldName), created)
			if err != nil {
				return fmt.Errorf("insert reading meter=%s field=%s: %w", r.MeterID, r.FieldName, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListUnsynchronized returns up to limit unsynchronized, non-quarantined
// readings, oldest first by creation time.
func (s *Store) ListUnsynchronized(limit int) ([]model.Reading, error) {
	rows, err := s.db.Query(`
		SELECT `+readingColumns+` FROM meter_reading
		WHERE synchronized = 0 AND quarantined = 0
		ORDER BY created_at_ns ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReadings(rows)
}

// ListRecentReadings returns readings for the control API: optionally
// filtered by meter, within the last `hours`, newest first.
func (s *Store) ListRecentReadings(meterID string, hours, limit int) ([]model.Reading, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixNano()
	query := "SELECT " + readingColumns + " FROM meter_reading WHERE ts_ns >= ?"
	args := []any{since}
	if meterID != "" {
		query += " AND meter_id = ?"
		args = append(args, meterID)
	}
	query += " ORDER BY ts_ns DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReadings(rows)
}

// ListQuarantined returns quarantined readings, oldest first.
func (s *Store) ListQuarantined(limit int) ([]model.Reading, error) {
	rows, err := s.db.Query(`
		SELECT `+readingColumns+` FROM meter_reading
		WHERE quarantined = 1
		ORDER BY created_at_ns ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReadings(rows)
}

// IncrementRetry bumps retry_count for the given ids in one transaction.
func (s *Store) IncrementRetry(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		query, args := inClause("UPDATE meter_reading SET retry_count = retry_count + 1 WHERE id IN", ids)
		_, err := tx.Exec(query, args...)
		return err
	})
}

// QuarantineExceeding flags readings whose retry_count exceeds maxRetries so
// they are kept but excluded from future upload batches. Returns the number
// of rows newly quarantined.
func (s *Store) QuarantineExceeding(maxRetries int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE meter_reading SET quarantined = 1
		WHERE quarantined = 0 AND synchronized = 0 AND retry_count > ?
	`, maxRetries)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkSynchronized flags the given ids as uploaded. Used as the fallback when
// post-ack deletion fails: acked rows must not re-enter upload batches, and
// the cleanup agent reaps them after retention.
func (s *Store) MarkSynchronized(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		query, args := inClause("UPDATE meter_reading SET synchronized = 1 WHERE id IN", ids)
		_, err := tx.Exec(query, args...)
		return err
	})
}

// DeleteIDs deletes the given readings atomically and returns the count.
// If the transaction fails, every row remains visible to the next upload
// cycle (the remote endpoint is idempotent).
func (s *Store) DeleteIDs(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	deleted := 0
	err := s.withTx(func(tx *sql.Tx) error {
		query, args := inClause("DELETE FROM meter_reading WHERE id IN", ids)
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteOldSynchronized deletes synchronized readings older than the given
// age, in bounded batches to avoid long locks. Unsynchronized readings are
// never touched regardless of age. Returns the total deleted.
func (s *Store) DeleteOldSynchronized(days, batchSize int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixNano()
	total := 0
	for {
		s.mu.Lock()
		res, err := s.db.Exec(`
			DELETE FROM meter_reading WHERE id IN (
				SELECT id FROM meter_reading
				WHERE synchronized = 1 AND created_at_ns < ?
				LIMIT ?
			)
		`, cutoff, batchSize)
		s.mu.Unlock()
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if int(n) < batchSize {
			return total, nil
		}
	}
}

// CountReadings returns (unsynchronized, quarantined, total) row counts.
func (s *Store) CountReadings() (unsynced, quarantined, total int, err error) {
	err = s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN synchronized = 0 AND quarantined = 0 THEN 1 END),
			COUNT(CASE WHEN quarantined = 1 THEN 1 END),
			COUNT(*)
		FROM meter_reading
	`).Scan(&unsynced, &quarantined, &total)
	return
}

func collectReadings(rows *sql.Rows) ([]model.Reading, error) {
	var result []model.Reading
	for rows.Next() {
		r, err := scanReading(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// inClause builds "prefix (?,?,...)" and its args from ids.
func inClause(prefix string, ids []int64) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return prefix + " (" + placeholders + ")", args
}
