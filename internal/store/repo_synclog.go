package store

import (
	"time"

	"github.com/gridwatch/gridwatch/internal/model"
)

// AppendSyncLog records one pipeline-level event. Append-only.
func (s *Store) AppendSyncLog(batchID string, op model.SyncOp, count int, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_log (batch_id, op, count, success, error, ts_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, batchID, string(op), count, boolToInt(success), errMsg, time.Now().UnixNano())
	return err
}

// ListRecentSyncLogs returns the newest entries first.
func (s *Store) ListRecentSyncLogs(limit int) ([]model.SyncLog, error) {
	rows, err := s.db.Query(`
		SELECT id, batch_id, op, count, success, error, ts_ns
		FROM sync_log ORDER BY ts_ns DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SyncLog
	for rows.Next() {
		var l model.SyncLog
		var success int
		var tsNs int64
		if err := rows.Scan(&l.ID, &l.BatchID, &l.Op, &l.Count, &success, &l.Error, &tsNs); err != nil {
			return nil, err
		}
		l.Success = success != 0
		l.Timestamp = time.Unix(0, tsNs).UTC()
		result = append(result, l)
	}
	return result, rows.Err()
}

// SyncLogStats aggregates success/failure counts per operation over the last
// `hours` hours.
type SyncLogStats struct {
	Op        model.SyncOp `json:"op"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Records   int          `json:"records"`
}

// SyncLogStatsSince returns per-op aggregates for the trailing window.
func (s *Store) SyncLogStatsSince(hours int) ([]SyncLogStats, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixNano()
	rows, err := s.db.Query(`
		SELECT op,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN success = 1 THEN count ELSE 0 END)
		FROM sync_log WHERE ts_ns >= ?
		GROUP BY op ORDER BY op
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SyncLogStats
	for rows.Next() {
		var st SyncLogStats
		if err := rows.Scan(&st.Op, &st.Succeeded, &st.Failed, &st.Records); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// PurgeSyncLogs deletes entries older than the given age. Returns the count.
func (s *Store) PurgeSyncLogs(days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days).UnixNano()
	res, err := s.db.Exec("DELETE FROM sync_log WHERE ts_ns < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
