package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/local.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertAged(t *testing.T, s *store.Store, field string, age time.Duration, synced bool) {
	t.Helper()
	ts := time.Now().UTC().Add(-age)
	if err := s.InsertReading(model.Reading{
		MeterID: "m1", Timestamp: ts, FieldName: field, Value: 1, Unit: "kWh", CreatedAt: ts,
	}); err != nil {
		t.Fatal(err)
	}
	if synced {
		rows, err := s.ListUnsynchronized(100)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range rows {
			if r.FieldName == field {
				if err := s.MarkSynchronized([]int64{r.ID}); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
}

func TestRunDeletesOnlyAgedSynchronized(t *testing.T) {
	s := newTestStore(t)
	insertAged(t, s, "old_synced", 90*24*time.Hour, true)
	insertAged(t, s, "old_unsynced", 90*24*time.Hour, false)
	insertAged(t, s, "fresh_synced", time.Hour, true)

	a := New(Options{Store: s, ReadingRetentionDays: 60, LogRetentionDays: 30})
	res, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.ReadingsDeleted != 1 {
		t.Fatalf("deleted = %d, want 1", res.ReadingsDeleted)
	}

	unsynced, _, total, err := s.CountReadings()
	if err != nil {
		t.Fatal(err)
	}
	if unsynced != 1 || total != 2 {
		t.Fatalf("counts = %d/%d, want 1/2", unsynced, total)
	}

	logs, err := s.ListRecentSyncLogs(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Op != model.SyncOpCleanup || !logs[0].Success {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestRunPurgesOldSyncLogs(t *testing.T) {
	s := newTestStore(t)
	// Fresh log rows survive; purge cutoff is 30 days and these are new.
	for i := 0; i < 3; i++ {
		if err := s.AppendSyncLog("b", model.SyncOpUpload, 1, true, ""); err != nil {
			t.Fatal(err)
		}
	}

	a := New(Options{Store: s})
	res, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.LogsPurged != 0 {
		t.Fatalf("purged = %d, want 0", res.LogsPurged)
	}
	logs, err := s.ListRecentSyncLogs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 4 { // 3 upload rows + the cleanup outcome row
		t.Fatalf("logs = %d", len(logs))
	}
}

func TestRunRejectsOverlap(t *testing.T) {
	a := New(Options{Store: newTestStore(t)})
	a.mu.Lock()
	_, err := a.Run(context.Background())
	a.mu.Unlock()
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v", err)
	}
}
