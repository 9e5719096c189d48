// Package pullsync refreshes local configuration from the remote database:
// tenants, meters, registers, and the device-register join. Steps run in
// order with no global rollback; the caches reload only after every step
// succeeds.
package pullsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridwatch/gridwatch/internal/cache"
	"github.com/gridwatch/gridwatch/internal/faults"
	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/store"
)

// ErrSyncRunning is returned when a pull-sync is requested while one is
// already in flight.
var ErrSyncRunning = errors.New("pull-sync already running")

// Options wires a Manager.
type Options struct {
	Store  *store.Store
	Cache  *cache.Cache
	Remote Remote
	Stats  *faults.Stats
	Retry  faults.RetryPolicy
}

// MeterReport details the meter step of one sync.
type MeterReport struct {
	Total      int      `json:"total"`
	New        int      `json:"new"`
	Updated    int      `json:"updated"`
	NewIDs     []string `json:"new_ids,omitempty"`
	UpdatedIDs []string `json:"updated_ids,omitempty"`
}

// Result summarizes one pull-sync.
type Result struct {
	Tenants         int         `json:"tenants"`
	TenantsChanged  int         `json:"tenants_changed"`
	Meters          MeterReport `json:"meters"`
	Registers       int         `json:"registers"`
	DeviceRegisters int         `json:"device_registers"`
	Duration        string      `json:"duration"`
	StartedAt       time.Time   `json:"started_at"`
}

func (r Result) rows() int {
	return r.Tenants + r.Meters.Total + r.Registers + r.DeviceRegisters
}

// Manager runs pull-syncs. At most one sync runs at a time.
type Manager struct {
	opts Options
	mu   sync.Mutex

	lastMu sync.Mutex
	last   Result
}

// New builds a Manager.
func New(opts Options) *Manager {
	if opts.Retry == (faults.RetryPolicy{}) {
		opts.Retry = faults.DefaultRetryPolicy()
	}
	return &Manager{opts: opts}
}

// Last returns the most recent sync result.
func (m *Manager) Last() Result {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.last
}

// Sync runs one pull-sync: tenants, then meters, then registers and the
// device-register join. A step failure stops the sequence but leaves prior
// steps' rows in place; the next cycle retries from the top. Caches reload
// only on full success.
func (m *Manager) Sync(ctx context.Context) (Result, error) {
	if !m.mu.TryLock() {
		return Result{}, ErrSyncRunning
	}
	defer m.mu.Unlock()

	start := time.Now()
	res := Result{StartedAt: start.UTC()}
	batchID := uuid.NewString()

	steps := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"tenants", func(ctx context.Context) error { return m.syncTenants(ctx, &res) }},
		{"meters", func(ctx context.Context) error { return m.syncMeters(ctx, &res) }},
		{"device registers", func(ctx context.Context) error { return m.syncDeviceRegisters(ctx, &res) }},
	}
	for _, step := range steps {
		err := faults.Retry(ctx, m.opts.Retry, "", "pull "+step.name, step.run)
		if err != nil {
			m.opts.Stats.Record("", "pull "+step.name, err)
			m.appendLog(batchID, res.rows(), false, err)
			res.Duration = time.Since(start).String()
			m.setLast(res)
			return res, fmt.Errorf("sync %s: %w", step.name, err)
		}
	}

	if err := m.opts.Cache.ReloadAll(m.opts.Store); err != nil {
		m.appendLog(batchID, res.rows(), false, err)
		res.Duration = time.Since(start).String()
		m.setLast(res)
		return res, fmt.Errorf("reload caches: %w", err)
	}

	m.appendLog(batchID, res.rows(), true, nil)
	res.Duration = time.Since(start).String()
	m.setLast(res)
	log.Printf("[pullsync] synced %d rows (meters: %d total, %d new, %d updated)",
		res.rows(), res.Meters.Total, res.Meters.New, res.Meters.Updated)
	return res, nil
}

func (m *Manager) setLast(res Result) {
	m.lastMu.Lock()
	m.last = res
	m.lastMu.Unlock()
}

func (m *Manager) syncTenants(ctx context.Context, res *Result) error {
	tenants, err := m.opts.Remote.Tenants(ctx)
	if err != nil {
		return err
	}
	res.Tenants = len(tenants)
	res.TenantsChanged = 0
	for _, t := range tenants {
		t.LastSeenAt = time.Now().UTC()
		out, err := m.opts.Store.UpsertTenant(t)
		if err != nil {
			return faults.New(faults.KindLocalStoreFailure, "", "upsert tenant", err)
		}
		if out != store.UpsertUnchanged {
			res.TenantsChanged++
		}
	}
	return nil
}

func (m *Manager) syncMeters(ctx context.Context, res *Result) error {
	meters, err := m.opts.Remote.Meters(ctx)
	if err != nil {
		return err
	}
	report := MeterReport{Total: len(meters)}
	for _, mt := range meters {
		out, err := m.opts.Store.UpsertMeter(mt)
		if err != nil {
			return faults.New(faults.KindLocalStoreFailure, "", "upsert meter", err)
		}
		switch out {
		case store.UpsertInserted:
			report.New++
			report.NewIDs = append(report.NewIDs, mt.ID)
		case store.UpsertUpdated:
			report.Updated++
			report.UpdatedIDs = append(report.UpdatedIDs, mt.ID)
		}
	}
	res.Meters = report
	return nil
}

func (m *Manager) syncDeviceRegisters(ctx context.Context, res *Result) error {
	registers, err := m.opts.Remote.Registers(ctx)
	if err != nil {
		return err
	}
	for _, r := range registers {
		if err := m.opts.Store.UpsertRegister(r); err != nil {
			return faults.New(faults.KindLocalStoreFailure, "", "upsert register", err)
		}
	}
	res.Registers = len(registers)

	joins, err := m.opts.Remote.DeviceRegisters(ctx)
	if err != nil {
		return err
	}
	for _, dr := range joins {
		if err := m.opts.Store.UpsertDeviceRegister(dr); err != nil {
			return faults.New(faults.KindLocalStoreFailure, "", "upsert device register", err)
		}
	}
	res.DeviceRegisters = len(joins)
	return nil
}

func (m *Manager) appendLog(batchID string, count int, success bool, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := m.opts.Store.AppendSyncLog(batchID, model.SyncOpPull, count, success, msg); err != nil {
		log.Printf("[pullsync] append sync log: %v", err)
	}
}
