// Package cleanup enforces local retention: old synchronized readings and
// aged sync-log rows are deleted in bounded batches.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/store"
)

const (
	DefaultReadingRetentionDays = 60
	DefaultLogRetentionDays     = 30
	deleteBatchSize             = 500
)

// ErrRunInProgress is returned when a cleanup run is requested while the
// previous one is still deleting.
var ErrRunInProgress = errors.New("cleanup already running")

// Options wires an Agent. Zero retention values fall back to the defaults.
type Options struct {
	Store                *store.Store
	ReadingRetentionDays int
	LogRetentionDays     int
}

// Result summarizes one cleanup run.
type Result struct {
	ReadingsDeleted int `json:"readings_deleted"`
	LogsPurged      int `json:"logs_purged"`
}

// Agent runs retention sweeps. Runs never overlap themselves.
type Agent struct {
	opts Options
	mu   sync.Mutex
}

// New builds an Agent.
func New(opts Options) *Agent {
	if opts.ReadingRetentionDays <= 0 {
		opts.ReadingRetentionDays = DefaultReadingRetentionDays
	}
	if opts.LogRetentionDays <= 0 {
		opts.LogRetentionDays = DefaultLogRetentionDays
	}
	return &Agent{opts: opts}
}

// Run performs one retention sweep. Unsynchronized readings are never
// touched, whatever their age.
func (a *Agent) Run(ctx context.Context) (Result, error) {
	if !a.mu.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	deleted, err := a.opts.Store.DeleteOldSynchronized(a.opts.ReadingRetentionDays, deleteBatchSize)
	if err != nil {
		a.logOutcome(res, false, err)
		return res, fmt.Errorf("delete old readings: %w", err)
	}
	res.ReadingsDeleted = deleted

	purged, err := a.opts.Store.PurgeSyncLogs(a.opts.LogRetentionDays)
	if err != nil {
		a.logOutcome(res, false, err)
		return res, fmt.Errorf("purge sync logs: %w", err)
	}
	res.LogsPurged = purged

	if res.ReadingsDeleted > 0 || res.LogsPurged > 0 {
		log.Printf("[cleanup] deleted %d readings, purged %d log rows", res.ReadingsDeleted, res.LogsPurged)
	}
	a.logOutcome(res, true, nil)
	return res, nil
}

func (a *Agent) logOutcome(res Result, success bool, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := a.opts.Store.AppendSyncLog(uuid.NewString(), model.SyncOpCleanup, res.ReadingsDeleted+res.LogsPurged, success, msg); err != nil {
		log.Printf("[cleanup] append sync log: %v", err)
	}
}
