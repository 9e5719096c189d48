// Package sched drives the periodic pipelines: collection, upload,
// pull-sync, and retention cleanup.
package sched

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gridwatch/gridwatch/internal/scanloop"
)

// Job is one schedulable pipeline run. A Job must be safe to call
// concurrently with itself; pipelines serialize internally and return
// their own in-progress sentinel, which callers adapt to nil.
type Job func(ctx context.Context) error

// Options configures the scheduler. A nil Job or a false auto-start
// flag disables that pipeline's timer; manual triggers still work.
type Options struct {
	Collect  Job
	Upload   Job
	PullSync Job
	Cleanup  Job

	CollectionInterval time.Duration // seconds-scale polling cadence
	PullSyncInterval   time.Duration // minutes-scale config refresh
	UploadSchedule     string        // standard 5-field cron expression
	CleanupSchedule    string        // standard 5-field cron expression

	CollectAutoStart  bool
	UploadAutoStart   bool
	PullSyncAutoStart bool
	CleanupAutoStart  bool
}

// Scheduler owns the timers. Interval pipelines run on jittered loops,
// cron pipelines on a shared cron runner.
type Scheduler struct {
	opts Options

	cron       *cron.Cron
	stopCh     chan struct{}
	wg         sync.WaitGroup
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a scheduler. Cron expressions are registered here so an
// invalid one surfaces before Start.
func New(opts Options) (*Scheduler, error) {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:       opts,
		cron:       cron.New(),
		stopCh:     make(chan struct{}),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}

	if opts.Upload != nil && opts.UploadAutoStart {
		if _, err := s.cron.AddFunc(opts.UploadSchedule, s.runner("upload", opts.Upload)); err != nil {
			lifeCancel()
			return nil, err
		}
	}
	if opts.Cleanup != nil && opts.CleanupAutoStart {
		if _, err := s.cron.AddFunc(opts.CleanupSchedule, s.runner("cleanup", opts.Cleanup)); err != nil {
			lifeCancel()
			return nil, err
		}
	}
	return s, nil
}

// Start launches the timers. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	if s.opts.Collect != nil && s.opts.CollectAutoStart && s.opts.CollectionInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// Jitter a tenth of the interval so restarts across sites
			// don't poll in lockstep.
			scanloop.Run(s.stopCh, s.opts.CollectionInterval, s.opts.CollectionInterval/10,
				s.runner("collect", s.opts.Collect))
		}()
	}
	if s.opts.PullSync != nil && s.opts.PullSyncAutoStart && s.opts.PullSyncInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			scanloop.Run(s.stopCh, s.opts.PullSyncInterval, 0,
				s.runner("pull-sync", s.opts.PullSync))
		}()
	}
	s.cron.Start()
}

// Stop cancels in-flight runs, halts the timers, and waits for loop
// goroutines and running cron jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.lifeCancel()
		return
	}
	s.started = false

	s.lifeCancel()
	close(s.stopCh)
	cronDone := s.cron.Stop()
	s.wg.Wait()
	<-cronDone.Done()
}

func (s *Scheduler) runner(name string, job Job) func() {
	return func() {
		if err := job(s.lifeCtx); err != nil {
			log.Printf("[sched] %s run failed: %v", name, err)
		}
	}
}
