package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gridwatch/gridwatch/internal/api"
	"github.com/gridwatch/gridwatch/internal/buildinfo"
	"github.com/gridwatch/gridwatch/internal/cache"
	"github.com/gridwatch/gridwatch/internal/cleanup"
	"github.com/gridwatch/gridwatch/internal/collector"
	"github.com/gridwatch/gridwatch/internal/config"
	"github.com/gridwatch/gridwatch/internal/faults"
	"github.com/gridwatch/gridwatch/internal/pool"
	"github.com/gridwatch/gridwatch/internal/pullsync"
	"github.com/gridwatch/gridwatch/internal/pushsync"
	"github.com/gridwatch/gridwatch/internal/sched"
	"github.com/gridwatch/gridwatch/internal/store"
	"github.com/gridwatch/gridwatch/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type gridwatchApp struct {
	envCfg *config.EnvConfig
	store  *store.Store
	remote *pullsync.PostgresRemote
	cache  *cache.Cache

	breakers *faults.BreakerSet
	stats    *faults.Stats
	connPool *pool.Pool

	collector *collector.Collector
	uploader  *pushsync.Uploader
	pullSync  *pullsync.Manager
	cleanup   *cleanup.Agent
	scheduler *sched.Scheduler

	apiSrv *api.Server

	fatalCh chan error
	storeMu sync.Mutex
	// storeFailures counts consecutive pipeline runs that failed on the
	// local store. Dropping readings is worse than restarting, so a run of
	// them aborts the process.
	storeFailures int
}

const maxStoreFailures = 5

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	log.Printf("gridwatch %s starting (commit %s)", buildinfo.Version, buildinfo.GitCommit)

	st, err := store.Open(envCfg.LocalDBPath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	log.Printf("Local store ready at %s", envCfg.LocalDBPath)

	app, err := newGridwatchApp(envCfg, st)
	if err != nil {
		_ = st.Close()
		return err
	}

	// First pull-sync blocks startup: without tenant and meter config the
	// agent has nothing to poll and no API key to upload with.
	if _, err := app.pullSync.Sync(context.Background()); err != nil {
		app.remote.Close()
		_ = st.Close()
		return fmt.Errorf("initial configuration sync: %w", err)
	}
	snap := app.cache.Snapshot()
	log.Printf("Initial configuration sync complete: %d meters (%d collectable)",
		len(snap.Meters), len(snap.ActiveMeters))

	app.startBackgroundServices()
	app.startServers()
	runtimeErr := waitForShutdown(app.fatalCh)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime error: %w", runtimeErr)
	}
	return nil
}

func newGridwatchApp(envCfg *config.EnvConfig, st *store.Store) (*gridwatchApp, error) {
	app := &gridwatchApp{
		envCfg:   envCfg,
		store:    st,
		cache:    cache.New(),
		breakers: faults.NewBreakerSet(3, time.Second),
		stats:    faults.NewStats(),
		fatalCh:  make(chan error, 1),
	}

	remote, err := pullsync.ConnectPostgres(context.Background(), envCfg.RemoteDSN())
	if err != nil {
		return nil, fmt.Errorf("connect remote config database: %w", err)
	}
	app.remote = remote
	log.Printf("Connected to remote config database %s:%d/%s",
		envCfg.RemoteDBHost, envCfg.RemoteDBPort, envCfg.RemoteDBName)

	app.connPool = pool.New(pool.Options{})

	var modbusOverride []transport.Point
	if envCfg.ModbusMapFile != "" {
		modbusOverride, err = transport.LoadModbusMap(envCfg.ModbusMapFile)
		if err != nil {
			remote.Close()
			return nil, fmt.Errorf("load modbus map: %w", err)
		}
		log.Printf("Modbus register map loaded from %s (%d points)",
			envCfg.ModbusMapFile, len(modbusOverride))
	}

	app.collector = collector.New(collector.Options{
		Store:            st,
		Cache:            app.cache,
		Pool:             app.connPool,
		Breakers:         app.breakers,
		Stats:            app.stats,
		TransportTimeout: envCfg.DeviceReadTimeout,
		ModbusOverride:   modbusOverride,
		BACnetBind:       envCfg.BACnetInterface,
		BACnetPort:       envCfg.BACnetPort,
	})

	app.uploader, err = pushsync.New(pushsync.Options{
		Store:      st,
		Cache:      app.cache,
		Stats:      app.stats,
		BaseURL:    envCfg.ClientAPIURL,
		APIKey:     envCfg.ClientAPIKey,
		HTTPClient: &http.Client{Timeout: envCfg.APITimeout},
		BatchSize:  envCfg.BatchSize,
		MaxRetries: envCfg.MaxRetries,
	})
	if err != nil {
		remote.Close()
		return nil, fmt.Errorf("build uploader: %w", err)
	}

	app.pullSync = pullsync.New(pullsync.Options{
		Store:  st,
		Cache:  app.cache,
		Remote: remote,
		Stats:  app.stats,
	})

	app.cleanup = cleanup.New(cleanup.Options{
		Store:                st,
		ReadingRetentionDays: envCfg.ReadingRetentionDays,
		LogRetentionDays:     envCfg.LogRetentionDays,
	})

	app.scheduler, err = sched.New(sched.Options{
		Collect:            app.pipelineJob(func(ctx context.Context) error { _, err := app.collector.Collect(ctx); return err }, collector.ErrCycleRunning),
		Upload:             app.pipelineJob(func(ctx context.Context) error { _, err := app.uploader.Upload(ctx); return err }, pushsync.ErrUploadRunning),
		PullSync:           app.pipelineJob(func(ctx context.Context) error { _, err := app.pullSync.Sync(ctx); return err }, pullsync.ErrSyncRunning),
		Cleanup:            app.pipelineJob(func(ctx context.Context) error { _, err := app.cleanup.Run(ctx); return err }, cleanup.ErrRunInProgress),
		CollectionInterval: envCfg.CollectionInterval,
		PullSyncInterval:   envCfg.PullSyncInterval,
		UploadSchedule:     envCfg.UploadCron,
		CleanupSchedule:    envCfg.CleanupCron,
		CollectAutoStart:   envCfg.CollectorAutoStart,
		UploadAutoStart:    envCfg.UploadAutoStart,
		PullSyncAutoStart:  envCfg.PullSyncAutoStart,
		CleanupAutoStart:   envCfg.CleanupAutoStart,
	})
	if err != nil {
		remote.Close()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	app.apiSrv = api.NewServer(envCfg.ControlAPIPort, api.Deps{
		Store:     st,
		Cache:     app.cache,
		Pool:      app.connPool,
		Breakers:  app.breakers,
		Stats:     app.stats,
		Collector: app.collector,
		Uploader:  app.uploader,
		PullSync:  app.pullSync,
		Cleanup:   app.cleanup,
	})
	return app, nil
}

// pipelineJob adapts a pipeline for the scheduler: the in-progress sentinel
// becomes a quiet no-op (an overlapping timer tick is not a failure), and
// every outcome feeds the local-store failure guard.
func (a *gridwatchApp) pipelineJob(job sched.Job, busy error) sched.Job {
	return func(ctx context.Context) error {
		err := job(ctx)
		if errors.Is(err, busy) {
			return nil
		}
		a.observeStoreHealth(err)
		return err
	}
}

// observeStoreHealth aborts the process after maxStoreFailures consecutive
// local-store failures across pipelines. Readings we cannot persist are lost,
// and restarting is cheaper than dropping data.
func (a *gridwatchApp) observeStoreHealth(err error) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()
	if err != nil && faults.KindOf(err) == faults.KindLocalStoreFailure {
		a.storeFailures++
		if a.storeFailures >= maxStoreFailures {
			select {
			case a.fatalCh <- fmt.Errorf("local store failed %d consecutive times: %w", a.storeFailures, err):
			default:
			}
		}
		return
	}
	a.storeFailures = 0
}

func (a *gridwatchApp) startBackgroundServices() {
	a.connPool.Start()
	log.Println("Connection pool health loop started")

	a.scheduler.Start()
	log.Println("Scheduler started")
}

func (a *gridwatchApp) startServers() {
	go func() {
		log.Printf("Control API listening on http://127.0.0.1:%d", a.envCfg.ControlAPIPort)
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case a.fatalCh <- fmt.Errorf("control api: %w", err):
			default:
			}
		}
	}()
}

func waitForShutdown(fatalCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-fatalCh:
		log.Printf("Received fatal runtime error (%v), shutting down...", err)
		return err
	}
}

// shutdown stops in reverse startup order: no new triggers, then no new
// timer runs (cancelling anything in flight), then device connections,
// then the databases.
func (a *gridwatchApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("Control API shutdown error: %v", err)
	}
	log.Println("Control API stopped")

	a.scheduler.Stop()
	log.Println("Scheduler stopped")

	a.connPool.CloseAll()
	log.Println("Connection pool closed")

	a.remote.Close()
	log.Println("Remote config database connection closed")

	if err := a.store.Close(); err != nil {
		log.Printf("Local store close error: %v", err)
	}
	log.Println("Local store closed")
}
