package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gridwatch/gridwatch/internal/cache"
	"github.com/gridwatch/gridwatch/internal/cleanup"
	"github.com/gridwatch/gridwatch/internal/collector"
	"github.com/gridwatch/gridwatch/internal/faults"
	"github.com/gridwatch/gridwatch/internal/pool"
	"github.com/gridwatch/gridwatch/internal/pullsync"
	"github.com/gridwatch/gridwatch/internal/pushsync"
	"github.com/gridwatch/gridwatch/internal/store"
)

// Deps is everything the control surface reaches into.
type Deps struct {
	Store     *store.Store
	Cache     *cache.Cache
	Pool      *pool.Pool
	Breakers  *faults.BreakerSet
	Stats     *faults.Stats
	Collector *collector.Collector
	Uploader  *pushsync.Uploader
	PullSync  *pullsync.Manager
	Cleanup   *cleanup.Agent
}

// Server wraps the loopback HTTP server and mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	deps       Deps
	startedAt  time.Time
}

// NewServer creates a control API server bound to loopback.
func NewServer(port int, deps Deps) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		deps:      deps,
		startedAt: time.Now().UTC(),
	}

	s.mux.Handle("GET /healthz", HandleHealthz())
	s.mux.Handle("GET /status", s.HandleStatus())

	s.mux.Handle("POST /triggers/collect", s.HandleTriggerCollect())
	s.mux.Handle("POST /triggers/upload", s.HandleTriggerUpload())
	s.mux.Handle("POST /triggers/pull-sync", s.HandleTriggerPullSync())
	s.mux.Handle("POST /triggers/cleanup", s.HandleTriggerCleanup())

	s.mux.Handle("GET /readings", s.HandleListReadings())
	s.mux.Handle("GET /meters", s.HandleListMeters())
	s.mux.Handle("GET /meters/{id}", s.HandleGetMeter())
	s.mux.Handle("POST /devices/{id}/breaker/reset", s.HandleBreakerReset())

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler: s.mux,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
