package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gridwatch/gridwatch/internal/buildinfo"
	"github.com/gridwatch/gridwatch/internal/cleanup"
	"github.com/gridwatch/gridwatch/internal/collector"
	"github.com/gridwatch/gridwatch/internal/faults"
	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/pullsync"
	"github.com/gridwatch/gridwatch/internal/pushsync"
)

// HandleHealthz reports process liveness.
func HandleHealthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": buildinfo.Version})
	})
}

type statusResponse struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`

	Readings struct {
		Unsynchronized int `json:"unsynchronized"`
		Quarantined    int `json:"quarantined"`
		Total          int `json:"total"`
	} `json:"readings"`

	Meters struct {
		Known  int `json:"known"`
		Active int `json:"active"`
	} `json:"meters"`

	Tenant string `json:"tenant,omitempty"`

	Pool     any                    `json:"pool"`
	Breakers []faults.BreakerStatus `json:"breakers"`
	Errors   faults.Snapshot        `json:"errors"`

	LastCollect  collector.CycleResult `json:"last_collect"`
	LastUpload   pushsync.Result       `json:"last_upload"`
	LastPullSync pullsync.Result       `json:"last_pull_sync"`

	SyncLog24h any `json:"sync_log_24h"`
}

// HandleStatus aggregates queue depth, meter/breaker state, error totals,
// and the last result of every pipeline.
func (s *Server) HandleStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp statusResponse
		resp.Version = buildinfo.Version
		resp.StartedAt = s.startedAt
		resp.Uptime = time.Since(s.startedAt).Round(time.Second).String()

		unsynced, quarantined, total, err := s.deps.Store.CountReadings()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		resp.Readings.Unsynchronized = unsynced
		resp.Readings.Quarantined = quarantined
		resp.Readings.Total = total

		snap := s.deps.Cache.Snapshot()
		resp.Meters.Known = len(snap.Meters)
		resp.Meters.Active = len(snap.ActiveMeters)
		if snap.Tenant != nil {
			resp.Tenant = snap.Tenant.ID
		}

		resp.Pool = s.deps.Pool.Stats()
		resp.Breakers = s.deps.Breakers.Statuses()
		resp.Errors = s.deps.Stats.Snapshot()
		resp.LastCollect = s.deps.Collector.Last()
		resp.LastUpload = s.deps.Uploader.Last()
		resp.LastPullSync = s.deps.PullSync.Last()

		if stats, err := s.deps.Store.SyncLogStatsSince(24); err == nil {
			resp.SyncLog24h = stats
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

// HandleTriggerCollect runs one collection cycle synchronously.
func (s *Server) HandleTriggerCollect() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.Collector.Collect(r.Context())
		if errors.Is(err, collector.ErrCycleRunning) {
			WriteError(w, http.StatusConflict, "already_running", err.Error())
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "collect_failed", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, res)
	})
}

// HandleTriggerUpload runs one upload cycle. A trigger while an upload is in
// flight is a no-op that returns the in-progress status.
func (s *Server) HandleTriggerUpload() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.Uploader.Upload(r.Context())
		if errors.Is(err, pushsync.ErrUploadRunning) {
			WriteJSON(w, http.StatusAccepted, map[string]any{"running": true, "last": res})
			return
		}
		if err != nil {
			WriteError(w, http.StatusBadGateway, "upload_failed", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, res)
	})
}

// HandleTriggerPullSync runs one pull-sync cycle synchronously.
func (s *Server) HandleTriggerPullSync() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.PullSync.Sync(r.Context())
		if errors.Is(err, pullsync.ErrSyncRunning) {
			WriteError(w, http.StatusConflict, "already_running", err.Error())
			return
		}
		if err != nil {
			WriteError(w, http.StatusBadGateway, "pull_sync_failed", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, res)
	})
}

// HandleTriggerCleanup runs one retention sweep synchronously.
func (s *Server) HandleTriggerCleanup() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.Cleanup.Run(r.Context())
		if errors.Is(err, cleanup.ErrRunInProgress) {
			WriteError(w, http.StatusConflict, "already_running", err.Error())
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "cleanup_failed", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, res)
	})
}

// HandleListReadings returns recent readings, optionally filtered to one
// meter via ?meter_id=.
func (s *Server) HandleListReadings() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meterID := r.URL.Query().Get("meter_id")
		hours := queryInt(r, "hours", 24)
		limit := queryInt(r, "limit", 100)
		if hours <= 0 || limit <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid_parameter", "hours and limit must be positive")
			return
		}

		readings, err := s.deps.Store.ListRecentReadings(meterID, hours, limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		if readings == nil {
			readings = []model.Reading{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"readings": readings, "count": len(readings)})
	})
}

type meterSummary struct {
	model.Meter
	BreakerState faults.BreakerState `json:"breaker_state"`
	Collectable  bool                `json:"collectable"`
}

// HandleListMeters summarizes every cached meter.
func (s *Server) HandleListMeters() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := s.deps.Cache.Snapshot()
		active := make(map[string]bool, len(snap.ActiveMeters))
		for _, m := range snap.ActiveMeters {
			active[m.ID] = true
		}
		out := make([]meterSummary, 0, len(snap.Meters))
		for _, m := range snap.Meters {
			out = append(out, meterSummary{
				Meter:        m,
				BreakerState: s.deps.Breakers.State(m.DeviceID),
				Collectable:  active[m.ID],
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"meters": out, "count": len(out)})
	})
}

// HandleGetMeter summarizes one meter.
func (s *Server) HandleGetMeter() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		snap := s.deps.Cache.Snapshot()
		m, ok := snap.Meters[id]
		if !ok {
			WriteError(w, http.StatusNotFound, "not_found", "unknown meter "+id)
			return
		}
		collectable := false
		for _, am := range snap.ActiveMeters {
			if am.ID == id {
				collectable = true
				break
			}
		}
		WriteJSON(w, http.StatusOK, meterSummary{
			Meter:        m,
			BreakerState: s.deps.Breakers.State(m.DeviceID),
			Collectable:  collectable,
		})
	})
}

// HandleBreakerReset manually closes a device's circuit breaker.
func (s *Server) HandleBreakerReset() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.deps.Breakers.Reset(id)
		WriteJSON(w, http.StatusOK, map[string]any{
			"device_id": id,
			"state":     s.deps.Breakers.State(id),
		})
	})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
