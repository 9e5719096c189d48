package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gridwatch/gridwatch/internal/cache"
	"github.com/gridwatch/gridwatch/internal/cleanup"
	"github.com/gridwatch/gridwatch/internal/collector"
	"github.com/gridwatch/gridwatch/internal/faults"
	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/pool"
	"github.com/gridwatch/gridwatch/internal/pullsync"
	"github.com/gridwatch/gridwatch/internal/pushsync"
	"github.com/gridwatch/gridwatch/internal/store"
	"github.com/gridwatch/gridwatch/internal/transport"
)

type stubRemote struct{}

func (stubRemote) Tenants(context.Context) ([]model.Tenant, error) {
	return []model.Tenant{{ID: "t1", Name: "Acme", APIKey: "k"}}, nil
}
func (stubRemote) Meters(context.Context) ([]model.Meter, error)       { return nil, nil }
func (stubRemote) Registers(context.Context) ([]model.Register, error) { return nil, nil }
func (stubRemote) DeviceRegisters(context.Context) ([]model.DeviceRegister, error) {
	return nil, nil
}
func (stubRemote) Close() {}

func newTestServer(t *testing.T) (*Server, *store.Store, *faults.BreakerSet) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/local.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	c := cache.New()
	breakers := faults.NewBreakerSet(3, time.Second)
	stats := faults.NewStats()

	p := pool.New(pool.Options{
		Dial: func(context.Context, transport.Config) (transport.Conn, error) {
			return nil, errors.New("no devices in test")
		},
		OnEvent: func(pool.Event) {},
	})
	t.Cleanup(p.CloseAll)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true,"recordsProcessed":0}`))
	}))
	t.Cleanup(remote.Close)

	uploader, err := pushsync.New(pushsync.Options{
		Store: s, Cache: c, Stats: stats, BaseURL: remote.URL, APIKey: "k",
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(3099, Deps{
		Store:     s,
		Cache:     c,
		Pool:      p,
		Breakers:  breakers,
		Stats:     stats,
		Collector: collector.New(collector.Options{Store: s, Cache: c, Pool: p, Breakers: breakers, Stats: stats}),
		Uploader:  uploader,
		PullSync:  pullsync.New(pullsync.Options{Store: s, Cache: c, Remote: stubRemote{}, Stats: stats}),
		Cleanup:   cleanup.New(cleanup.Options{Store: s}),
	})
	return srv, s, breakers
}

func do(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusAggregates(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ts := time.Now().UTC()
	if err := s.InsertReading(model.Reading{
		MeterID: "m1", Timestamp: ts, FieldName: "f", Value: 1, Unit: "kWh", CreatedAt: ts,
	}); err != nil {
		t.Fatal(err)
	}

	rec := do(t, srv, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	readings, ok := body["readings"].(map[string]any)
	if !ok || readings["unsynchronized"].(float64) != 1 {
		t.Fatalf("readings = %v", body["readings"])
	}
}

func TestTriggerCollectWithNoMeters(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/triggers/collect")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[collector.CycleResult](t, rec)
	if res.Meters != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestTriggerUploadAndPullSyncAndCleanup(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, target := range []string{"/triggers/upload", "/triggers/pull-sync", "/triggers/cleanup"} {
		rec := do(t, srv, http.MethodPost, target)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d: %s", target, rec.Code, rec.Body.String())
		}
	}
}

func TestReadingsWithoutMeterFilterReturnsAll(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ts := time.Now().UTC().Add(-time.Minute)
	for _, meterID := range []string{"m1", "m2"} {
		if err := s.InsertReading(model.Reading{
			MeterID: meterID, Timestamp: ts, FieldName: "energy_kwh", Value: 7, Unit: "kWh", CreatedAt: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec := do(t, srv, http.MethodGet, "/readings")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if body["count"].(float64) != 2 {
		t.Fatalf("body = %v", body)
	}

	rec = do(t, srv, http.MethodGet, "/readings?meter_id=m2")
	if body := decode[map[string]any](t, rec); body["count"].(float64) != 1 {
		t.Fatalf("filtered body = %v", body)
	}
}

func TestReadingsRejectsNonPositiveWindow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/readings?hours=0")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[ErrorResponse](t, rec)
	if body.Error != "invalid_parameter" {
		t.Fatalf("body = %+v", body)
	}
}

func TestReadingsReturnsRecentRows(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ts := time.Now().UTC().Add(-time.Minute)
	if err := s.InsertReading(model.Reading{
		MeterID: "m1", Timestamp: ts, FieldName: "energy_kwh", Value: 7, Unit: "kWh", CreatedAt: ts,
	}); err != nil {
		t.Fatal(err)
	}

	rec := do(t, srv, http.MethodGet, "/readings?meter_id=m1&hours=2&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if body["count"].(float64) != 1 {
		t.Fatalf("body = %v", body)
	}
}

func TestGetMeterNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/meters/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBreakerResetClosesOpenBreaker(t *testing.T) {
	srv, _, breakers := newTestServer(t)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("d42", errors.New("timeout"))
	}
	if breakers.State("d42") == faults.BreakerClosed {
		t.Fatal("breaker not open before reset")
	}

	rec := do(t, srv, http.MethodPost, "/devices/d42/breaker/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if breakers.State("d42") != faults.BreakerClosed {
		t.Fatalf("state = %v after reset", breakers.State("d42"))
	}
}
