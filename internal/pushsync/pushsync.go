// Package pushsync uploads locally queued readings to the remote ingest API
// with at-least-once delivery: rows are deleted only after the remote acks
// the batch, and the ingest endpoint is idempotent on (meter id, timestamp,
// field name), so re-uploads after ambiguous failures are safe.
package pushsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/gridwatch/gridwatch/internal/cache"
	"github.com/gridwatch/gridwatch/internal/faults"
	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/store"
)

const (
	DefaultBatchSize       = 1000
	DefaultMaxRetries      = 3
	DefaultAPITimeout      = 30 * time.Second
	DefaultConnectivityTTL = 60 * time.Second

	probeTimeout    = 2 * time.Second
	connectivityKey = "remote"
)

// ErrUploadRunning is returned when an upload is requested while one is
// already in flight.
var ErrUploadRunning = errors.New("upload already running")

// Options wires an Uploader.
type Options struct {
	Store *store.Store
	// Cache supplies the current tenant's API key; APIKey is the fallback
	// when no tenant has been pulled yet.
	Cache   *cache.Cache
	Stats   *faults.Stats
	BaseURL string
	APIKey  string
	// HTTPClient defaults to a client with the API timeout.
	HTTPClient      *http.Client
	BatchSize       int
	MaxRetries      int
	ConnectivityTTL time.Duration
}

// Result summarizes one upload cycle.
type Result struct {
	BatchID     string    `json:"batch_id,omitempty"`
	Offline     bool      `json:"offline,omitempty"`
	Fetched     int       `json:"fetched"`
	Uploaded    int       `json:"uploaded"`
	Deleted     int       `json:"deleted"`
	Quarantined int       `json:"quarantined"`
	Duration    string    `json:"duration"`
	StartedAt   time.Time `json:"started_at"`
}

// Uploader runs upload cycles. At most one upload is in flight; concurrent
// triggers are no-ops.
type Uploader struct {
	opts Options
	mu   sync.Mutex

	// connectivity caches the last remote probe outcome so back-to-back
	// cycles while offline do not hammer the network.
	connectivity otter.Cache[string, bool]

	lastMu sync.Mutex
	last   Result
}

// New builds an Uploader.
func New(opts Options) (*Uploader, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.ConnectivityTTL <= 0 {
		opts.ConnectivityTTL = DefaultConnectivityTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultAPITimeout}
	}

	connectivity, err := otter.MustBuilder[string, bool](16).
		WithTTL(opts.ConnectivityTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build connectivity cache: %w", err)
	}
	return &Uploader{opts: opts, connectivity: connectivity}, nil
}

// Last returns the most recent cycle result.
func (u *Uploader) Last() Result {
	u.lastMu.Lock()
	defer u.lastMu.Unlock()
	return u.last
}

type wireReading struct {
	MeterID   string  `json:"meter_id"`
	Timestamp string  `json:"timestamp"`
	FieldName string  `json:"field_name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Quality   string  `json:"quality"`
}

type batchRequest struct {
	Readings []wireReading `json:"readings"`
}

type batchResponse struct {
	Success          bool `json:"success"`
	RecordsProcessed int  `json:"recordsProcessed"`
}

// Upload runs one cycle: probe connectivity, fetch the oldest unsynchronized
// readings, POST them as one batch, and delete the rows the remote acked.
// The remote reports only an aggregate recordsProcessed, so a shortfall is
// treated as a whole-batch failure and ingest idempotency absorbs the
// overlap on the next attempt.
func (u *Uploader) Upload(ctx context.Context) (Result, error) {
	if !u.mu.TryLock() {
		return u.Last(), ErrUploadRunning
	}
	defer u.mu.Unlock()

	start := time.Now()
	res := Result{StartedAt: start.UTC()}
	defer func() {
		res.Duration = time.Since(start).String()
		u.setLast(res)
	}()

	if !u.connected(ctx) {
		res.Offline = true
		log.Printf("[pushsync] remote unreachable, readings accrue locally")
		return res, nil
	}

	batch, err := u.opts.Store.ListUnsynchronized(u.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("fetch batch: %w", err)
	}
	res.Fetched = len(batch)
	if len(batch) == 0 {
		return res, nil
	}

	res.BatchID = uuid.NewString()
	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}

	ack, err := u.postBatch(ctx, batch)
	if err != nil {
		if faults.KindOf(err) == faults.KindCancelled {
			// Shutdown mid-flight: record and leave every row untouched.
			u.appendLog(res.BatchID, 0, false, err)
			return res, err
		}
		res.Quarantined = u.failBatch(res.BatchID, ids, err)
		return res, err
	}

	if ack != len(batch) {
		err := faults.New(faults.KindRemoteUnavailable, "", "upload",
			fmt.Errorf("remote processed %d of %d records", ack, len(batch)))
		res.Quarantined = u.failBatch(res.BatchID, ids, err)
		return res, err
	}
	res.Uploaded = len(batch)

	deleted, err := u.opts.Store.DeleteIDs(ids)
	if err != nil {
		// The remote has these rows; stop them from re-uploading even though
		// the delete failed. Cleanup reaps them later.
		log.Printf("[pushsync] delete after ack failed, marking synchronized: %v", err)
		if markErr := u.opts.Store.MarkSynchronized(ids); markErr != nil {
			log.Printf("[pushsync] mark synchronized failed, rows stay eligible for idempotent re-upload: %v", markErr)
		}
	}
	res.Deleted = deleted

	u.appendLog(res.BatchID, len(batch), true, nil)
	log.Printf("[pushsync] uploaded %d readings (batch %s)", len(batch), res.BatchID)
	return res, nil
}

func (u *Uploader) setLast(res Result) {
	u.lastMu.Lock()
	u.last = res
	u.lastMu.Unlock()
}

// postBatch POSTs one batch and returns the remote's recordsProcessed.
func (u *Uploader) postBatch(ctx context.Context, batch []model.Reading) (int, error) {
	body := batchRequest{Readings: make([]wireReading, 0, len(batch))}
	for _, r := range batch {
		body.Readings = append(body.Readings, wireReading{
			MeterID:   r.MeterID,
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			FieldName: r.FieldName,
			Value:     r.Value,
			Unit:      r.Unit,
			Quality:   string(r.Quality),
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.opts.BaseURL+"/api/readings/batch", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", u.apiKey())

	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, faults.New(faults.KindCancelled, "", "upload", ctx.Err())
		}
		return 0, faults.New(faults.KindRemoteUnavailable, "", "upload", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return 0, faults.New(faults.KindRemoteUnavailable, "", "upload",
			fmt.Errorf("remote returned %s", resp.Status))
	case resp.StatusCode >= 400:
		// Client errors will not heal by retrying the same payload.
		return 0, faults.New(faults.KindProtocolError, "", "upload",
			fmt.Errorf("remote rejected batch: %s", resp.Status))
	}

	var out batchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return 0, faults.New(faults.KindProtocolError, "", "upload",
			fmt.Errorf("decode response: %w", err))
	}
	if !out.Success {
		return 0, faults.New(faults.KindRemoteUnavailable, "", "upload",
			errors.New("remote reported success=false"))
	}
	return out.RecordsProcessed, nil
}

// failBatch records a failed cycle: retry counts go up, readings past the
// retry limit are quarantined, and a failure row lands in the sync log.
func (u *Uploader) failBatch(batchID string, ids []int64, cause error) int {
	u.opts.Stats.Record("", "upload", cause)
	if err := u.opts.Store.IncrementRetry(ids); err != nil {
		log.Printf("[pushsync] increment retry: %v", err)
	}
	quarantined, err := u.opts.Store.QuarantineExceeding(u.opts.MaxRetries)
	if err != nil {
		log.Printf("[pushsync] quarantine: %v", err)
	}
	if quarantined > 0 {
		log.Printf("[pushsync] quarantined %d readings after %d retries", quarantined, u.opts.MaxRetries)
	}
	u.appendLog(batchID, 0, false, cause)
	return quarantined
}

func (u *Uploader) appendLog(batchID string, count int, success bool, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := u.opts.Store.AppendSyncLog(batchID, model.SyncOpUpload, count, success, msg); err != nil {
		log.Printf("[pushsync] append sync log: %v", err)
	}
}

func (u *Uploader) apiKey() string {
	if u.opts.Cache != nil {
		if t := u.opts.Cache.Snapshot().Tenant; t != nil && t.APIKey != "" {
			return t.APIKey
		}
	}
	return u.opts.APIKey
}

// connected probes the remote API, caching the outcome for the connectivity
// TTL. Any HTTP response proves reachability; only transport failures count
// as offline.
func (u *Uploader) connected(ctx context.Context) bool {
	if reachable, ok := u.connectivity.Get(connectivityKey); ok {
		return reachable
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, u.opts.BaseURL+"/api/readings/batch", nil)
	if err != nil {
		return false
	}
	resp, err := u.opts.HTTPClient.Do(req)
	reachable := err == nil
	if err == nil {
		resp.Body.Close()
	}
	if ctx.Err() != nil {
		// Do not cache an outcome produced by our own shutdown.
		return false
	}
	u.connectivity.Set(connectivityKey, reachable)
	return reachable
}
