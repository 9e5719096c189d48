// Package collector polls active meters over their device transports and
// writes normalized readings into the local store.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/gridwatch/gridwatch/internal/cache"
	"github.com/gridwatch/gridwatch/internal/faults"
	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/pool"
	"github.com/gridwatch/gridwatch/internal/store"
	"github.com/gridwatch/gridwatch/internal/transport"
)

const (
	defaultTransportTimeout = 5 * time.Second
	defaultUnitID           = 1
	defaultBACnetPort       = 47808
	maxGroupWords           = 125
)

// ErrCycleRunning is returned when a collection cycle is requested while the
// previous one is still in flight.
var ErrCycleRunning = errors.New("collection cycle already running")

// Options wires a Collector.
type Options struct {
	Store    *store.Store
	Cache    *cache.Cache
	Pool     *pool.Pool
	Breakers *faults.BreakerSet
	Stats    *faults.Stats
	Retry    faults.RetryPolicy
	// TransportTimeout bounds each device read. Defaults to 5s.
	TransportTimeout time.Duration
	// ModbusOverride replaces the pulled register map for every Modbus
	// meter; loaded from the register-map file when configured.
	ModbusOverride []transport.Point
	// BACnetBind pins BACnet UDP sockets to one local interface.
	BACnetBind string
	// BACnetPort is the port for BACnet meters pulled without one.
	// Defaults to 47808.
	BACnetPort int
}

// CycleResult summarizes one collection cycle.
type CycleResult struct {
	Meters    int       `json:"meters"`
	Succeeded int       `json:"succeeded"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Readings  int       `json:"readings"`
	Duration  string    `json:"duration"`
	StartedAt time.Time `json:"started_at"`
}

// Collector runs collection cycles. Cycles never overlap themselves.
type Collector struct {
	opts Options

	mu sync.Mutex // held for the duration of a cycle

	// warned tracks meters already logged as skipped for a config problem,
	// so every tick does not repeat the message.
	warned *xsync.Map[string, struct{}]

	lastMu sync.Mutex
	last   CycleResult
}

// New builds a Collector.
func New(opts Options) *Collector {
	if opts.TransportTimeout <= 0 {
		opts.TransportTimeout = defaultTransportTimeout
	}
	if opts.Retry == (faults.RetryPolicy{}) {
		opts.Retry = faults.DefaultRetryPolicy()
	}
	if opts.BACnetPort <= 0 {
		opts.BACnetPort = defaultBACnetPort
	}
	return &Collector{opts: opts, warned: xsync.NewMap[string, struct{}]()}
}

// Last returns the most recent cycle result.
func (c *Collector) Last() CycleResult {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.last
}

// Collect runs one cycle over all active meters. A concurrent call returns
// ErrCycleRunning without collecting.
func (c *Collector) Collect(ctx context.Context) (CycleResult, error) {
	if !c.mu.TryLock() {
		return CycleResult{}, ErrCycleRunning
	}
	defer c.mu.Unlock()

	start := time.Now()
	res := CycleResult{StartedAt: start.UTC()}
	snap := c.opts.Cache.Snapshot()
	res.Meters = len(snap.ActiveMeters)

	for _, m := range snap.ActiveMeters {
		if ctx.Err() != nil {
			res.Duration = time.Since(start).String()
			c.setLast(res)
			return res, ctx.Err()
		}
		n, err := c.collectMeter(ctx, snap, m)
		switch {
		case errors.Is(err, errSkipped):
			res.Skipped++
		case err != nil:
			res.Failed++
		default:
			res.Succeeded++
			res.Readings += n
		}
	}

	res.Duration = time.Since(start).String()
	c.setLast(res)
	return res, nil
}

func (c *Collector) setLast(res CycleResult) {
	c.lastMu.Lock()
	c.last = res
	c.lastMu.Unlock()
}

// errSkipped marks meters skipped for config or breaker reasons, as opposed
// to read failures.
var errSkipped = errors.New("meter skipped")

func (c *Collector) collectMeter(ctx context.Context, snap *cache.Snapshot, m model.Meter) (int, error) {
	deviceID := m.DeviceID
	if deviceID == "" {
		c.warnOnce(m.ID, "meter %s has no device id, skipping", m.ID)
		return 0, errSkipped
	}
	if !c.opts.Breakers.Allow(deviceID) {
		return 0, errSkipped
	}

	points, err := c.meterPoints(snap, m)
	if err != nil {
		// Config problem, not a device failure: no breaker bookkeeping.
		c.warnOnce(m.ID, "meter %s: %v, skipping", m.ID, err)
		return 0, errSkipped
	}
	c.warned.Delete(m.ID)

	cfg := transport.Config{
		Protocol: m.Protocol,
		Host:     m.IP,
		Port:     m.Port,
		UnitID:   defaultUnitID,
		Timeout:  c.opts.TransportTimeout,
	}
	if m.Protocol == model.ProtocolBACnet {
		cfg.BindAddr = c.opts.BACnetBind
		if cfg.Port == 0 {
			cfg.Port = c.opts.BACnetPort
		}
	}

	lease, err := c.opts.Pool.Acquire(ctx, cfg)
	if err != nil {
		c.opts.Stats.Record(deviceID, "acquire", err)
		c.opts.Breakers.RecordFailure(deviceID, err)
		return 0, err
	}

	var values []transport.PointValue
	readErr := faults.Retry(ctx, c.opts.Retry, deviceID, "read", func(ctx context.Context) error {
		var err error
		values, err = readPlan(ctx, lease.Conn(), m.Protocol, points)
		return err
	})
	if readErr != nil {
		c.opts.Stats.Record(deviceID, "read", readErr)
		c.opts.Breakers.RecordFailure(deviceID, readErr)
		if kind := faults.KindOf(readErr); kind == faults.KindConnectionFailed || kind == faults.KindTimeout {
			c.opts.Pool.Discard(lease, readErr)
		} else {
			c.opts.Pool.Release(lease)
		}
		return 0, readErr
	}
	c.opts.Pool.Release(lease)
	c.opts.Breakers.RecordSuccess(deviceID)

	now := time.Now().UTC()
	readings := make([]model.Reading, 0, len(values))
	for _, v := range values {
		readings = append(readings, model.Reading{
			MeterID:   m.ID,
			Timestamp: now,
			FieldName: v.Name,
			Value:     v.Value,
			Unit:      v.Unit,
			Quality:   model.QualityGood,
			CreatedAt: now,
		})
	}
	inserted, err := c.opts.Store.InsertReadingBatch(readings)
	if err != nil {
		c.opts.Stats.Record(deviceID, "insert", err)
		return 0, fmt.Errorf("meter %s: store readings: %w", m.ID, err)
	}
	if err := c.opts.Store.TouchLastReading(m.ID, now); err != nil {
		log.Printf("[collector] meter %s: touch last reading: %v", m.ID, err)
	}
	return inserted, nil
}

func (c *Collector) warnOnce(meterID, format string, args ...any) {
	if _, already := c.warned.LoadOrStore(meterID, struct{}{}); !already {
		log.Printf("[collector] "+format, args...)
	}
}

// meterPoints resolves a meter's registers into element-adjusted read points.
// A configured Modbus override wins over the pulled register map.
func (c *Collector) meterPoints(snap *cache.Snapshot, m model.Meter) ([]transport.Point, error) {
	if m.Protocol == model.ProtocolModbus && len(c.opts.ModbusOverride) > 0 {
		return c.opts.ModbusOverride, nil
	}

	pos, err := model.ElementPosition(m.Element)
	if err != nil {
		return nil, err
	}
	regs, err := snap.MeterRegisters(m)
	if err != nil {
		return nil, err
	}
	if len(regs) == 0 {
		return nil, fmt.Errorf("meter %s: empty register set", m.ID)
	}

	points := make([]transport.Point, 0, len(regs))
	for _, r := range regs {
		name := r.FieldName
		if name == "" {
			name = r.Name
		}
		points = append(points, transport.Point{
			Name:      name,
			Kind:      transport.KindHolding,
			Address:   uint32(model.EffectiveRegister(pos, r.BaseNumber)),
			Type:      transport.TypeFloat32,
			WordOrder: transport.WordHiLo,
			ByteOrder: transport.ByteBE,
			Unit:      r.Unit,
		})
	}
	return points, nil
}

// readPlan executes the batched read plan. Modbus points with contiguous
// addresses collapse into one span read; everything else goes through
// ReadMultiple point by point.
func readPlan(ctx context.Context, conn transport.Conn, protocol model.Protocol, points []transport.Point) ([]transport.PointValue, error) {
	if protocol != model.ProtocolModbus {
		return conn.ReadMultiple(ctx, points)
	}

	values := make([]transport.PointValue, 0, len(points))
	for _, group := range groupContiguous(points) {
		if len(group) == 1 {
			vs, err := conn.ReadMultiple(ctx, group)
			if err != nil {
				return values, err
			}
			values = append(values, vs...)
			continue
		}

		start := group[0].Address
		var span uint16
		for _, p := range group {
			span += p.Type.WordCount()
		}
		words, err := conn.Read(ctx, group[0].Kind, start, span)
		if err != nil {
			return values, err
		}
		for _, p := range group {
			off := p.Address - start
			v, err := transport.Decode(p, words[off:])
			if err != nil {
				return values, err
			}
			values = append(values, transport.PointValue{Name: p.Name, Value: v, Unit: p.Unit})
		}
	}
	return values, nil
}

// groupContiguous sorts points by (kind, address) and buckets runs of
// adjacent registers, capped at the Modbus read quantity limit.
func groupContiguous(points []transport.Point) [][]transport.Point {
	sorted := make([]transport.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind < sorted[j].Kind
		}
		return sorted[i].Address < sorted[j].Address
	})

	var groups [][]transport.Point
	var cur []transport.Point
	var next uint32
	var words uint16
	for _, p := range sorted {
		wc := p.Type.WordCount()
		if len(cur) > 0 && p.Kind == cur[0].Kind && p.Address == next && words+wc <= maxGroupWords {
			cur = append(cur, p)
			next += uint32(wc)
			words += wc
			continue
		}
		if len(cur) > 0 {
			groups = append(groups, cur)
		}
		cur = []transport.Point{p}
		next = p.Address + uint32(wc)
		words = wc
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}
