// Package cache holds read-mostly snapshots of the pulled configuration:
// tenant, meters, registers, and the device-register join. Collection reads
// the current snapshot lock-free; pull-sync swaps in a fresh one after every
// successful refresh.
package cache

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/gridwatch/gridwatch/internal/model"
	"github.com/gridwatch/gridwatch/internal/store"
)

// Snapshot is an immutable view of the configuration tables. Never mutate a
// snapshot after publishing it.
type Snapshot struct {
	Tenant        *model.Tenant
	Meters        map[string]model.Meter
	ActiveMeters  []model.Meter
	RegistersByID map[string]model.Register
	// RegistersByDevice resolves the device-register join.
	RegistersByDevice map[string][]model.Register
}

// MeterRegisters resolves a meter's register-map snapshot. Every mapped id
// must exist in the register table and be joined to the meter's device
// through a device-register row. Meters that fail this at reload time are
// excluded from ActiveMeters, so collection normally never sees an error
// here.
func (s *Snapshot) MeterRegisters(m model.Meter) ([]model.Register, error) {
	ids, err := m.RegisterIDs()
	if err != nil {
		return nil, err
	}
	joined := s.RegistersByDevice[m.DeviceID]
	byID := make(map[string]model.Register, len(joined))
	for _, r := range joined {
		byID[r.ID] = r
	}
	regs := make([]model.Register, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			if _, known := s.RegistersByID[id]; !known {
				return nil, fmt.Errorf("meter %s: register %s not in register table", m.ID, id)
			}
			return nil, fmt.Errorf("meter %s: register %s not joined to device %s", m.ID, id, m.DeviceID)
		}
		regs = append(regs, r)
	}
	return regs, nil
}

// Cache publishes snapshots with an atomic pointer swap.
type Cache struct {
	snap atomic.Pointer[Snapshot]
	// warned remembers meters already reported for a broken register map,
	// so every reload does not repeat the same warning.
	warned *xsync.Map[string, struct{}]
}

// New returns a cache holding an empty snapshot.
func New() *Cache {
	c := &Cache{warned: xsync.NewMap[string, struct{}]()}
	c.snap.Store(emptySnapshot())
	return c
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Meters:            map[string]model.Meter{},
		RegistersByID:     map[string]model.Register{},
		RegistersByDevice: map[string][]model.Register{},
	}
}

// Snapshot returns the current published view.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// ReloadAll rebuilds the snapshot from the local store and publishes it.
// Meters whose register maps do not parse, reference registers missing from
// the register table, or reference registers not joined to their device stay
// visible in Meters but are dropped from ActiveMeters.
func (c *Cache) ReloadAll(s *store.Store) error {
	tenants, err := s.ListTenants()
	if err != nil {
		return fmt.Errorf("reload tenants: %w", err)
	}
	meters, err := s.ListMeters()
	if err != nil {
		return fmt.Errorf("reload meters: %w", err)
	}
	registers, err := s.ListRegisters()
	if err != nil {
		return fmt.Errorf("reload registers: %w", err)
	}
	deviceRegs, err := s.ListDeviceRegisters()
	if err != nil {
		return fmt.Errorf("reload device registers: %w", err)
	}

	next := emptySnapshot()
	if len(tenants) > 0 {
		t := tenants[0]
		next.Tenant = &t
		if len(tenants) > 1 {
			log.Printf("[cache] %d tenants in local store, using %s", len(tenants), t.ID)
		}
	}

	for _, r := range registers {
		next.RegistersByID[r.ID] = r
	}
	for _, dr := range deviceRegs {
		r, ok := next.RegistersByID[dr.RegisterID]
		if !ok {
			log.Printf("[cache] device register %s references unknown register %s", dr.ID, dr.RegisterID)
			continue
		}
		next.RegistersByDevice[dr.DeviceID] = append(next.RegistersByDevice[dr.DeviceID], r)
	}

	for _, m := range meters {
		next.Meters[m.ID] = m
		if !m.Active {
			continue
		}
		if _, err := next.MeterRegisters(m); err != nil {
			if _, already := c.warned.LoadOrStore(m.ID, struct{}{}); !already {
				log.Printf("[cache] excluding meter %s from collection: %v", m.ID, err)
			}
			continue
		}
		c.warned.Delete(m.ID)
		next.ActiveMeters = append(next.ActiveMeters, m)
	}

	c.snap.Store(next)
	return nil
}
