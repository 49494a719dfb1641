// Package enginetime tracks the boots and time last reported by remote SNMP engines.
package enginetime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// MaxValue is the upper bound for both snmpEngineBoots and snmpEngineTime.
const MaxValue = v3.MaxBoots

// ErrUnknownEngine is returned by Get and Lookup for an engine ID with no record.
var ErrUnknownEngine = errors.New("unknown engine ID")

// Timing is one registry answer.
type Timing struct {
	Boots uint32
	// Time is the stored engine time projected forward to now.
	Time uint32
	// LatestReceivedTime is the engine time as it was last stored, without projection.
	LatestReceivedTime uint32
}

type record struct {
	boots         uint32
	engineTime    uint32
	received      time.Time
	authenticated bool
}

// Registry maps engine IDs to their last believed boots/time. It is safe for concurrent
// use: lookups share a read lock, Set and Free take the write lock.
type Registry struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[string]*record
}

// NewRegistry creates an empty registry. A nil clock uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{now: now, records: make(map[string]*record)}
}

// Get returns the projected boots/time for engineID. An empty engine ID is always known
// and always (0, 0). With requireAuthenticated, a record that was only ever set from
// unauthenticated traffic also answers (0, 0).
func (r *Registry) Get(engineID []byte, requireAuthenticated bool) (boots, engineTime uint32, err error) {
	t, err := r.Lookup(engineID, requireAuthenticated)
	return t.Boots, t.Time, err
}

// Lookup is Get with the unprojected stored time included.
func (r *Registry) Lookup(engineID []byte, requireAuthenticated bool) (Timing, error) {
	if len(engineID) == 0 {
		return Timing{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[string(engineID)]
	if !ok {
		return Timing{}, fmt.Errorf("%w: %x", ErrUnknownEngine, engineID)
	}
	if requireAuthenticated && !rec.authenticated {
		return Timing{}, nil
	}
	boots, projected := project(rec.boots, rec.engineTime, r.now().Sub(rec.received))
	return Timing{Boots: boots, Time: projected, LatestReceivedTime: rec.engineTime}, nil
}

// project advances engineTime by elapsed. Overflowing the time range bumps boots once,
// saturating at MaxValue, and keeps the remainder as the new time.
func project(boots, engineTime uint32, elapsed time.Duration) (uint32, uint32) {
	secs := int64(elapsed / time.Second)
	if secs < 0 {
		secs = 0
	}
	t := int64(engineTime) + secs
	if t <= MaxValue {
		return boots, uint32(t)
	}
	if boots < MaxValue {
		boots++
	}
	return boots, uint32((t - MaxValue - 1) % (MaxValue + 1))
}

// Set records boots/time for engineID as of now. An authenticated record is never
// overwritten by an unauthenticated update. Setting an empty engine ID is a no-op.
func (r *Registry) Set(engineID []byte, boots, engineTime uint32, authenticated bool) error {
	if len(engineID) == 0 {
		return nil
	}
	if boots > MaxValue || engineTime > MaxValue {
		return fmt.Errorf("boots/time %d/%d out of range", boots, engineTime)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(engineID)
	rec, ok := r.records[key]
	if !ok {
		rec = &record{}
		r.records[key] = rec
	} else if rec.authenticated && !authenticated {
		return nil
	}
	rec.boots = boots
	rec.engineTime = engineTime
	rec.received = r.now()
	rec.authenticated = rec.authenticated || authenticated
	return nil
}

// Known reports whether engineID has a record. The empty ID is always known.
func (r *Registry) Known(engineID []byte) bool {
	if len(engineID) == 0 {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[string(engineID)]
	return ok
}

// Authenticated reports whether the record for engineID came from authenticated traffic.
func (r *Registry) Authenticated(engineID []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[string(engineID)]
	return ok && rec.authenticated
}

// Free drops the record for one engine.
func (r *Registry) Free(engineID []byte) {
	r.mu.Lock()
	delete(r.records, string(engineID))
	r.mu.Unlock()
}

// Clear drops every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.records = make(map[string]*record)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
