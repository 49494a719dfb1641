package usm

import (
	"bytes"
	"time"

	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// LocalEngine is this process's own SNMP engine identity.
type LocalEngine struct {
	ID      []byte
	Boots   uint32
	started time.Time
	now     func() time.Time
}

// NewLocalEngine starts the engine clock now. A nil clock uses time.Now.
func NewLocalEngine(id []byte, boots uint32, now func() time.Time) *LocalEngine {
	if now == nil {
		now = time.Now
	}
	return &LocalEngine{ID: append([]byte(nil), id...), Boots: boots, started: now(), now: now}
}

// Time is snmpEngineTime: whole seconds since start, capped at the protocol maximum.
func (e *LocalEngine) Time() uint32 {
	secs := int64(e.now().Sub(e.started) / time.Second)
	switch {
	case secs < 0:
		return 0
	case secs > v3.MaxBoots:
		return v3.MaxBoots
	default:
		return uint32(secs)
	}
}

// IsLocal reports whether id is this engine's ID.
func (e *LocalEngine) IsLocal(id []byte) bool {
	return e != nil && len(id) > 0 && bytes.Equal(e.ID, id)
}
