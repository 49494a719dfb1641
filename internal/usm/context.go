// Package usm implements the SNMPv3 User-based Security Model message engine: securing
// outgoing messages, validating incoming ones and enforcing timeliness.
package usm

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/debashish-mukherjee/go-snmpusm/internal/enginetime"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// TimeWindow is the tolerated engine time difference in seconds.
const TimeWindow = 150

// Config wires a Context. Nil members get fresh defaults.
type Config struct {
	Local   *LocalEngine
	Users   *usmuser.Store
	Engines *enginetime.Registry
	Crypto  v3.Crypto
	Logger  *log.Logger
	Now     func() time.Time
}

// Context owns the state one USM instance works on. All methods are safe for
// concurrent use.
type Context struct {
	Local   *LocalEngine
	Users   *usmuser.Store
	Engines *enginetime.Registry
	Crypto  v3.Crypto
	Stats   *Stats

	logger *log.Logger
	now    func() time.Time

	// timeliness serializes the registry read-check-update sequence.
	timeliness sync.Mutex

	desSalt atomic.Uint32
	aesSalt atomic.Uint64
}

// New builds a Context and seeds the salt counters.
func New(cfg Config) *Context {
	c := &Context{
		Local:   cfg.Local,
		Users:   cfg.Users,
		Engines: cfg.Engines,
		Crypto:  cfg.Crypto,
		Stats:   &Stats{},
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.Users == nil {
		c.Users = usmuser.NewStore()
	}
	if c.Engines == nil {
		c.Engines = enginetime.NewRegistry(c.now)
	}
	if c.Crypto == nil {
		c.Crypto = v3.DefaultCrypto
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	c.seedSalts()
	return c
}

func (c *Context) seedSalts() {
	seed, err := c.Crypto.RandomBytes(12)
	if err != nil {
		c.logger.Printf("usm: random salt seed unavailable, using clock: %v", err)
		seed = make([]byte, 12)
		now := uint64(c.now().UnixNano())
		binary.BigEndian.PutUint64(seed[4:], now)
		binary.BigEndian.PutUint32(seed[:4], uint32(now>>17))
	}
	c.desSalt.Store(binary.BigEndian.Uint32(seed[:4]))
	c.aesSalt.Store(binary.BigEndian.Uint64(seed[4:]))
}

// Shutdown drops all users and engine records and scrubs user keys.
func (c *Context) Shutdown() {
	c.Users.Clear()
	c.Engines.Clear()
}

// localBootsTime returns the local engine's boots and time, or zeros without one.
func (c *Context) localBootsTime() (uint32, uint32) {
	if c.Local == nil {
		return 0, 0
	}
	return c.Local.Boots, c.Local.Time()
}

// engineKnown treats the empty ID and the local engine ID as always known.
func (c *Context) engineKnown(id []byte) bool {
	return len(id) == 0 || c.Local.IsLocal(id) || c.Engines.Known(id)
}

// engineBootsTime is the best available boots/time for a destination engine.
func (c *Context) engineBootsTime(id []byte) (uint32, uint32) {
	if c.Local.IsLocal(id) {
		return c.localBootsTime()
	}
	boots, t, err := c.Engines.Get(id, false)
	if err != nil {
		return 0, 0
	}
	return boots, t
}

func (c *Context) fail(kind StatKind, err error, format string, args ...interface{}) error {
	c.Stats.Inc(kind)
	return fmt.Errorf("%w: "+format, append([]interface{}{err}, args...)...)
}
