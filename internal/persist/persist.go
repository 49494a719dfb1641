// Package persist saves the non-volatile users on a cron schedule and at shutdown.
package persist

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Saver writes a user table to path and returns how many users it wrote.
type Saver interface {
	SaveFile(path string) (int, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule checks a five-field cron spec or a descriptor such as "@every 5m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(strings.TrimSpace(spec))
}

type Manager struct {
	saver Saver
	path  string
	cron  *cron.Cron

	// mu keeps a scheduled save and the final flush from overlapping.
	mu       sync.Mutex
	saves    atomic.Int64
	failures atomic.Int64
}

// NewManager returns nil when path is empty: there is nowhere to persist to.
func NewManager(saver Saver, path, schedule string) (*Manager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	m := &Manager{saver: saver, path: path, cron: cron.New(cron.WithParser(parser))}
	if _, err := m.cron.AddFunc(strings.TrimSpace(schedule), func() {
		if err := m.Flush(); err != nil {
			log.Printf("user store save failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid persist schedule %q: %w", schedule, err)
	}
	return m, nil
}

func (m *Manager) Start() {
	if m == nil {
		return
	}
	m.cron.Start()
}

// Stop waits for a running save, then saves one last time.
func (m *Manager) Stop() error {
	if m == nil {
		return nil
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	return m.Flush()
}

// Flush saves now.
func (m *Manager) Flush() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.saver.SaveFile(m.path)
	if err != nil {
		m.failures.Add(1)
		return fmt.Errorf("save users to %s: %w", m.path, err)
	}
	m.saves.Add(1)
	log.Printf("saved %d users to %s", n, m.path)
	return nil
}

// Statistics returns save counters.
func (m *Manager) Statistics() map[string]interface{} {
	if m == nil {
		return map[string]interface{}{"enabled": false}
	}
	return map[string]interface{}{
		"enabled":  true,
		"path":     m.path,
		"saves":    m.saves.Load(),
		"failures": m.failures.Load(),
	}
}
