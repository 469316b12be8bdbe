// Package memory enforces per-runtime memory budgets across live
// views. Each view reports an estimated retained size (shape cache,
// component arena, staged trees) and the manager refuses allocations
// that would push the runtime past its limit.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Manager tracks estimated memory usage per view against a fixed
// budget.
type Manager struct {
	maxBytes   int64
	current    int64
	perView    map[string]int64
	thresholds thresholds
	config     *Config
	mu         sync.RWMutex
}

// Config controls the budget and alerting thresholds.
type Config struct {
	MaxMemoryMB          int
	WarningThresholdPct  int
	CriticalThresholdPct int
	CleanupInterval      time.Duration
}

type thresholds struct {
	warning  int64
	critical int64
}

// DefaultConfig returns the defaults used when no config is given.
func DefaultConfig() *Config {
	return &Config{
		MaxMemoryMB:          100,
		WarningThresholdPct:  75,
		CriticalThresholdPct: 90,
		CleanupInterval:      time.Minute,
	}
}

// NewManager creates a manager for the configured budget.
func NewManager(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	maxBytes := int64(config.MaxMemoryMB) * 1024 * 1024
	return &Manager{
		maxBytes: maxBytes,
		perView:  make(map[string]int64),
		config:   config,
		thresholds: thresholds{
			warning:  maxBytes * int64(config.WarningThresholdPct) / 100,
			critical: maxBytes * int64(config.CriticalThresholdPct) / 100,
		},
	}
}

// Allocate reserves estimated bytes for a new view. It fails when the
// reservation would exceed the budget.
func (m *Manager) Allocate(viewID string, estimated int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current+estimated > m.maxBytes {
		return fmt.Errorf("memory: allocating %d bytes for view %s exceeds budget (%d/%d used)",
			estimated, viewID, m.current, m.maxBytes)
	}
	m.perView[viewID] = estimated
	m.current += estimated
	return nil
}

// Release frees a view's reservation.
func (m *Manager) Release(viewID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if usage, ok := m.perView[viewID]; ok {
		m.current -= usage
		delete(m.perView, viewID)
	}
}

// Update resizes an existing view's reservation.
func (m *Manager) Update(viewID string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.perView[viewID]
	if !ok {
		return fmt.Errorf("memory: view %s not tracked", viewID)
	}
	delta := size - old
	if m.current+delta > m.maxBytes {
		return fmt.Errorf("memory: resizing view %s by %d bytes exceeds budget (%d/%d used)",
			viewID, delta, m.current, m.maxBytes)
	}
	m.perView[viewID] = size
	m.current += delta
	return nil
}

// Status is a snapshot of the budget state.
type Status struct {
	CurrentUsage      int64   `json:"current_usage"`
	MaxMemory         int64   `json:"max_memory"`
	UsagePercentage   float64 `json:"usage_percentage"`
	Level             string  `json:"level"` // "OK", "WARNING", "CRITICAL"
	ActiveViews       int     `json:"active_views"`
	AverageViewMemory int64   `json:"average_view_memory"`
}

// Status returns the current budget snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		CurrentUsage:    m.current,
		MaxMemory:       m.maxBytes,
		UsagePercentage: float64(m.current) / float64(m.maxBytes) * 100,
		ActiveViews:     len(m.perView),
	}
	switch {
	case m.current >= m.thresholds.critical:
		st.Level = "CRITICAL"
	case m.current >= m.thresholds.warning:
		st.Level = "WARNING"
	default:
		st.Level = "OK"
	}
	if len(m.perView) > 0 {
		st.AverageViewMemory = m.current / int64(len(m.perView))
	}
	return st
}

// AtCapacity reports whether usage crossed the critical threshold.
func (m *Manager) AtCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current >= m.thresholds.critical
}

// NearCapacity reports whether usage crossed the warning threshold.
func (m *Manager) NearCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current >= m.thresholds.warning
}

// Available returns remaining budget in bytes.
func (m *Manager) Available() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if avail := m.maxBytes - m.current; avail > 0 {
		return avail
	}
	return 0
}

// ViewUsage returns the reservation for one view.
func (m *Manager) ViewUsage(viewID string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	usage, ok := m.perView[viewID]
	return usage, ok
}

// ViewUsageInfo pairs a view with its reservation, for eviction
// reporting.
type ViewUsageInfo struct {
	ViewID string `json:"view_id"`
	Usage  int64  `json:"usage"`
}

// TopViews returns the views holding the most memory, largest first.
func (m *Manager) TopViews(limit int) []ViewUsageInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]ViewUsageInfo, 0, len(m.perView))
	for id, usage := range m.perView {
		views = append(views, ViewUsageInfo{ViewID: id, Usage: usage})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Usage > views[j].Usage })
	if limit < len(views) {
		views = views[:limit]
	}
	return views
}

// TrackedViews returns how many views are accounted for.
func (m *Manager) TrackedViews() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.perView)
}

// Reset drops all accounting.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = 0
	m.perView = make(map[string]int64)
}
