// Package metrics collects runtime counters with no external
// dependencies: view lifecycle, diff generation, and token activity.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters for one runtime.
type Collector struct {
	stats     *RuntimeMetrics
	custom    map[string]*int64
	mu        sync.RWMutex
	startTime time.Time
}

// RuntimeMetrics is a point-in-time snapshot of the counters.
type RuntimeMetrics struct {
	ViewsCreated       int64 `json:"views_created"`
	ViewsClosed        int64 `json:"views_closed"`
	ActiveViews        int64 `json:"active_views"`
	MaxConcurrentViews int64 `json:"max_concurrent_views"`

	FullRenders    int64 `json:"full_renders"`
	DiffsGenerated int64 `json:"diffs_generated"`
	DiffErrors     int64 `json:"diff_errors"`
	EmptyDiffs     int64 `json:"empty_diffs"`

	EventsDispatched int64 `json:"events_dispatched"`

	TokensIssued   int64 `json:"tokens_issued"`
	TokensVerified int64 `json:"tokens_verified"`
	TokenFailures  int64 `json:"token_failures"`

	TotalMemoryUsage  int64 `json:"total_memory_usage"`
	AverageViewMemory int64 `json:"average_view_memory"`

	CleanupRuns         int64 `json:"cleanup_runs"`
	ExpiredViewsRemoved int64 `json:"expired_views_removed"`

	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
}

// NewCollector creates a collector with zeroed counters.
func NewCollector() *Collector {
	now := time.Now()
	return &Collector{
		stats:     &RuntimeMetrics{StartTime: now},
		custom:    make(map[string]*int64),
		startTime: now,
	}
}

// ViewCreated records a new view and tracks the concurrency high-water
// mark.
func (c *Collector) ViewCreated() {
	atomic.AddInt64(&c.stats.ViewsCreated, 1)
	active := atomic.AddInt64(&c.stats.ActiveViews, 1)
	for {
		max := atomic.LoadInt64(&c.stats.MaxConcurrentViews)
		if active <= max || atomic.CompareAndSwapInt64(&c.stats.MaxConcurrentViews, max, active) {
			return
		}
	}
}

// ViewClosed records a view teardown.
func (c *Collector) ViewClosed() {
	atomic.AddInt64(&c.stats.ViewsClosed, 1)
	atomic.AddInt64(&c.stats.ActiveViews, -1)
}

// FullRender records a from-scratch render emission.
func (c *Collector) FullRender() { atomic.AddInt64(&c.stats.FullRenders, 1) }

// DiffGenerated records a successful diff emission. Empty diffs (no
// changed slots) are counted separately so suppression is observable.
func (c *Collector) DiffGenerated(empty bool) {
	atomic.AddInt64(&c.stats.DiffsGenerated, 1)
	if empty {
		atomic.AddInt64(&c.stats.EmptyDiffs, 1)
	}
}

// DiffError records a failed diff attempt.
func (c *Collector) DiffError() { atomic.AddInt64(&c.stats.DiffErrors, 1) }

// EventDispatched records one server-to-client event delivery.
func (c *Collector) EventDispatched() { atomic.AddInt64(&c.stats.EventsDispatched, 1) }

// TokenIssued records a resume token issuance.
func (c *Collector) TokenIssued() { atomic.AddInt64(&c.stats.TokensIssued, 1) }

// TokenVerified records a successful resume.
func (c *Collector) TokenVerified() { atomic.AddInt64(&c.stats.TokensVerified, 1) }

// TokenFailure records a rejected resume token.
func (c *Collector) TokenFailure() { atomic.AddInt64(&c.stats.TokenFailures, 1) }

// UpdateMemoryUsage stores the latest memory accounting snapshot.
func (c *Collector) UpdateMemoryUsage(total, averagePerView int64) {
	atomic.StoreInt64(&c.stats.TotalMemoryUsage, total)
	atomic.StoreInt64(&c.stats.AverageViewMemory, averagePerView)
}

// CleanupRun records one TTL sweep and how many views it removed.
func (c *Collector) CleanupRun(expired int64) {
	atomic.AddInt64(&c.stats.CleanupRuns, 1)
	atomic.AddInt64(&c.stats.ExpiredViewsRemoved, expired)
}

// IncrementCounter bumps a named ad-hoc counter.
func (c *Collector) IncrementCounter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok := c.custom[name]; ok {
		atomic.AddInt64(counter, 1)
		return
	}
	var v int64 = 1
	c.custom[name] = &v
}

// Counters returns a copy of the named ad-hoc counters.
func (c *Collector) Counters() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.custom))
	for name, counter := range c.custom {
		out[name] = atomic.LoadInt64(counter)
	}
	return out
}

// Snapshot returns a consistent copy of the current counters.
func (c *Collector) Snapshot() RuntimeMetrics {
	return RuntimeMetrics{
		ViewsCreated:        atomic.LoadInt64(&c.stats.ViewsCreated),
		ViewsClosed:         atomic.LoadInt64(&c.stats.ViewsClosed),
		ActiveViews:         atomic.LoadInt64(&c.stats.ActiveViews),
		MaxConcurrentViews:  atomic.LoadInt64(&c.stats.MaxConcurrentViews),
		FullRenders:         atomic.LoadInt64(&c.stats.FullRenders),
		DiffsGenerated:      atomic.LoadInt64(&c.stats.DiffsGenerated),
		DiffErrors:          atomic.LoadInt64(&c.stats.DiffErrors),
		EmptyDiffs:          atomic.LoadInt64(&c.stats.EmptyDiffs),
		EventsDispatched:    atomic.LoadInt64(&c.stats.EventsDispatched),
		TokensIssued:        atomic.LoadInt64(&c.stats.TokensIssued),
		TokensVerified:      atomic.LoadInt64(&c.stats.TokensVerified),
		TokenFailures:       atomic.LoadInt64(&c.stats.TokenFailures),
		TotalMemoryUsage:    atomic.LoadInt64(&c.stats.TotalMemoryUsage),
		AverageViewMemory:   atomic.LoadInt64(&c.stats.AverageViewMemory),
		CleanupRuns:         atomic.LoadInt64(&c.stats.CleanupRuns),
		ExpiredViewsRemoved: atomic.LoadInt64(&c.stats.ExpiredViewsRemoved),
		StartTime:           c.stats.StartTime,
		Uptime:              time.Since(c.startTime),
	}
}

// DiffErrorRate returns the percentage of diff attempts that failed.
func (c *Collector) DiffErrorRate() float64 {
	ok := atomic.LoadInt64(&c.stats.DiffsGenerated)
	errs := atomic.LoadInt64(&c.stats.DiffErrors)
	if ok+errs == 0 {
		return 0
	}
	return float64(errs) / float64(ok+errs) * 100
}

// TokenSuccessRate returns the percentage of resume attempts that
// verified.
func (c *Collector) TokenSuccessRate() float64 {
	ok := atomic.LoadInt64(&c.stats.TokensVerified)
	failed := atomic.LoadInt64(&c.stats.TokenFailures)
	if ok+failed == 0 {
		return 100
	}
	return float64(ok) / float64(ok+failed) * 100
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.stats = &RuntimeMetrics{StartTime: now}
	c.custom = make(map[string]*int64)
	c.startTime = now
}
