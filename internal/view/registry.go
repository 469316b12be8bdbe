package view

import (
	"fmt"
	"sync"
	"time"
)

// Registry stores live views with runtime isolation and TTL cleanup.
type Registry struct {
	views         map[string]*View
	byRuntime     map[string]map[string]*View
	mu            sync.RWMutex
	maxViews      int
	defaultTTL    time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// RegistryConfig controls capacity and expiry.
type RegistryConfig struct {
	MaxViews        int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultRegistryConfig returns the defaults used when no config is
// given.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		MaxViews:        1000,
		DefaultTTL:      time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewRegistry creates a registry and starts its background cleanup.
func NewRegistry(config *RegistryConfig) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	r := &Registry{
		views:       make(map[string]*View),
		byRuntime:   make(map[string]map[string]*View),
		maxViews:    config.MaxViews,
		defaultTTL:  config.DefaultTTL,
		stopCleanup: make(chan struct{}),
	}
	r.cleanupTicker = time.NewTicker(config.CleanupInterval)
	go r.runCleanup()
	return r
}

// Store adds a view. It fails at capacity.
func (r *Registry) Store(v *View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) >= r.maxViews {
		return fmt.Errorf("view registry at capacity (%d views)", r.maxViews)
	}
	r.views[v.ID] = v
	if r.byRuntime[v.RuntimeID] == nil {
		r.byRuntime[v.RuntimeID] = make(map[string]*View)
	}
	r.byRuntime[v.RuntimeID][v.ID] = v
	return nil
}

// Get retrieves a live view, enforcing runtime isolation and expiry.
func (r *Registry) Get(viewID, runtimeID string) (*View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[viewID]
	if !ok {
		return nil, fmt.Errorf("view not found: %s", viewID)
	}
	if v.RuntimeID != runtimeID {
		return nil, fmt.Errorf("cross-runtime access denied")
	}
	if v.IsExpired(r.defaultTTL) {
		return nil, fmt.Errorf("view expired: %s", viewID)
	}
	v.UpdateLastAccessed()
	return v, nil
}

// Remove deletes a view from the registry without closing it.
func (r *Registry) Remove(viewID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(viewID)
}

func (r *Registry) removeLocked(viewID string) bool {
	v, ok := r.views[viewID]
	if !ok {
		return false
	}
	delete(r.views, viewID)
	if rt, ok := r.byRuntime[v.RuntimeID]; ok {
		delete(rt, viewID)
		if len(rt) == 0 {
			delete(r.byRuntime, v.RuntimeID)
		}
	}
	return true
}

// ByRuntime returns the live views of one runtime.
func (r *Registry) ByRuntime(runtimeID string) map[string]*View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*View)
	for id, v := range r.byRuntime[runtimeID] {
		if !v.IsExpired(r.defaultTTL) {
			out[id] = v
		}
	}
	return out
}

// Count returns the number of stored views.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// RuntimeCount returns the number of runtimes with live views.
func (r *Registry) RuntimeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRuntime)
}

// CleanupExpired closes and removes expired views, returning how many.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	var expired []*View
	for _, v := range r.views {
		if v.IsExpired(r.defaultTTL) {
			expired = append(expired, v)
		}
	}
	for _, v := range expired {
		r.removeLocked(v.ID)
	}
	r.mu.Unlock()

	// Close outside the lock; Close callbacks may call back into the
	// registry.
	for _, v := range expired {
		_ = v.Close()
	}
	return len(expired)
}

// Close stops cleanup and closes every stored view.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.cleanupTicker.Stop()
		close(r.stopCleanup)

		r.mu.Lock()
		views := make([]*View, 0, len(r.views))
		for _, v := range r.views {
			views = append(views, v)
		}
		r.views = make(map[string]*View)
		r.byRuntime = make(map[string]map[string]*View)
		r.mu.Unlock()

		for _, v := range views {
			_ = v.Close()
		}
	})
	return nil
}

func (r *Registry) runCleanup() {
	for {
		select {
		case <-r.cleanupTicker.C:
			r.CleanupExpired()
		case <-r.stopCleanup:
			return
		}
	}
}
