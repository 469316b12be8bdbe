// Package livepatch is a server-rendered live UI core: the server
// renders trees of static and dynamic parts, diffs successive renders
// into minimal wire envelopes, and the client runtime merges those
// envelopes into a retained mirror and morphs the live document to
// match.
package livepatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/livefir/livepatch/internal/memory"
	"github.com/livefir/livepatch/internal/metrics"
	"github.com/livefir/livepatch/internal/rendered"
	"github.com/livefir/livepatch/internal/token"
	"github.com/livefir/livepatch/internal/view"
)

// TreeBuilder turns application data into a rendered tree. It is the
// boundary to whatever template compiler produced the statics; this
// package never parses templates itself.
type TreeBuilder interface {
	Build(data any) (*rendered.Tree, error)
}

// TreeBuilderFunc adapts a function to TreeBuilder.
type TreeBuilderFunc func(data any) (*rendered.Tree, error)

// Build implements TreeBuilder.
func (f TreeBuilderFunc) Build(data any) (*rendered.Tree, error) { return f(data) }

// Event is a client-originated message: a named user interaction plus
// its payload. Lock carries the token of the element subtree the client
// locked when sending, echoed back in the answering envelope.
type Event struct {
	Name    string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	Lock    string         `json:"lock,omitempty"`
	Token   string         `json:"token,omitempty"`
}

// EventHandler processes one event against the current view data and
// returns the next data.
type EventHandler func(ctx context.Context, current any, ev Event) (any, error)

// estimatedViewBytes is the initial memory reservation per view.
const estimatedViewBytes = 64 * 1024

// Application owns the live views of one server process: registry,
// resume tokens, sessions, metrics, and the memory budget.
type Application struct {
	id       string
	config   *Config
	views    *view.Registry
	tokens   *token.Service
	metrics  *metrics.Collector
	memory   *memory.Manager
	sessions SessionStore
	conns    *ConnectionRegistry

	handlers  map[string]EventHandler
	live      map[string]*View
	mu        sync.RWMutex
	closeOnce sync.Once
}

// ApplicationOption configures an Application.
type ApplicationOption func(*Application) error

// WithConfig replaces the default configuration.
func WithConfig(cfg *Config) ApplicationOption {
	return func(a *Application) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		a.config = cfg
		return nil
	}
}

// WithSessionStore replaces the default in-memory session store.
func WithSessionStore(store SessionStore) ApplicationOption {
	return func(a *Application) error {
		a.sessions = store
		return nil
	}
}

// WithMaxMemoryMB caps the per-application memory budget.
func WithMaxMemoryMB(mb int) ApplicationOption {
	return func(a *Application) error {
		a.config.MaxMemoryMB = mb
		return nil
	}
}

// NewApplication creates an isolated application instance.
func NewApplication(options ...ApplicationOption) (*Application, error) {
	a := &Application{
		id:       uuid.NewString(),
		config:   DefaultConfig(),
		handlers: make(map[string]EventHandler),
		live:     make(map[string]*View),
		conns:    NewConnectionRegistry(),
	}
	for _, opt := range options {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	tokens, err := token.NewService(&token.Config{
		TTL:          a.config.TokenTTL,
		ReplayWindow: token.DefaultConfig().ReplayWindow,
	})
	if err != nil {
		return nil, err
	}
	a.tokens = tokens

	a.views = view.NewRegistry(&view.RegistryConfig{
		MaxViews:        a.config.MaxViews,
		DefaultTTL:      a.config.ViewTTL,
		CleanupInterval: a.config.CleanupInterval,
	})
	a.metrics = metrics.NewCollector()
	a.memory = memory.NewManager(&memory.Config{
		MaxMemoryMB:          a.config.MaxMemoryMB,
		WarningThresholdPct:  memory.DefaultConfig().WarningThresholdPct,
		CriticalThresholdPct: memory.DefaultConfig().CriticalThresholdPct,
		CleanupInterval:      a.config.CleanupInterval,
	})

	if a.sessions == nil {
		store, err := newSessionStore(a.config.Session)
		if err != nil {
			return nil, err
		}
		a.sessions = store
	}
	return a, nil
}

func newSessionStore(cfg SessionConfig) (SessionStore, error) {
	switch cfg.Store {
	case "bolt":
		return NewBoltSessionStore(cfg.BoltPath, cfg.TTL)
	default:
		return NewMemorySessionStore(cfg.TTL), nil
	}
}

// ID returns the application id.
func (a *Application) ID() string { return a.id }

// HandleEvent registers an application-wide event handler.
func (a *Application) HandleEvent(name string, handler EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[name] = handler
}

// NewView creates a live view over the builder and initial data.
func (a *Application) NewView(builder TreeBuilder, data any) (*View, error) {
	if builder == nil {
		return nil, fmt.Errorf("livepatch: builder is nil")
	}
	inner := view.New(a.id, view.WithOnClose(func(closed *view.View) {
		a.mu.Lock()
		delete(a.live, closed.ID)
		a.mu.Unlock()
		a.views.Remove(closed.ID)
		a.memory.Release(closed.ID)
		a.metrics.ViewClosed()
	}))
	if err := a.memory.Allocate(inner.ID, estimatedViewBytes); err != nil {
		_ = inner.Close()
		return nil, err
	}
	if err := a.views.Store(inner); err != nil {
		_ = inner.Close()
		return nil, err
	}
	v := &View{app: a, inner: inner, builder: builder, data: data}
	a.mu.Lock()
	a.live[inner.ID] = v
	a.mu.Unlock()
	a.metrics.ViewCreated()
	return v, nil
}

// GetView returns a live view by id.
func (a *Application) GetView(viewID string) (*View, error) {
	if _, err := a.views.Get(viewID, a.id); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.live[viewID]
	if !ok {
		return nil, fmt.Errorf("view not found: %s", viewID)
	}
	return v, nil
}

// ResumeView verifies a resume token and returns the view it names.
func (a *Application) ResumeView(tokenString string) (*View, error) {
	claims, err := a.tokens.Verify(tokenString)
	if err != nil {
		a.metrics.TokenFailure()
		return nil, err
	}
	if claims.RuntimeID != a.id {
		a.metrics.TokenFailure()
		return nil, fmt.Errorf("livepatch: token issued by another application")
	}
	v, err := a.GetView(claims.ViewID)
	if err != nil {
		a.metrics.TokenFailure()
		return nil, err
	}
	a.metrics.TokenVerified()
	return v, nil
}

// ViewCount returns the number of live views.
func (a *Application) ViewCount() int { return a.views.Count() }

// CleanupExpiredViews sweeps idle views and returns how many closed.
func (a *Application) CleanupExpiredViews() int {
	n := a.views.CleanupExpired()
	if n > 0 {
		a.metrics.CleanupRun(int64(n))
	}
	return n
}

// Metrics returns a snapshot of the application counters.
func (a *Application) Metrics() metrics.RuntimeMetrics {
	st := a.memory.Status()
	a.metrics.UpdateMemoryUsage(st.CurrentUsage, st.AverageViewMemory)
	return a.metrics.Snapshot()
}

// Connections exposes the transport connection registry.
func (a *Application) Connections() *ConnectionRegistry { return a.conns }

// Close tears down every view and releases all resources.
func (a *Application) Close() error {
	a.closeOnce.Do(func() {
		_ = a.views.Close()
		_ = a.sessions.Close()
	})
	return nil
}

// View is the public handle on one live view: data, builder, and the
// serialized server-side state behind it.
type View struct {
	app     *Application
	inner   *view.View
	builder TreeBuilder

	data any
	mu   sync.Mutex
}

// ID returns the view id.
func (v *View) ID() string { return v.inner.ID }

// Data returns the current view data.
func (v *View) Data() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.data
}

// SetData replaces the view data without rendering.
func (v *View) SetData(data any) {
	v.mu.Lock()
	v.data = data
	v.mu.Unlock()
}

// Render produces the full normalized HTML for the current data and
// primes the retained shape for subsequent diffs.
func (v *View) Render(ctx context.Context) (string, error) {
	v.mu.Lock()
	data := v.data
	v.mu.Unlock()

	tree, err := v.builder.Build(data)
	if err != nil {
		return "", fmt.Errorf("livepatch: build tree: %w", err)
	}
	html, err := v.inner.Render(ctx, tree)
	if err != nil {
		return "", err
	}
	v.app.metrics.FullRender()
	return normalizeHTML(html), nil
}

// MountEnvelope renders the current data as a full envelope, the
// message that seeds a freshly attached client's retained mirror. Sent
// to each socket when it joins the view's session group.
func (v *View) MountEnvelope(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	data := v.data
	v.mu.Unlock()

	tree, err := v.builder.Build(data)
	if err != nil {
		return nil, fmt.Errorf("livepatch: build tree: %w", err)
	}
	env, err := v.inner.Mount(ctx, tree)
	if err != nil {
		return nil, err
	}
	v.app.metrics.FullRender()
	return json.Marshal(env)
}

// RenderUpdate adopts new data, diffs against the retained shape, and
// returns the marshaled envelope. A nil result means nothing changed
// and nothing needs sending.
func (v *View) RenderUpdate(ctx context.Context, data any) ([]byte, error) {
	v.mu.Lock()
	v.data = data
	v.mu.Unlock()

	tree, err := v.builder.Build(data)
	if err != nil {
		v.app.metrics.DiffError()
		return nil, fmt.Errorf("livepatch: build tree: %w", err)
	}
	env, err := v.inner.Update(ctx, tree)
	if err != nil {
		v.app.metrics.DiffError()
		return nil, err
	}
	empty := env.IsEmpty()
	v.app.metrics.DiffGenerated(empty)
	if empty {
		return nil, nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("livepatch: encode envelope: %w", err)
	}
	return raw, nil
}

// HandleEvent runs the registered handler for the event and returns
// the resulting envelope. The event's lock token, if any, is echoed in
// the envelope so the client unlocks the subtree before patching.
func (v *View) HandleEvent(ctx context.Context, ev Event) ([]byte, error) {
	if ev.Name == "" {
		return nil, fmt.Errorf("livepatch: event has no name")
	}
	v.app.mu.RLock()
	handler, ok := v.app.handlers[ev.Name]
	v.app.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("livepatch: no handler for event %q", ev.Name)
	}
	if ev.Lock != "" {
		if err := v.inner.SetLockToken(ctx, ev.Lock); err != nil {
			return nil, err
		}
	}

	v.mu.Lock()
	current := v.data
	v.mu.Unlock()

	next, err := handler(ctx, current, ev)
	if err != nil {
		return nil, fmt.Errorf("livepatch: event %q: %w", ev.Name, err)
	}
	// A lock echo or queued push keeps the envelope non-empty, so the
	// client always hears back when it is waiting on one.
	return v.RenderUpdate(ctx, next)
}

// StageComponent registers a component tree in the view's arena under
// the given id, ahead of the next render that references it.
func (v *View) StageComponent(ctx context.Context, id int, t *rendered.Tree) error {
	return v.inner.StageComponent(ctx, id, t)
}

// PushEvent queues a server-to-client event; it rides in the next
// envelope and is delivered after that envelope's patch applies.
func (v *View) PushEvent(ctx context.Context, name string, payload any) error {
	if err := v.inner.PushEvent(ctx, name, payload); err != nil {
		return err
	}
	v.app.metrics.EventDispatched()
	return nil
}

// ResumeToken issues a signed token the client can present to reattach
// to this view after a reconnect.
func (v *View) ResumeToken() (string, error) {
	t, err := v.app.tokens.Issue(v.app.id, v.inner.ID)
	if err != nil {
		return "", err
	}
	v.app.metrics.TokenIssued()
	return t, nil
}

// Close tears down the view.
func (v *View) Close() error { return v.inner.Close() }
