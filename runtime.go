package livepatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/livefir/livepatch/internal/client"
	"github.com/livefir/livepatch/internal/dom"
	"github.com/livefir/livepatch/internal/wire"
)

// ErrDesync is the fatal protocol fault: the server referenced state
// this client does not hold. The only recovery is a fresh full render.
var ErrDesync = client.ErrDesync

// EventListener receives a server-pushed event's payload.
type EventListener func(payload any)

// Runtime is the client side of one live view: the retained envelope
// mirror, the live document, and the pending-response bookkeeping that
// drives the connected/disconnected UI state.
type Runtime struct {
	renderer    *client.Renderer
	mirror      *dom.Mirror
	containerID string

	listeners map[string][]EventListener

	pendingTimeout time.Duration
	pendingTimer   *time.Timer
	pendingCount   int
	disconnected   bool
	onDisconnected func()
	onReconnected  func()

	mu sync.Mutex
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithPendingTimeout sets how long a sent event may wait for its
// envelope before the runtime flips to disconnected.
func WithPendingTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.pendingTimeout = d }
}

// WithDisconnectedFunc sets the callback fired when the runtime flips
// to disconnected. UI-only: no state is torn down.
func WithDisconnectedFunc(fn func()) RuntimeOption {
	return func(r *Runtime) { r.onDisconnected = fn }
}

// WithReconnectedFunc sets the callback fired when a response arrives
// after a disconnected period.
func WithReconnectedFunc(fn func()) RuntimeOption {
	return func(r *Runtime) { r.onReconnected = fn }
}

// NewRuntime parses the server's first-paint document and prepares the
// runtime to patch the children of containerID.
func NewRuntime(doc, containerID string, opts ...RuntimeOption) (*Runtime, error) {
	mirror, err := dom.NewMirror(doc)
	if err != nil {
		return nil, err
	}
	if mirror.FindByID(containerID) == nil {
		return nil, fmt.Errorf("livepatch: container %q not in document", containerID)
	}
	r := &Runtime{
		renderer:       client.NewRenderer(),
		mirror:         mirror,
		containerID:    containerID,
		listeners:      make(map[string][]EventListener),
		pendingTimeout: DefaultConfig().PendingTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Mirror exposes the live document mirror.
func (r *Runtime) Mirror() *dom.Mirror { return r.mirror }

// RegisterHook binds a named lifecycle hook.
func (r *Runtime) RegisterHook(name string, h dom.Hook) {
	r.mirror.RegisterHook(name, h)
}

// OnEvent subscribes a listener to a named server push.
func (r *Runtime) OnEvent(name string, fn EventListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[name] = append(r.listeners[name], fn)
}

// LockElement locks a subtree for a pending round-trip and returns the
// token the server must echo. Starts the disconnected countdown.
func (r *Runtime) LockElement(id string) (string, error) {
	token, err := r.mirror.Lock(id)
	if err != nil {
		return "", err
	}
	r.eventSent()
	return token, nil
}

// EventSent records a sent event with no lock, still arming the
// disconnected countdown.
func (r *Runtime) EventSent() { r.eventSent() }

func (r *Runtime) eventSent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingCount++
	if r.pendingTimer == nil && r.pendingTimeout > 0 {
		r.pendingTimer = time.AfterFunc(r.pendingTimeout, r.timedOut)
	}
}

func (r *Runtime) timedOut() {
	r.mu.Lock()
	already := r.disconnected
	r.disconnected = true
	fn := r.onDisconnected
	r.mu.Unlock()
	if !already && fn != nil {
		fn()
	}
}

func (r *Runtime) responseReceived() {
	r.mu.Lock()
	if r.pendingCount > 0 {
		r.pendingCount--
	}
	if r.pendingCount == 0 && r.pendingTimer != nil {
		r.pendingTimer.Stop()
		r.pendingTimer = nil
	}
	wasDisconnected := r.disconnected
	r.disconnected = false
	fn := r.onReconnected
	r.mu.Unlock()
	if wasDisconnected && fn != nil {
		fn()
	}
}

// Disconnected reports the current UI connectivity state.
func (r *Runtime) Disconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

// Apply decodes one envelope and runs the full client pipeline:
// unlock, merge into the retained mirror, materialize, morph the live
// document, flush lifecycle hooks, then deliver pushed events in
// order.
func (r *Runtime) Apply(ctx context.Context, raw []byte) ([]dom.LifecycleEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("livepatch: decode envelope: %w", err)
	}
	r.responseReceived()

	if env.LockToken != "" {
		r.mirror.Unlock(env.LockToken)
	}
	if err := r.renderer.ApplyDiff(&env); err != nil {
		return nil, err
	}
	html, err := r.renderer.Materialize()
	if err != nil {
		return nil, err
	}
	events, err := r.mirror.Patch(r.containerID, html)
	if err != nil {
		return nil, err
	}
	// Pushed events strictly after the patch: listeners observe the
	// document the envelope produced.
	for _, ev := range env.Events {
		r.dispatch(ev)
	}
	return events, nil
}

func (r *Runtime) dispatch(ev wire.Event) {
	r.mu.Lock()
	fns := append([]EventListener{}, r.listeners[ev.Name]...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev.Payload)
	}
}

// HTML renders the current live document.
func (r *Runtime) HTML() (string, error) { return r.mirror.HTML() }
