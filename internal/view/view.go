// Package view holds the server-side state of one connected client: the
// shape retained from the last render, the component arena, and the
// queue of pending server pushes. Every operation on a View runs on its
// mailbox goroutine, one at a time, so renders, events, and teardown
// never interleave.
package view

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livefir/livepatch/internal/diff"
	"github.com/livefir/livepatch/internal/rendered"
	"github.com/livefir/livepatch/internal/wire"
)

// View is the server half of one live client view.
type View struct {
	ID        string
	RuntimeID string

	createdAt    time.Time
	lastAccessed time.Time
	accessMu     sync.RWMutex

	// Owned by the mailbox goroutine.
	shape      *diff.Shape
	components *diff.Registry
	pending    []wire.Event
	lockToken  string

	mailbox   chan func()
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*View)
}

// Option configures a View.
type Option func(*View)

// WithID overrides the generated view id.
func WithID(id string) Option {
	return func(v *View) { v.ID = id }
}

// WithOnClose registers a callback invoked once when the view closes.
func WithOnClose(fn func(*View)) Option {
	return func(v *View) { v.onClose = fn }
}

// New creates a view and starts its mailbox goroutine.
func New(runtimeID string, opts ...Option) *View {
	now := time.Now()
	v := &View{
		ID:           uuid.NewString(),
		RuntimeID:    runtimeID,
		createdAt:    now,
		lastAccessed: now,
		components:   diff.NewRegistry(),
		mailbox:      make(chan func(), 16),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	go v.run()
	return v
}

func (v *View) run() {
	// State teardown happens here, on the goroutine that owns the
	// fields, never on the goroutine that called Close.
	defer func() {
		v.shape = nil
		v.components = diff.NewRegistry()
		v.pending = nil
		v.lockToken = ""
	}()
	for {
		select {
		case task := <-v.mailbox:
			task()
		case <-v.done:
			// Drain tasks already queued so callers waiting on perform
			// get an answer instead of hanging.
			for {
				select {
				case task := <-v.mailbox:
					task()
				default:
					return
				}
			}
		}
	}
}

// perform runs fn on the mailbox goroutine and waits for it.
func (v *View) perform(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		select {
		case <-ctx.Done():
			result <- ctx.Err()
		default:
			result <- fn()
		}
	}
	select {
	case v.mailbox <- task:
	case <-v.done:
		return fmt.Errorf("view %s: closed", v.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-v.done:
		// The send may have raced the drain loop's exit and landed in a
		// buffer nobody reads anymore. If the task did run, its result is
		// already buffered; otherwise report the close.
		select {
		case err := <-result:
			return err
		default:
			return fmt.Errorf("view %s: closed", v.ID)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StageComponent registers a component tree in the view's arena ahead
// of the next render.
func (v *View) StageComponent(ctx context.Context, id int, t *rendered.Tree) error {
	return v.perform(ctx, func() error {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("component %d: %w", id, err)
		}
		v.components.Stage(id, t)
		return nil
	})
}

// PushEvent queues a server-to-client event. It rides in the next
// envelope and the client delivers it after that envelope's patch.
func (v *View) PushEvent(ctx context.Context, name string, payload any) error {
	return v.perform(ctx, func() error {
		v.pending = append(v.pending, wire.Event{Name: name, Payload: payload})
		return nil
	})
}

// SetLockToken records the lock token to echo in the next envelope.
func (v *View) SetLockToken(ctx context.Context, token string) error {
	return v.perform(ctx, func() error {
		v.lockToken = token
		return nil
	})
}

// Render produces the full HTML for the tree and resets the retained
// shape to match it, so the next Update diffs against this render.
func (v *View) Render(ctx context.Context, t *rendered.Tree) (string, error) {
	var html string
	err := v.perform(ctx, func() error {
		v.touch()
		if err := t.Validate(); err != nil {
			return err
		}
		_, shape, err := diff.Diff(t, nil, v.components)
		if err != nil {
			return err
		}
		out, err := t.Materialize(v.components.Resolve)
		if err != nil {
			return err
		}
		v.shape = shape
		html = out
		return nil
	})
	return html, err
}

// Mount renders the tree as a full envelope regardless of the retained
// shape. A freshly attached client holds only the first-paint HTML;
// this envelope seeds its retained mirror. The shape resets to this
// render. Queued events stay put: they belong to the next broadcast
// update, not to one tab's attach.
func (v *View) Mount(ctx context.Context, t *rendered.Tree) (*wire.Envelope, error) {
	var env *wire.Envelope
	err := v.perform(ctx, func() error {
		v.touch()
		if err := t.Validate(); err != nil {
			return err
		}
		v.components.Reset()
		out, shape, err := diff.Diff(t, nil, v.components)
		if err != nil {
			return err
		}
		v.shape = shape
		env = out
		return nil
	})
	return env, err
}

// Update diffs the tree against the retained shape and returns the
// envelope to send, carrying any queued events and lock token. The
// retained shape advances only on success.
func (v *View) Update(ctx context.Context, t *rendered.Tree) (*wire.Envelope, error) {
	var env *wire.Envelope
	err := v.perform(ctx, func() error {
		v.touch()
		if err := t.Validate(); err != nil {
			return err
		}
		out, shape, err := diff.Diff(t, v.shape, v.components)
		if err != nil {
			return err
		}
		out.Events = v.pending
		out.LockToken = v.lockToken
		v.pending = nil
		v.lockToken = ""
		v.shape = shape
		env = out
		return nil
	})
	return env, err
}

// ComponentCount returns the number of live arena entries.
func (v *View) ComponentCount(ctx context.Context) (int, error) {
	var n int
	err := v.perform(ctx, func() error {
		n = v.components.Len()
		return nil
	})
	return n, err
}

// Close stops the mailbox goroutine, which drops all retained state as
// it exits. Safe to call more than once.
func (v *View) Close() error {
	v.closeOnce.Do(func() {
		close(v.done)
		if v.onClose != nil {
			v.onClose(v)
		}
	})
	return nil
}

// Closed reports whether the view has been closed.
func (v *View) Closed() bool {
	select {
	case <-v.done:
		return true
	default:
		return false
	}
}

func (v *View) touch() {
	v.accessMu.Lock()
	v.lastAccessed = time.Now()
	v.accessMu.Unlock()
}

// UpdateLastAccessed marks the view as recently used.
func (v *View) UpdateLastAccessed() { v.touch() }

// IsExpired reports whether the view has been idle longer than ttl.
func (v *View) IsExpired(ttl time.Duration) bool {
	v.accessMu.RLock()
	defer v.accessMu.RUnlock()
	return time.Since(v.lastAccessed) > ttl
}

// Age returns time since creation.
func (v *View) Age() time.Duration { return time.Since(v.createdAt) }

// IdleTime returns time since last access.
func (v *View) IdleTime() time.Duration {
	v.accessMu.RLock()
	defer v.accessMu.RUnlock()
	return time.Since(v.lastAccessed)
}
