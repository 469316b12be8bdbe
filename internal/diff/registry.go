package diff

import (
	"fmt"

	"github.com/livefir/livepatch/internal/rendered"
)

// Registry is the per-view component arena. Each stateful component
// embedded in a parent render is keyed by a stable integer id; the
// parent's dynamic slot carries only the id, and the component's own
// tree is staged here and diffed independently.
//
// Entries are garbage-collected by reachability at diff time: after
// each render pass, ids no longer referenced from the root tree are
// swept. There is no explicit unmount call, because conditional
// rendering can drop a component without any teardown event.
//
// A Registry belongs to exactly one view and is passed by reference
// through the diff call; it is not safe for concurrent use (the view
// actor serializes access).
type Registry struct {
	trees  map[int]*rendered.Tree
	shapes map[int]*Shape
	dirty  map[int]bool
}

// NewRegistry creates an empty component arena.
func NewRegistry() *Registry {
	return &Registry{
		trees:  make(map[int]*rendered.Tree),
		shapes: make(map[int]*Shape),
		dirty:  make(map[int]bool),
	}
}

// Stage records a component's freshly rendered tree ahead of a diff
// pass. Staging the same id twice in one pass keeps the last tree.
func (r *Registry) Stage(id int, t *rendered.Tree) {
	r.trees[id] = t
	r.dirty[id] = true
}

// Resolve returns the latest staged tree for a component id. It
// implements rendered.ComponentResolver for full materialization.
func (r *Registry) Resolve(id int) (*rendered.Tree, error) {
	t, ok := r.trees[id]
	if !ok {
		return nil, fmt.Errorf("diff: unknown component id %d", id)
	}
	return t, nil
}

// Len returns the number of live arena entries.
func (r *Registry) Len() int { return len(r.trees) }

// Has reports whether a component id is live in the arena.
func (r *Registry) Has(id int) bool {
	_, ok := r.trees[id]
	return ok
}

// Reset drops retained component shapes and marks every entry dirty,
// so the next diff pass emits each reachable component in full.
func (r *Registry) Reset() {
	r.shapes = make(map[int]*Shape)
	for id := range r.trees {
		r.dirty[id] = true
	}
}

// sweep drops every entry not reachable from the root tree of the
// render pass that just completed, and clears the dirty set.
func (r *Registry) sweep(reachable map[int]bool) int {
	removed := 0
	for id := range r.trees {
		if !reachable[id] {
			delete(r.trees, id)
			delete(r.shapes, id)
			removed++
		}
	}
	r.dirty = make(map[int]bool)
	return removed
}
