// Package diff computes minimal wire envelopes between a freshly
// rendered tree and the fingerprint shape cached from the previous
// render. Unchanged subtrees are omitted; a fingerprint mismatch
// forces the static shape to be re-emitted with every dynamic slot.
package diff

import (
	"fmt"

	"github.com/livefir/livepatch/internal/rendered"
	"github.com/livefir/livepatch/internal/wire"
)

// Diff renders tree against prev and returns the wire envelope plus
// the shape to cache for the next pass. prev is nil on first render.
//
// reg may be nil for trees without component references. When given,
// staged component trees reachable from the root are diffed into the
// envelope's component table and unreachable arena entries are swept.
func Diff(tree *rendered.Tree, prev *Shape, reg *Registry) (*wire.Envelope, *Shape, error) {
	if err := tree.Validate(); err != nil {
		return nil, nil, err
	}

	d := &differ{reg: reg, reachable: make(map[int]bool)}
	env, shape, err := d.diffTree(tree, prev)
	if err != nil {
		return nil, nil, err
	}

	if reg != nil {
		comps, err := d.resolveComponents()
		if err != nil {
			return nil, nil, err
		}
		if len(comps) > 0 {
			env.Components = comps
		}
		reg.sweep(d.reachable)
	}
	return env, shape, nil
}

type differ struct {
	reg       *Registry
	reachable map[int]bool
	queue     []int
}

func (d *differ) touch(id int) {
	if !d.reachable[id] {
		d.reachable[id] = true
		d.queue = append(d.queue, id)
	}
}

func (d *differ) diffTree(t *rendered.Tree, prev *Shape) (*wire.Envelope, *Shape, error) {
	env := wire.NewEnvelope()
	fp := t.Fingerprint()
	shape := &Shape{Fingerprint: fp, slots: make(map[int]*slotState, len(t.Dynamics))}

	full := prev == nil || prev.Fingerprint != fp
	if full {
		env.Statics = t.Statics
		env.Fingerprint = fingerprintHex(fp)
	}

	for i, dyn := range t.Dynamics {
		var prevSlot *slotState
		if !full {
			prevSlot = prev.slots[i]
		}
		st, val, changed, err := d.diffSlot(dyn, prevSlot, full)
		if err != nil {
			return nil, nil, fmt.Errorf("slot %d: %w", i, err)
		}
		shape.slots[i] = st
		if changed {
			env.Slots[i] = val
		}
	}
	return env, shape, nil
}

// diffSlot diffs one dynamic slot against its previous state. On a
// full emit, nil slots are omitted: the client's static reset already
// treats missing indexes as the absent region.
func (d *differ) diffSlot(dyn rendered.Dynamic, prev *slotState, full bool) (*slotState, any, bool, error) {
	kindChanged := !full && (prev == nil || prev.kind != dyn.Kind())

	switch dyn.Kind() {
	case rendered.KindNil:
		st := &slotState{kind: rendered.KindNil}
		// Emit an explicit null only when the slot collapses from a
		// previously present value.
		return st, nil, kindChanged, nil

	case rendered.KindText:
		st := &slotState{kind: rendered.KindText, text: dyn.Text()}
		changed := full || kindChanged || prev.text != dyn.Text()
		return st, dyn.Text(), changed, nil

	case rendered.KindComponent:
		id := dyn.ComponentID()
		d.touch(id)
		st := &slotState{kind: rendered.KindComponent, cid: id}
		changed := full || kindChanged || prev.cid != id
		return st, id, changed, nil

	case rendered.KindSubtree:
		var prevShape *Shape
		if !full && !kindChanged {
			prevShape = prev.tree
		}
		sub, subShape, err := d.diffTree(dyn.Tree(), prevShape)
		if err != nil {
			return nil, nil, false, err
		}
		st := &slotState{kind: rendered.KindSubtree, tree: subShape}
		changed := full || kindChanged || !sub.IsEmpty()
		return st, sub, changed, nil

	case rendered.KindKeyed:
		var prevKeyed *keyedState
		if !full && !kindChanged {
			prevKeyed = prev.keyed
		}
		ks, kd, changed, err := d.diffKeyed(dyn.Comprehension(), prevKeyed)
		if err != nil {
			return nil, nil, false, err
		}
		st := &slotState{kind: rendered.KindKeyed, keyed: ks}
		return st, kd, full || kindChanged || changed, nil
	}
	return nil, nil, false, fmt.Errorf("unhandled slot kind %v", dyn.Kind())
}

// diffKeyed reconciles a comprehension by key. Entries present in both
// renders with unchanged content are omitted; content changes emit a
// per-key envelope; removed keys are listed; new keys carry their full
// dynamics. A key that moves and changes content in the same render is
// treated as a move plus patch, never remove plus insert, so hook and
// form state inside the row keeps its identity.
func (d *differ) diffKeyed(c *rendered.Comprehension, prev *keyedState) (*keyedState, *wire.KeyedDiff, bool, error) {
	rowFP, uniform, err := rowFingerprint(c)
	if err != nil {
		return nil, nil, false, err
	}

	state := &keyedState{
		rowFP: rowFP,
		order: c.Keys(),
		rows:  make(map[string]*Shape, len(c.Entries)),
	}
	if len(c.Entries) == 0 && prev != nil {
		// An emptied comprehension is incremental removal, and it keeps
		// the previous row shape alive so re-adding rows later does not
		// force a statics re-emit.
		state.rowFP = prev.rowFP
	}

	// Full emit: first render of the slot, or the shared row template
	// changed shape (the per-row fingerprint moved). Non-uniform
	// comprehensions diff row by row; each row envelope carries its own
	// statics when its shape changes.
	if prev == nil || (len(c.Entries) > 0 && uniform && prev.rowFP != rowFP) {
		kd := &wire.KeyedDiff{Order: state.order}
		if uniform && len(c.Entries) > 0 {
			kd.Statics = c.Entries[0].Tree.Statics
			kd.Fingerprint = fingerprintHex(rowFP)
		}
		if len(c.Entries) > 0 {
			kd.Rows = make(map[string]*wire.Envelope, len(c.Entries))
		}
		seen := make(map[string]bool, len(c.Entries))
		for _, e := range c.Entries {
			if seen[e.Key] {
				return nil, nil, false, fmt.Errorf("duplicate comprehension key %q", e.Key)
			}
			seen[e.Key] = true

			env, rowShape, err := d.diffTree(e.Tree, nil)
			if err != nil {
				return nil, nil, false, err
			}
			if uniform {
				// Shared statics live on the comprehension itself.
				env.Statics = nil
				env.Fingerprint = ""
			}
			kd.Rows[e.Key] = env
			state.rows[e.Key] = rowShape
		}
		return state, kd, true, nil
	}

	kd := &wire.KeyedDiff{}
	newKeys := make(map[string]bool, len(c.Entries))
	for _, e := range c.Entries {
		if newKeys[e.Key] {
			return nil, nil, false, fmt.Errorf("duplicate comprehension key %q", e.Key)
		}
		newKeys[e.Key] = true

		prevRow := prev.rows[e.Key]
		env, rowShape, err := d.diffTree(e.Tree, prevRow)
		if err != nil {
			return nil, nil, false, err
		}
		state.rows[e.Key] = rowShape
		if prevRow == nil && uniform {
			// New row under the shared shape: the client already holds
			// the statics, transmit dynamics only.
			env.Statics = nil
			env.Fingerprint = ""
		}
		if prevRow == nil || !env.IsEmpty() {
			if kd.Rows == nil {
				kd.Rows = make(map[string]*wire.Envelope)
			}
			kd.Rows[e.Key] = env
		}
	}

	for _, key := range prev.order {
		if !newKeys[key] {
			kd.Removed = append(kd.Removed, key)
		}
	}
	if !equalKeys(prev.order, state.order) {
		kd.Order = state.order
	}

	changed := len(kd.Rows) > 0 || len(kd.Removed) > 0 || kd.Order != nil
	return state, kd, changed, nil
}

// rowFingerprint returns the shared shape fingerprint of the rows, or
// 0 when entries disagree (non-uniform comprehensions fall back to
// per-row statics).
func rowFingerprint(c *rendered.Comprehension) (uint64, bool, error) {
	if len(c.Entries) == 0 {
		// An empty comprehension keeps the previous row shape alive so
		// that re-adding rows later does not force a statics re-emit.
		return 0, true, nil
	}
	fp := c.Entries[0].Tree.Fingerprint()
	for _, e := range c.Entries[1:] {
		if e.Tree.Fingerprint() != fp {
			return 0, false, nil
		}
	}
	return fp, true, nil
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolveComponents diffs every staged, reachable component and builds
// the envelope side table. Components referenced but never staged must
// already exist in the arena from an earlier pass.
func (d *differ) resolveComponents() (map[int]*wire.Envelope, error) {
	comps := make(map[int]*wire.Envelope)
	for len(d.queue) > 0 {
		id := d.queue[0]
		d.queue = d.queue[1:]

		tree, staged := d.reg.trees[id]
		if !staged {
			return nil, fmt.Errorf("diff: component %d referenced but never staged", id)
		}
		if !d.reg.dirty[id] {
			// Unchanged since last pass, nothing to transmit; still
			// need its nested references marked reachable.
			markReachable(tree, d)
			continue
		}
		env, shape, err := d.diffTree(tree, d.reg.shapes[id])
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", id, err)
		}
		d.reg.shapes[id] = shape
		if !env.IsEmpty() {
			comps[id] = env
		}
	}
	if len(comps) == 0 {
		return nil, nil
	}
	return comps, nil
}

func markReachable(t *rendered.Tree, d *differ) {
	for _, dyn := range t.Dynamics {
		switch dyn.Kind() {
		case rendered.KindComponent:
			d.touch(dyn.ComponentID())
		case rendered.KindSubtree:
			markReachable(dyn.Tree(), d)
		case rendered.KindKeyed:
			for _, e := range dyn.Comprehension().Entries {
				markReachable(e.Tree, d)
			}
		}
	}
}
