// Package client maintains the client-side mirror of the rendered
// tree: the statics retained from the last full render plus the merged
// dynamic slots. Applying an envelope is a last-write-wins overlay, so
// the same envelope applied twice materializes to the same output,
// independent of whether the message was a full render or a diff.
package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/livefir/livepatch/internal/wire"
)

// ErrDesync reports that the server referenced state the client does
// not hold (an unknown component id). The client state is considered
// unrecoverable for this view; callers should force a full resync
// rather than attempt a partial repair.
var ErrDesync = errors.New("client: desynchronized from server state")

// TreeMirror is the retained static/dynamic model of one tree.
type TreeMirror struct {
	statics     []string
	fingerprint string
	slots       map[int]any // string | *TreeMirror | *KeyedMirror | int (component id) | nil
}

// KeyedMirror is the retained model of a comprehension slot.
type KeyedMirror struct {
	statics []string
	order   []string
	rows    map[string]*TreeMirror
}

// Order returns the current key order of the keyed region.
func (k *KeyedMirror) Order() []string { return append([]string(nil), k.order...) }

// Renderer owns the root mirror and the component table mirror.
type Renderer struct {
	root       *TreeMirror
	components map[int]*TreeMirror
}

// NewRenderer creates an empty renderer; the first envelope applied to
// it must carry statics.
func NewRenderer() *Renderer {
	return &Renderer{components: make(map[int]*TreeMirror)}
}

// ApplyDiff merges an envelope into the retained model. Component
// table entries are merged before the root so that slot references
// introduced in the same message resolve.
func (r *Renderer) ApplyDiff(env *wire.Envelope) error {
	for id, cenv := range env.Components {
		mirror := r.components[id]
		if mirror == nil {
			mirror = &TreeMirror{}
			r.components[id] = mirror
		}
		if err := mirror.merge(cenv); err != nil {
			return fmt.Errorf("component %d: %w", id, err)
		}
	}
	if r.root == nil {
		if !env.HasStatics() {
			return fmt.Errorf("%w: diff received before any full render", ErrDesync)
		}
		r.root = &TreeMirror{}
	}
	return r.root.merge(env)
}

// Materialize reconstructs the full HTML string from the retained
// model, flattening comprehensions in key order and resolving
// component references through the mirrored table.
func (r *Renderer) Materialize() (string, error) {
	if r.root == nil {
		return "", fmt.Errorf("%w: nothing rendered yet", ErrDesync)
	}
	var b strings.Builder
	if err := r.root.materialize(&b, r.components); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Component exposes a mirrored component for tests.
func (r *Renderer) Component(id int) (*TreeMirror, bool) {
	m, ok := r.components[id]
	return m, ok
}

func (m *TreeMirror) merge(env *wire.Envelope) error {
	if env.HasStatics() {
		// Shape changed: replace statics and reset every slot; missing
		// indexes are the absent region.
		m.statics = env.Statics
		m.fingerprint = env.Fingerprint
		m.slots = make(map[int]any, len(env.Slots))
	} else if m.slots == nil {
		m.slots = make(map[int]any)
	}

	for i, v := range env.Slots {
		merged, err := m.mergeSlot(m.slots[i], v)
		if err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
		m.slots[i] = merged
	}
	return nil
}

func (m *TreeMirror) mergeSlot(old, incoming any) (any, error) {
	switch v := incoming.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case int:
		return v, nil
	case *wire.Envelope:
		nested, _ := old.(*TreeMirror)
		if nested == nil || v.HasStatics() {
			if !v.HasStatics() && nested == nil {
				return nil, fmt.Errorf("%w: nested diff without retained statics", ErrDesync)
			}
			if nested == nil {
				nested = &TreeMirror{}
			}
		}
		if err := nested.merge(v); err != nil {
			return nil, err
		}
		return nested, nil
	case *wire.KeyedDiff:
		keyed, _ := old.(*KeyedMirror)
		return mergeKeyed(keyed, v)
	default:
		return nil, fmt.Errorf("unsupported slot value %T", incoming)
	}
}

func mergeKeyed(old *KeyedMirror, kd *wire.KeyedDiff) (*KeyedMirror, error) {
	k := old
	if k == nil || len(kd.Statics) > 0 {
		k = &KeyedMirror{rows: make(map[string]*TreeMirror)}
		if len(kd.Statics) > 0 {
			k.statics = kd.Statics
		} else if old != nil {
			k.statics = old.statics
			for key, row := range old.rows {
				k.rows[key] = row
			}
			k.order = old.order
		}
	}
	if kd.Order != nil {
		k.order = kd.Order
	}
	for _, key := range kd.Removed {
		delete(k.rows, key)
	}
	for key, env := range kd.Rows {
		row := k.rows[key]
		if row == nil {
			row = &TreeMirror{statics: k.statics}
			k.rows[key] = row
		}
		if err := row.merge(env); err != nil {
			return nil, fmt.Errorf("row %q: %w", key, err)
		}
		if len(row.statics) == 0 {
			row.statics = k.statics
		}
	}
	// Drop rows no longer present in the key order; a removal can be
	// implied by a full order replacement.
	if kd.Order != nil {
		present := make(map[string]bool, len(kd.Order))
		for _, key := range kd.Order {
			present[key] = true
		}
		for key := range k.rows {
			if !present[key] {
				delete(k.rows, key)
			}
		}
	}
	return k, nil
}

func (m *TreeMirror) materialize(b *strings.Builder, components map[int]*TreeMirror) error {
	if len(m.statics) == 0 {
		return fmt.Errorf("%w: materializing tree with no statics", ErrDesync)
	}
	for i, s := range m.statics {
		b.WriteString(s)
		if i >= len(m.statics)-1 {
			break
		}
		if err := materializeSlot(b, m.slots[i], components); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}

func materializeSlot(b *strings.Builder, v any, components map[int]*TreeMirror) error {
	switch sv := v.(type) {
	case nil:
		// Absent region: exactly no output.
		return nil
	case string:
		b.WriteString(sv)
		return nil
	case int:
		comp, ok := components[sv]
		if !ok {
			return fmt.Errorf("%w: unknown component id %d", ErrDesync, sv)
		}
		return comp.materialize(b, components)
	case *TreeMirror:
		return sv.materialize(b, components)
	case *KeyedMirror:
		for _, key := range sv.order {
			row, ok := sv.rows[key]
			if !ok {
				return fmt.Errorf("%w: keyed row %q missing", ErrDesync, key)
			}
			if err := row.materialize(b, components); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported retained slot %T", v)
	}
}

// SlotIndexes returns the retained slot indexes in order, for tests.
func (m *TreeMirror) SlotIndexes() []int {
	idx := make([]int, 0, len(m.slots))
	for i := range m.slots {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}
