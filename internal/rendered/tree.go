// Package rendered holds the in-memory representation of one render
// pass: a tree of static text chunks interleaved with dynamic slots.
// The template compiler produces these trees; the diff engine consumes
// them. The package knows nothing about HTML semantics beyond text.
package rendered

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// ErrShape reports a statics/dynamics length mismatch. This is a
// programmer or compiler error: trees with broken shape are never
// diffed and never reach the wire.
var ErrShape = errors.New("rendered: statics/dynamics length mismatch")

// Kind identifies the value stored in a dynamic slot.
type Kind uint8

const (
	// KindNil is a conditionally absent region. It materializes to
	// exactly nothing.
	KindNil Kind = iota

	// KindText is a scalar string value.
	KindText

	// KindSubtree is a nested rendered tree with its own shape.
	KindSubtree

	// KindKeyed is a keyed, ordered collection of rendered trees
	// (a comprehension), diffed by key rather than position.
	KindKeyed

	// KindComponent is a reference into the component arena. The slot
	// carries only the integer id; the component's own tree is staged
	// separately and diffed independently.
	KindComponent
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindText:
		return "text"
	case KindSubtree:
		return "subtree"
	case KindKeyed:
		return "keyed"
	case KindComponent:
		return "component"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Dynamic is a closed sum over the slot value kinds. All diff and
// materialization logic switches exhaustively over Kind.
type Dynamic struct {
	kind  Kind
	text  string
	tree  *Tree
	keyed *Comprehension
	cid   int
}

// Nil returns the absent slot value.
func Nil() Dynamic { return Dynamic{kind: KindNil} }

// Text returns a scalar slot value.
func Text(s string) Dynamic { return Dynamic{kind: KindText, text: s} }

// Subtree returns a nested-tree slot value.
func Subtree(t *Tree) Dynamic { return Dynamic{kind: KindSubtree, tree: t} }

// Keyed returns a comprehension slot value.
func Keyed(c *Comprehension) Dynamic { return Dynamic{kind: KindKeyed, keyed: c} }

// ComponentRef returns a slot value referencing a component by arena id.
func ComponentRef(id int) Dynamic { return Dynamic{kind: KindComponent, cid: id} }

// Kind returns the slot's variant tag.
func (d Dynamic) Kind() Kind { return d.kind }

// Text returns the scalar value. Valid only for KindText.
func (d Dynamic) Text() string { return d.text }

// Tree returns the nested tree. Valid only for KindSubtree.
func (d Dynamic) Tree() *Tree { return d.tree }

// Comprehension returns the keyed collection. Valid only for KindKeyed.
func (d Dynamic) Comprehension() *Comprehension { return d.keyed }

// ComponentID returns the arena id. Valid only for KindComponent.
func (d Dynamic) ComponentID() int { return d.cid }

// Comprehension is an ordered collection of rendered trees, each tagged
// with a stable key. Ordering is significant for rendering; identity
// across renders is by key.
type Comprehension struct {
	Entries []Entry
}

// Entry is one keyed row of a comprehension.
type Entry struct {
	Key  string
	Tree *Tree
}

// Keys returns the entry keys in render order.
func (c *Comprehension) Keys() []string {
	keys := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		keys[i] = e.Key
	}
	return keys
}

// Tree is the static/dynamic representation of one render output.
// Invariant: len(Statics) == len(Dynamics)+1, always.
type Tree struct {
	Statics  []string
	Dynamics []Dynamic

	fp    uint64
	hasFP bool
}

// New builds a tree and validates the shape invariant.
func New(statics []string, dynamics []Dynamic) (*Tree, error) {
	t := &Tree{Statics: statics, Dynamics: dynamics}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Empty returns a tree that materializes to nothing.
func Empty() *Tree {
	return &Tree{Statics: []string{""}}
}

// Validate checks the shape invariant recursively.
func (t *Tree) Validate() error {
	if len(t.Statics) != len(t.Dynamics)+1 {
		return fmt.Errorf("%w: %d statics, %d dynamics", ErrShape, len(t.Statics), len(t.Dynamics))
	}
	for i, d := range t.Dynamics {
		switch d.kind {
		case KindSubtree:
			if d.tree == nil {
				return fmt.Errorf("%w: slot %d has nil subtree", ErrShape, i)
			}
			if err := d.tree.Validate(); err != nil {
				return err
			}
		case KindKeyed:
			if d.keyed == nil {
				return fmt.Errorf("%w: slot %d has nil comprehension", ErrShape, i)
			}
			for _, e := range d.keyed.Entries {
				if e.Tree == nil {
					return fmt.Errorf("%w: comprehension key %q has nil tree", ErrShape, e.Key)
				}
				if err := e.Tree.Validate(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Fingerprint returns the shape-identity hash of this tree. It covers
// the static array layout only: two trees with equal fingerprint have
// identical statics and therefore the same number of dynamic slots.
// Equal fingerprints do not imply equal dynamics; the diff engine still
// compares slot values.
func (t *Tree) Fingerprint() uint64 {
	if t.hasFP {
		return t.fp
	}
	h := fnv.New64a()
	for _, s := range t.Statics {
		// Length prefix keeps ["ab",""] distinct from ["a","b"].
		fmt.Fprintf(h, "%d:", len(s))
		h.Write([]byte(s))
	}
	t.fp = h.Sum64()
	t.hasFP = true
	return t.fp
}

// ComponentResolver maps a component arena id to its rendered tree.
// Materializing a tree that references an unknown id is an error.
type ComponentResolver func(id int) (*Tree, error)

// Materialize renders the tree to its full HTML string, interleaving
// statics and dynamics and recursing into nested regions. Comprehension
// entries are flattened in key order. resolve may be nil when the tree
// contains no component references.
func (t *Tree) Materialize(resolve ComponentResolver) (string, error) {
	var b strings.Builder
	if err := t.materialize(&b, resolve); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (t *Tree) materialize(b *strings.Builder, resolve ComponentResolver) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for i, s := range t.Statics {
		b.WriteString(s)
		if i >= len(t.Dynamics) {
			break
		}
		d := t.Dynamics[i]
		switch d.kind {
		case KindNil:
			// Absent region: no output at all.
		case KindText:
			b.WriteString(d.text)
		case KindSubtree:
			if err := d.tree.materialize(b, resolve); err != nil {
				return err
			}
		case KindKeyed:
			for _, e := range d.keyed.Entries {
				if err := e.Tree.materialize(b, resolve); err != nil {
					return err
				}
			}
		case KindComponent:
			if resolve == nil {
				return fmt.Errorf("rendered: component %d referenced but no resolver given", d.cid)
			}
			ct, err := resolve(d.cid)
			if err != nil {
				return err
			}
			if err := ct.materialize(b, resolve); err != nil {
				return err
			}
		}
	}
	return nil
}

// Equal reports deep value equality of two dynamics. Used by tests and
// by the diff engine's omission check for scalar slots.
func (d Dynamic) Equal(o Dynamic) bool {
	if d.kind != o.kind {
		return false
	}
	switch d.kind {
	case KindNil:
		return true
	case KindText:
		return d.text == o.text
	case KindComponent:
		return d.cid == o.cid
	case KindSubtree:
		return d.tree.DeepEqual(o.tree)
	case KindKeyed:
		if len(d.keyed.Entries) != len(o.keyed.Entries) {
			return false
		}
		for i, e := range d.keyed.Entries {
			oe := o.keyed.Entries[i]
			if e.Key != oe.Key || !e.Tree.DeepEqual(oe.Tree) {
				return false
			}
		}
		return true
	}
	return false
}

// DeepEqual reports structural and value equality of two trees.
func (t *Tree) DeepEqual(o *Tree) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.Statics) != len(o.Statics) || len(t.Dynamics) != len(o.Dynamics) {
		return false
	}
	for i := range t.Statics {
		if t.Statics[i] != o.Statics[i] {
			return false
		}
	}
	for i := range t.Dynamics {
		if !t.Dynamics[i].Equal(o.Dynamics[i]) {
			return false
		}
	}
	return true
}
