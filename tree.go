package livepatch

import "github.com/livefir/livepatch/internal/rendered"

// The tree model is defined in an internal package; these aliases are
// the public construction surface for template compilers and builders.

// Tree is the static/dynamic representation of one render output.
type Tree = rendered.Tree

// Dynamic is one dynamic slot value between two static segments.
type Dynamic = rendered.Dynamic

// Comprehension is a keyed list region inside a tree.
type Comprehension = rendered.Comprehension

// Entry is one keyed row of a comprehension.
type Entry = rendered.Entry

// ErrShape reports a tree whose statics and dynamics do not interleave.
var ErrShape = rendered.ErrShape

// NewTree builds and validates a tree. Statics must outnumber dynamics
// by exactly one.
func NewTree(statics []string, dynamics []Dynamic) (*Tree, error) {
	return rendered.New(statics, dynamics)
}

// Text returns a scalar text slot.
func Text(v string) Dynamic { return rendered.Text(v) }

// NilSlot returns an absent slot; it renders to nothing.
func NilSlot() Dynamic { return rendered.Nil() }

// Subtree returns a nested tree slot.
func Subtree(t *Tree) Dynamic { return rendered.Subtree(t) }

// Keyed returns a comprehension slot.
func Keyed(c *Comprehension) Dynamic { return rendered.Keyed(c) }

// Component returns a reference to a staged component.
func Component(id int) Dynamic { return rendered.ComponentRef(id) }
