// Package dom applies freshly materialized HTML fragments to a live
// document tree. The walk is a single recursive matcher producing a
// small closed set of operations (keep, replace, insert, remove,
// move). The special cases (ignore-flagged elements, locked subtrees,
// focus and form-value preservation, portals) run as pre/post steps
// around the generic operation.
package dom

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Framework hint attributes. Plain string attributes on elements,
// stable and namespaced away from user attributes.
const (
	// AttrIgnore marks an element owned by external JS: children and
	// text are never patched, but data-* attributes are still merged
	// from server state.
	AttrIgnore = "lvp-ignore"

	// AttrSkip inside a portal marks content that must not be
	// re-teleported or patched.
	AttrSkip = "lvp-skip"

	// AttrPortal declares a relocation target selector; the element's
	// single id-bearing child is physically moved there.
	AttrPortal = "lvp-portal"

	// AttrHook names the client-side hook bound to an element's
	// mounted/updated/destroyed lifecycle.
	AttrHook = "lvp-hook"

	// AttrKeyed flags a container whose children reconcile by key
	// instead of position.
	AttrKeyed = "lvp-keyed"

	// AttrKey is the per-child stable key inside a keyed container.
	// Children without it fall back to their id.
	AttrKey = "data-lvp-key"
)

var (
	// ErrPortalTarget reports a portal target selector that resolved
	// to zero or several elements. Hard error: the patch engine never
	// silently drops content.
	ErrPortalTarget = errors.New("dom: portal target must resolve to exactly one element")

	// ErrPortalContent reports portal content without a single
	// id-bearing element root.
	ErrPortalContent = errors.New("dom: portal content must be a single element with a stable id")

	// ErrLocked reports an attempt to lock an already locked subtree.
	ErrLocked = errors.New("dom: subtree already locked")
)

// Mirror indexes one live document under framework control: element
// lookup, lock state, user-entered form values, focus, and the portal
// registry.
type Mirror struct {
	doc *html.Node

	locks     map[string]string // element id -> lock token
	lockSeq   int
	values    map[string]string // element id -> user-entered, unsubmitted value
	focusID   string
	selStart  int
	selEnd    int
	portals   map[string]*portalEntry // portal id -> entry
	hooks     map[string]Hook
	mounted   map[string]string // element id -> hook name currently mounted
	pending   []LifecycleEvent

	mutations         int // bumped on every structural or text change
	pendingFocusCheck bool
}

type portalEntry struct {
	contentID string
	target    string
}

// NewMirror parses a full HTML document and indexes it.
func NewMirror(doc string) (*Mirror, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("dom: parse document: %w", err)
	}
	return &Mirror{
		doc:     root,
		locks:   make(map[string]string),
		values:  make(map[string]string),
		portals: make(map[string]*portalEntry),
		hooks:   make(map[string]Hook),
		mounted: make(map[string]string),
	}, nil
}

// Document returns the live root node.
func (m *Mirror) Document() *html.Node { return m.doc }

// HTML renders the live document back to a string.
func (m *Mirror) HTML() (string, error) {
	var b strings.Builder
	if err := html.Render(&b, m.doc); err != nil {
		return "", err
	}
	return b.String(), nil
}

// RegisterHook binds a named hook implementation. Elements carrying
// lvp-hook with this name fire its lifecycle callbacks.
func (m *Mirror) RegisterHook(name string, h Hook) {
	m.hooks[name] = h
}

// FindByID returns the element with the given id, or nil.
func (m *Mirror) FindByID(id string) *html.Node {
	return findByID(m.doc, id)
}

// SetFocus records that the element with the given id holds document
// focus, with the given selection range.
func (m *Mirror) SetFocus(id string, selStart, selEnd int) {
	m.focusID = id
	m.selStart = selStart
	m.selEnd = selEnd
}

// Focus returns the focused element id and selection range.
func (m *Mirror) Focus() (string, int, int) {
	return m.focusID, m.selStart, m.selEnd
}

// SetValue records a user-entered, not-yet-submitted value for a form
// element. The value lives beside the tree (like a DOM property, not
// an attribute) so patches do not destroy in-flight typing.
func (m *Mirror) SetValue(id, value string) {
	m.values[id] = value
}

// Value returns the effective value of a form element: the
// user-entered value when present, the server-rendered attribute
// otherwise.
func (m *Mirror) Value(id string) string {
	if v, ok := m.values[id]; ok {
		return v
	}
	if el := m.FindByID(id); el != nil {
		return attrValue(el, "value")
	}
	return ""
}

// Lock marks a subtree as awaiting a server round-trip and returns the
// token that unlocks it. While locked, patches apply attributes only.
func (m *Mirror) Lock(id string) (string, error) {
	if _, locked := m.locks[id]; locked {
		return "", fmt.Errorf("%w: %s", ErrLocked, id)
	}
	m.lockSeq++
	token := fmt.Sprintf("lk-%d", m.lockSeq)
	m.locks[id] = token
	return token, nil
}

// Unlock releases every subtree whose lock token matches. Called with
// the token echoed in the envelope answering the locking request,
// before that envelope's patch applies.
func (m *Mirror) Unlock(token string) {
	for id, t := range m.locks {
		if t == token {
			delete(m.locks, id)
		}
	}
}

// Locked reports whether the element id is currently locked.
func (m *Mirror) Locked(id string) bool {
	_, ok := m.locks[id]
	return ok
}

// PortalCount returns the number of live portal registry entries.
func (m *Mirror) PortalCount() int { return len(m.portals) }

// PortalTarget returns the current target selector for a portal id.
func (m *Mirror) PortalTarget(id string) (string, bool) {
	p, ok := m.portals[id]
	if !ok {
		return "", false
	}
	return p.target, true
}

// node helpers

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode && attrValue(n, "id") == id {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// nodeKey returns the reconciliation key of a child in a keyed
// container: data-lvp-key when present, the element id otherwise.
func nodeKey(n *html.Node) string {
	if n.Type != html.ElementNode {
		return ""
	}
	if k := attrValue(n, AttrKey); k != "" {
		return k
	}
	return attrValue(n, "id")
}

// detach removes n from its current parent, if any.
func detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// containsID reports whether the subtree rooted at n contains an
// element with the given id (including n itself).
func containsID(n *html.Node, id string) bool {
	return id != "" && findByID(n, id) != nil
}

// resolveTarget resolves a portal target selector against the live
// document. Only the "#id" form is supported; the selector must match
// exactly one element.
func (m *Mirror) resolveTarget(selector string) (*html.Node, error) {
	if !strings.HasPrefix(selector, "#") || len(selector) < 2 {
		return nil, fmt.Errorf("%w: unsupported selector %q", ErrPortalTarget, selector)
	}
	id := selector[1:]
	var matches []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && attrValue(n, "id") == id {
			matches = append(matches, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(m.doc)
	if len(matches) != 1 {
		return nil, fmt.Errorf("%w: %q matched %d elements", ErrPortalTarget, selector, len(matches))
	}
	return matches[0], nil
}

// parseFragment parses newHTML in the context of the container element.
func parseFragment(container *html.Node, newHTML string) ([]*html.Node, error) {
	ctx := &html.Node{
		Type:     html.ElementNode,
		Data:     container.Data,
		DataAtom: atom.Lookup([]byte(container.Data)),
	}
	nodes, err := html.ParseFragment(strings.NewReader(newHTML), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	for _, n := range nodes {
		detach(n)
	}
	return nodes, nil
}
