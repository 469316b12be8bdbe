package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Patch morphs the children of the container element into the freshly
// materialized fragment, applying the minimal insert/move/update/remove
// operations. Lifecycle callbacks fire after the mutation completes;
// the returned events are in callback order.
func (m *Mirror) Patch(containerID, newHTML string) ([]LifecycleEvent, error) {
	container := m.FindByID(containerID)
	if container == nil {
		return nil, fmt.Errorf("dom: container %q not found", containerID)
	}
	fresh, err := parseFragment(container, newHTML)
	if err != nil {
		return nil, err
	}
	if err := m.morphChildren(container, fresh); err != nil {
		// The queue is dropped: a failed patch surfaces as a render
		// failure, not as half-delivered callbacks.
		m.pending = nil
		return nil, err
	}
	m.restoreFocus()
	return m.flush(), nil
}

// morphChildren reconciles the child list of old against the desired
// children. Keyed containers match children by key; everything else is
// positional.
func (m *Mirror) morphChildren(oldParent *html.Node, desired []*html.Node) error {
	if hasAttr(oldParent, AttrKeyed) {
		return m.morphKeyedChildren(oldParent, desired)
	}

	oldChild := oldParent.FirstChild
	for _, want := range desired {
		if oldChild == nil {
			if err := m.insertBefore(oldParent, want, nil); err != nil {
				return err
			}
			continue
		}
		next := oldChild.NextSibling
		if compatible(oldChild, want) {
			if err := m.morphNode(oldChild, want); err != nil {
				return err
			}
		} else {
			if err := m.replaceNode(oldChild, want); err != nil {
				return err
			}
		}
		oldChild = next
	}
	// Remove trailing children the new render no longer produces.
	for oldChild != nil {
		next := oldChild.NextSibling
		m.removeNode(oldChild)
		oldChild = next
	}
	return nil
}

// morphKeyedChildren reconciles by key: same key is kept (moved when
// its position changed), new keys insert, and absent keys remove.
// Whitespace between rows is not reconciled.
func (m *Mirror) morphKeyedChildren(oldParent *html.Node, desired []*html.Node) error {
	for c := oldParent.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type != html.ElementNode {
			oldParent.RemoveChild(c)
		}
		c = next
	}

	oldByKey := make(map[string]*html.Node)
	for c := oldParent.FirstChild; c != nil; c = c.NextSibling {
		if key := nodeKey(c); key != "" {
			oldByKey[key] = c
		}
	}

	seen := make(map[string]bool)
	cursor := oldParent.FirstChild
	for _, want := range desired {
		if want.Type != html.ElementNode {
			continue
		}
		key := nodeKey(want)
		existing := oldByKey[key]
		if key == "" || existing == nil {
			if err := m.insertBefore(oldParent, want, cursor); err != nil {
				return err
			}
			continue
		}
		seen[key] = true
		if existing != cursor {
			// Move: physically relocate the kept node, preserving its
			// identity (hooks, form state, focus survive).
			detach(existing)
			if cursor != nil {
				oldParent.InsertBefore(existing, cursor)
			} else {
				oldParent.AppendChild(existing)
			}
			m.mutations++
		} else {
			cursor = cursor.NextSibling
		}
		if err := m.morphNode(existing, want); err != nil {
			return err
		}
	}

	for key, node := range oldByKey {
		if !seen[key] {
			m.removeNode(node)
		}
	}
	return nil
}

// compatible reports whether old can be patched in place into want.
func compatible(old, want *html.Node) bool {
	if old.Type != want.Type {
		return false
	}
	if old.Type == html.ElementNode && old.Data != want.Data {
		return false
	}
	return true
}

// morphNode patches a single kept node. Pre-steps run the special
// cases (portal, ignore, lock) before the generic attribute and child
// patching.
func (m *Mirror) morphNode(old, want *html.Node) error {
	if old.Type == html.TextNode || old.Type == html.CommentNode {
		if old.Data != want.Data {
			old.Data = want.Data
			m.mutations++
		}
		return nil
	}
	if old.Type != html.ElementNode {
		return nil
	}

	if hasAttr(want, AttrPortal) {
		return m.morphPortal(old, want)
	}

	id := attrValue(old, "id")
	attrsChanged := m.patchAttributes(old, want)

	if m.Locked(id) {
		// A pending user round-trip owns this subtree: attribute-only
		// patching until the matching diff unlocks it.
		if attrsChanged {
			m.queueEvent(Updated, old)
		}
		return nil
	}

	if hasAttr(want, AttrIgnore) {
		// External JS owns the visual subtree; only data-* config is
		// merged so the library can read fresh server state.
		mergeDataAttributes(old, want)
		if attrsChanged {
			m.queueEvent(Updated, old)
		}
		return nil
	}

	if isTextEntry(old) {
		if _, dirty := m.values[id]; dirty {
			// In-flight typing: never clobber the element's content.
			if attrsChanged {
				m.queueEvent(Updated, old)
			}
			return nil
		}
	}

	var desired []*html.Node
	for c := want.FirstChild; c != nil; {
		next := c.NextSibling
		detach(c)
		desired = append(desired, c)
		c = next
	}
	before := m.mutations
	if err := m.morphChildren(old, desired); err != nil {
		return err
	}
	if attrsChanged || m.mutations != before {
		m.queueEvent(Updated, old)
	}
	return nil
}

// patchAttributes syncs attributes from the server render onto the
// live element. Form value attributes follow the preservation rule: a
// changed server value is authoritative and clears any user-entered
// value for the element; an unchanged one leaves user input alone.
func (m *Mirror) patchAttributes(old, want *html.Node) bool {
	changed := false
	id := attrValue(old, "id")

	wantKeys := make(map[string]bool, len(want.Attr))
	for _, a := range want.Attr {
		wantKeys[a.Key] = true
		cur := attrValue(old, a.Key)
		if cur == a.Val && hasAttr(old, a.Key) {
			continue
		}
		if isValueAttr(old, a.Key) && cur != a.Val {
			// Authoritative server reset.
			delete(m.values, id)
		}
		setAttr(old, a.Key, a.Val)
		changed = true
	}
	for _, a := range append([]html.Attribute(nil), old.Attr...) {
		if !wantKeys[a.Key] {
			if isValueAttr(old, a.Key) {
				delete(m.values, id)
			}
			removeAttr(old, a.Key)
			changed = true
		}
	}
	if changed {
		m.mutations++
	}
	return changed
}

func isValueAttr(n *html.Node, key string) bool {
	if key != "value" && key != "checked" && key != "selected" {
		return false
	}
	switch n.Data {
	case "input", "textarea", "select", "option":
		return true
	}
	return false
}

// isTextEntry reports whether the element's user-visible value lives
// in its children (textarea) rather than an attribute.
func isTextEntry(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "textarea"
}

// mergeDataAttributes overwrites data-* attributes from the new render
// without touching anything else on an ignore-flagged element.
func mergeDataAttributes(old, want *html.Node) {
	for _, a := range want.Attr {
		if strings.HasPrefix(a.Key, "data-") {
			setAttr(old, a.Key, a.Val)
		}
	}
}

// replaceNode swaps old for want: destroys queue first, then the
// mutation, then mounts.
func (m *Mirror) replaceNode(old, want *html.Node) error {
	m.cleanupSubtree(old)
	parent := old.Parent
	detach(want)
	parent.InsertBefore(want, old)
	parent.RemoveChild(old)
	m.mutations++
	if err := m.adoptPortals(want); err != nil {
		return err
	}
	m.queueSubtree(Mounted, want)
	return nil
}

// insertBefore attaches a new node (ref nil appends) and queues mounts.
func (m *Mirror) insertBefore(parent, want, ref *html.Node) error {
	detach(want)
	if ref != nil {
		parent.InsertBefore(want, ref)
	} else {
		parent.AppendChild(want)
	}
	m.mutations++
	if err := m.adoptPortals(want); err != nil {
		return err
	}
	m.queueSubtree(Mounted, want)
	return nil
}

// removeNode detaches old, cascading portal teardown and destroy
// events for every hook in the subtree.
func (m *Mirror) removeNode(old *html.Node) {
	m.cleanupSubtree(old)
	detach(old)
	m.mutations++
}

// cleanupSubtree queues destroys and removes teleported portal content
// owned by any portal source inside the subtree. Runs before the
// subtree itself detaches so ancestor removal cascades.
func (m *Mirror) cleanupSubtree(n *html.Node) {
	m.queueSubtree(Destroyed, n)
	m.removePortalsIn(n)
	if containsID(n, m.focusID) {
		m.pendingFocusCheck = true
	}
	m.forgetValues(n)
}

func (m *Mirror) forgetValues(n *html.Node) {
	if n.Type == html.ElementNode {
		if id := attrValue(n, "id"); id != "" {
			delete(m.values, id)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		m.forgetValues(c)
	}
}

// restoreFocus re-points focus at the equivalent post-patch element,
// or clears it when the element did not survive the patch.
func (m *Mirror) restoreFocus() {
	if !m.pendingFocusCheck {
		return
	}
	m.pendingFocusCheck = false
	if m.focusID == "" {
		return
	}
	if m.FindByID(m.focusID) == nil {
		m.focusID = ""
		m.selStart, m.selEnd = 0, 0
	}
}
