package dom

import (
	"fmt"

	"golang.org/x/net/html"
)

// Portals physically relocate rendered content to a different point in
// the live document. The source element stays in template position as
// an empty placeholder; its single id-bearing child is moved to the
// element matched by the target selector. The registry tracks which
// content belongs to which portal so that removing the source (or any
// ancestor of it) removes the teleported content too.

// adoptPortals teleports every portal source found in a freshly
// attached subtree. Skip-flagged content is left in place.
func (m *Mirror) adoptPortals(n *html.Node) error {
	if n.Type == html.ElementNode && hasAttr(n, AttrPortal) {
		if err := m.teleport(n); err != nil {
			return err
		}
		// Teleported content is out of this subtree now; nothing
		// below the source remains to scan.
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := m.adoptPortals(c); err != nil {
			return err
		}
	}
	return nil
}

// teleport moves the portal's content to its declared target and
// registers the relocation.
func (m *Mirror) teleport(source *html.Node) error {
	portalID := attrValue(source, "id")
	if portalID == "" {
		return fmt.Errorf("%w: portal source has no id", ErrPortalContent)
	}
	content, err := portalContent(source)
	if err != nil {
		return err
	}
	if hasAttr(content, AttrSkip) {
		return nil
	}
	target, err := m.resolveTarget(attrValue(source, AttrPortal))
	if err != nil {
		return err
	}
	detach(content)
	target.AppendChild(content)
	m.mutations++
	m.portals[portalID] = &portalEntry{
		contentID: attrValue(content, "id"),
		target:    attrValue(source, AttrPortal),
	}
	return nil
}

// portalContent validates and returns the single element root of a
// portal source, which must carry a stable id.
func portalContent(source *html.Node) (*html.Node, error) {
	var root *html.Node
	for c := source.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if root != nil {
				return nil, fmt.Errorf("%w: multiple element roots", ErrPortalContent)
			}
			root = c
		}
	}
	if root == nil {
		return nil, fmt.Errorf("%w: no element root", ErrPortalContent)
	}
	if attrValue(root, "id") == "" {
		return nil, fmt.Errorf("%w: root has no id", ErrPortalContent)
	}
	return root, nil
}

// morphPortal patches an already-registered portal source: the
// teleported copy, not the in-place placeholder, is the node that gets
// diffed. A changed target selector moves (never recreates) the
// teleported content.
func (m *Mirror) morphPortal(old, want *html.Node) error {
	portalID := attrValue(old, "id")
	m.patchAttributes(old, want)

	entry, registered := m.portals[portalID]
	if !registered {
		content, err := portalContent(want)
		if err != nil {
			return err
		}
		if hasAttr(content, AttrSkip) {
			// Skip-flagged content never teleports, so it never
			// registers. It stays in template position and patches like
			// ordinary children.
			var desired []*html.Node
			for c := want.FirstChild; c != nil; {
				next := c.NextSibling
				detach(c)
				desired = append(desired, c)
				c = next
			}
			return m.morphChildren(old, desired)
		}
		// First sight of this portal on an element that already
		// existed: replace whatever it held and move the new content
		// out.
		for c := old.FirstChild; c != nil; {
			next := c.NextSibling
			m.removeNode(c)
			c = next
		}
		for c := want.FirstChild; c != nil; {
			next := c.NextSibling
			detach(c)
			old.AppendChild(c)
			c = next
		}
		return m.teleport(old)
	}

	wantContent, err := portalContent(want)
	if err != nil {
		return err
	}
	if hasAttr(wantContent, AttrSkip) {
		return nil
	}

	teleported := m.FindByID(entry.contentID)
	if teleported == nil {
		return fmt.Errorf("%w: teleported content %q vanished", ErrPortalContent, entry.contentID)
	}

	if sel := attrValue(want, AttrPortal); sel != entry.target {
		target, err := m.resolveTarget(sel)
		if err != nil {
			return err
		}
		detach(teleported)
		target.AppendChild(teleported)
		m.mutations++
		entry.target = sel
	}

	if !compatible(teleported, wantContent) {
		if err := m.replaceNode(teleported, wantContent); err != nil {
			return err
		}
		entry.contentID = attrValue(wantContent, "id")
		return nil
	}
	if err := m.morphNode(teleported, wantContent); err != nil {
		return err
	}
	entry.contentID = attrValue(teleported, "id")
	return nil
}

// removePortalsIn tears down every portal whose source lives in the
// subtree about to be removed: the teleported content is destroyed and
// its registry entry dropped.
func (m *Mirror) removePortalsIn(n *html.Node) {
	if n.Type == html.ElementNode && hasAttr(n, AttrPortal) {
		portalID := attrValue(n, "id")
		if entry, ok := m.portals[portalID]; ok {
			if teleported := m.FindByID(entry.contentID); teleported != nil {
				m.queueSubtree(Destroyed, teleported)
				detach(teleported)
				m.mutations++
			}
			delete(m.portals, portalID)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		m.removePortalsIn(c)
	}
}
