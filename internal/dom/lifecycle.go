package dom

import "golang.org/x/net/html"

// LifecycleKind classifies a hook transition.
type LifecycleKind int

const (
	// Mounted fires after a hook-bearing element is attached to the
	// live document.
	Mounted LifecycleKind = iota
	// Updated fires when a hook-bearing element changes without
	// structural replacement.
	Updated
	// Destroyed fires for a hook-bearing element being removed, queued
	// ahead of any mounts from the same patch.
	Destroyed
)

func (k LifecycleKind) String() string {
	switch k {
	case Mounted:
		return "mounted"
	case Updated:
		return "updated"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// LifecycleEvent records one hook transition observed during a patch.
// Events are queued during the walk and flushed strictly after the DOM
// mutation completes, in queue order, so callbacks never run
// mid-mutation and ordering is inspectable in tests.
type LifecycleEvent struct {
	Kind      LifecycleKind
	ElementID string
	Hook      string

	el *html.Node // captured at queue time; still valid after detach
}

// Hook is client-side logic bound to an element's lifecycle.
type Hook interface {
	Mounted(el *html.Node)
	Updated(el *html.Node)
	Destroyed(el *html.Node)
}

// HookFuncs adapts plain functions to the Hook interface; nil fields
// are no-ops.
type HookFuncs struct {
	OnMounted   func(el *html.Node)
	OnUpdated   func(el *html.Node)
	OnDestroyed func(el *html.Node)
}

func (h HookFuncs) Mounted(el *html.Node) {
	if h.OnMounted != nil {
		h.OnMounted(el)
	}
}

func (h HookFuncs) Updated(el *html.Node) {
	if h.OnUpdated != nil {
		h.OnUpdated(el)
	}
}

func (h HookFuncs) Destroyed(el *html.Node) {
	if h.OnDestroyed != nil {
		h.OnDestroyed(el)
	}
}

// queueEvent records a transition for the post-patch flush. Mount and
// destroy transitions also maintain the mounted index so each fires
// exactly once per transition.
func (m *Mirror) queueEvent(kind LifecycleKind, el *html.Node) {
	if el.Type != html.ElementNode || !hasAttr(el, AttrHook) {
		return
	}
	id := attrValue(el, "id")
	name := attrValue(el, AttrHook)
	switch kind {
	case Mounted:
		if m.mounted[id] == name {
			return
		}
		m.mounted[id] = name
	case Destroyed:
		if _, ok := m.mounted[id]; !ok {
			return
		}
		delete(m.mounted, id)
	case Updated:
		if m.mounted[id] != name {
			return
		}
	}
	m.pending = append(m.pending, LifecycleEvent{Kind: kind, ElementID: id, Hook: name, el: el})
}

// queueSubtree queues mount or destroy transitions for every
// hook-bearing element in a subtree, in document order.
func (m *Mirror) queueSubtree(kind LifecycleKind, n *html.Node) {
	if n.Type == html.ElementNode {
		m.queueEvent(kind, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		m.queueSubtree(kind, c)
	}
}

// flush invokes registered hook callbacks for the queued events and
// returns the queue. Runs only after the patch mutation is complete.
func (m *Mirror) flush() []LifecycleEvent {
	events := m.pending
	m.pending = nil
	for _, ev := range events {
		h, ok := m.hooks[ev.Hook]
		if !ok {
			continue
		}
		switch ev.Kind {
		case Mounted:
			h.Mounted(ev.el)
		case Updated:
			h.Updated(ev.el)
		case Destroyed:
			h.Destroyed(ev.el)
		}
	}
	return events
}
