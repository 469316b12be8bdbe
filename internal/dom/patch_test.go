package dom

import (
	"errors"
	"strings"
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/net/html"
)

func newMirror(t *testing.T, body string) *Mirror {
	t.Helper()
	m, err := NewMirror(body)
	if err != nil {
		t.Fatalf("NewMirror: %v", err)
	}
	return m
}

func mustPatch(t *testing.T, m *Mirror, containerID, newHTML string) []LifecycleEvent {
	t.Helper()
	events, err := m.Patch(containerID, newHTML)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	return events
}

func innerHTML(t *testing.T, m *Mirror, id string) string {
	t.Helper()
	el := m.FindByID(id)
	if el == nil {
		t.Fatalf("element %q not found", id)
	}
	var b strings.Builder
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			t.Fatalf("Render: %v", err)
		}
	}
	return b.String()
}

func assertInner(t *testing.T, m *Mirror, id, want string) {
	t.Helper()
	got := innerHTML(t, m, id)
	if got != want {
		dmp := diffmatchpatch.New()
		t.Errorf("innerHTML(%s) mismatch:\n%s", id,
			dmp.DiffPrettyText(dmp.DiffMain(want, got, false)))
	}
}

func TestPatchPositionalMorph(t *testing.T) {
	m := newMirror(t, `<div id="root"><p id="a">one</p></div>`)
	before := m.FindByID("a")

	mustPatch(t, m, "root", `<p id="a">two</p><span>extra</span>`)
	assertInner(t, m, "root", `<p id="a">two</p><span>extra</span>`)
	if m.FindByID("a") != before {
		t.Error("compatible element should be patched in place, not replaced")
	}

	mustPatch(t, m, "root", `<p id="a">two</p>`)
	assertInner(t, m, "root", `<p id="a">two</p>`)
}

func TestPatchReplacesIncompatible(t *testing.T) {
	m := newMirror(t, `<div id="root"><p id="x">text</p></div>`)
	before := m.FindByID("x")

	mustPatch(t, m, "root", `<div id="x">text</div>`)
	if m.FindByID("x") == before {
		t.Error("tag change must replace the node")
	}
	assertInner(t, m, "root", `<div id="x">text</div>`)
}

func TestKeyedReorderPreservesIdentity(t *testing.T) {
	m := newMirror(t, `<div id="root"><ul id="list" lvp-keyed>`+
		`<li data-lvp-key="a">ant</li>`+
		`<li data-lvp-key="b">bee</li>`+
		`<li data-lvp-key="c">cat</li>`+
		`</ul></div>`)

	byKey := func(key string) *html.Node {
		list := m.FindByID("list")
		for c := list.FirstChild; c != nil; c = c.NextSibling {
			if nodeKey(c) == key {
				return c
			}
		}
		return nil
	}
	a, b, c := byKey("a"), byKey("b"), byKey("c")

	mustPatch(t, m, "list",
		`<li data-lvp-key="c">cat</li>`+
			`<li data-lvp-key="a">ant</li>`+
			`<li data-lvp-key="b">wasp</li>`)

	assertInner(t, m, "list",
		`<li data-lvp-key="c">cat</li><li data-lvp-key="a">ant</li><li data-lvp-key="b">wasp</li>`)
	if byKey("a") != a || byKey("b") != b || byKey("c") != c {
		t.Error("keyed reorder must move nodes, not recreate them")
	}

	// Remove a key and insert a new one in its place.
	mustPatch(t, m, "list",
		`<li data-lvp-key="c">cat</li>`+
			`<li data-lvp-key="d">dog</li>`)
	assertInner(t, m, "list",
		`<li data-lvp-key="c">cat</li><li data-lvp-key="d">dog</li>`)
	if byKey("c") != c {
		t.Error("surviving key lost identity")
	}
	if byKey("a") != nil || byKey("b") != nil {
		t.Error("removed keys still present")
	}
}

func TestIgnoreMergesDataAttributesOnly(t *testing.T) {
	m := newMirror(t,
		`<div id="root"><div id="w" lvp-ignore data-cfg="1" class="old"><canvas id="chart"></canvas></div></div>`)
	canvas := m.FindByID("chart")

	mustPatch(t, m, "root",
		`<div id="w" lvp-ignore data-cfg="2" class="new"><span>server thinks different</span></div>`)

	w := m.FindByID("w")
	if attrValue(w, "data-cfg") != "2" {
		t.Errorf("data-cfg = %q, want 2", attrValue(w, "data-cfg"))
	}
	if m.FindByID("chart") != canvas {
		t.Error("ignored subtree children must not be patched")
	}
	assertInner(t, m, "w", `<canvas id="chart"></canvas>`)
}

func TestLockAttributeOnlyUntilUnlock(t *testing.T) {
	m := newMirror(t, `<div id="root"><div id="panel" class="v1"><span>old</span></div></div>`)

	token, err := m.Lock("panel")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if token != "lk-1" {
		t.Errorf("token = %q, want lk-1", token)
	}
	if _, err := m.Lock("panel"); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock = %v, want ErrLocked", err)
	}

	mustPatch(t, m, "root", `<div id="panel" class="v2"><span>new</span></div>`)
	if got := attrValue(m.FindByID("panel"), "class"); got != "v2" {
		t.Errorf("class = %q, attributes must patch through a lock", got)
	}
	assertInner(t, m, "panel", `<span>old</span>`)

	m.Unlock(token)
	if m.Locked("panel") {
		t.Fatal("Unlock did not release the subtree")
	}
	mustPatch(t, m, "root", `<div id="panel" class="v2"><span>new</span></div>`)
	assertInner(t, m, "panel", `<span>new</span>`)
}

func TestFormValuePreservation(t *testing.T) {
	m := newMirror(t, `<div id="root"><input id="email" value="server"></div>`)

	m.SetValue("email", "typing@in.flight")
	if got := m.Value("email"); got != "typing@in.flight" {
		t.Fatalf("Value = %q", got)
	}

	// Server re-render with the same value attribute leaves input alone.
	mustPatch(t, m, "root", `<input id="email" value="server">`)
	if got := m.Value("email"); got != "typing@in.flight" {
		t.Errorf("unchanged server value clobbered user input: %q", got)
	}

	// A changed server value is an authoritative reset.
	mustPatch(t, m, "root", `<input id="email" value="reset">`)
	if got := m.Value("email"); got != "reset" {
		t.Errorf("Value after reset = %q, want reset", got)
	}
}

func TestTextareaDirtySkipsChildren(t *testing.T) {
	m := newMirror(t, `<div id="root"><textarea id="note">draft</textarea></div>`)

	m.SetValue("note", "user is typing")
	mustPatch(t, m, "root", `<textarea id="note">server version</textarea>`)
	assertInner(t, m, "note", "draft")

	// Removing the element forgets its in-flight value, so a later
	// render owns the content again.
	mustPatch(t, m, "root", "")
	mustPatch(t, m, "root", `<textarea id="note">server version</textarea>`)
	assertInner(t, m, "note", "server version")
	if got := m.Value("note"); got != "" {
		t.Errorf("Value after removal = %q, want empty", got)
	}
}

func TestFocusSurvivesAndClears(t *testing.T) {
	m := newMirror(t, `<div id="root"><input id="q" value=""><p id="hint">hi</p></div>`)

	m.SetFocus("q", 2, 5)
	mustPatch(t, m, "root", `<input id="q" value=""><p id="hint">bye</p>`)
	if id, start, end := m.Focus(); id != "q" || start != 2 || end != 5 {
		t.Errorf("focus = (%s, %d, %d), want (q, 2, 5)", id, start, end)
	}

	mustPatch(t, m, "root", `<p id="hint">gone</p>`)
	if id, _, _ := m.Focus(); id != "" {
		t.Errorf("focus = %q after focused element removed, want cleared", id)
	}
}

func TestPortalTeleportAndUpdate(t *testing.T) {
	m := newMirror(t, `<div id="root"></div><div id="overlay"></div><div id="overlay2"></div>`)

	mustPatch(t, m, "root",
		`<div id="modal-src" lvp-portal="#overlay"><div id="modal">hello</div></div>`)
	assertInner(t, m, "overlay", `<div id="modal">hello</div>`)
	assertInner(t, m, "modal-src", "")
	if m.PortalCount() != 1 {
		t.Fatalf("PortalCount = %d, want 1", m.PortalCount())
	}

	// Content update patches the teleported copy in place.
	modal := m.FindByID("modal")
	mustPatch(t, m, "root",
		`<div id="modal-src" lvp-portal="#overlay"><div id="modal">updated</div></div>`)
	assertInner(t, m, "overlay", `<div id="modal">updated</div>`)
	if m.FindByID("modal") != modal {
		t.Error("portal content update must not recreate the node")
	}

	// Target change moves the same node.
	mustPatch(t, m, "root",
		`<div id="modal-src" lvp-portal="#overlay2"><div id="modal">updated</div></div>`)
	assertInner(t, m, "overlay", "")
	assertInner(t, m, "overlay2", `<div id="modal">updated</div>`)
	if m.FindByID("modal") != modal {
		t.Error("retarget must move, never recreate")
	}
	if sel, _ := m.PortalTarget("modal-src"); sel != "#overlay2" {
		t.Errorf("PortalTarget = %q, want #overlay2", sel)
	}

	// Removing the source tears down the teleported content.
	mustPatch(t, m, "root", "")
	assertInner(t, m, "overlay2", "")
	if m.PortalCount() != 0 {
		t.Errorf("PortalCount = %d after removal, want 0", m.PortalCount())
	}
}

func TestPortalErrors(t *testing.T) {
	m := newMirror(t, `<div id="root"></div><div id="overlay"></div>`)

	_, err := m.Patch("root",
		`<div id="p1" lvp-portal="#missing"><div id="c1">x</div></div>`)
	if !errors.Is(err, ErrPortalTarget) {
		t.Errorf("missing target = %v, want ErrPortalTarget", err)
	}

	_, err = m.Patch("root",
		`<div id="p2" lvp-portal="#overlay"><div>no id</div></div>`)
	if !errors.Is(err, ErrPortalContent) {
		t.Errorf("id-less content = %v, want ErrPortalContent", err)
	}

	_, err = m.Patch("root",
		`<div id="p3" lvp-portal="#overlay"><div id="a">x</div><div id="b">y</div></div>`)
	if !errors.Is(err, ErrPortalContent) {
		t.Errorf("multi-root content = %v, want ErrPortalContent", err)
	}
}

func TestPortalSkipStaysInPlace(t *testing.T) {
	m := newMirror(t, `<div id="root"></div><div id="overlay"></div>`)

	mustPatch(t, m, "root",
		`<div id="src" lvp-portal="#overlay"><div id="kept" lvp-skip>local</div></div>`)
	assertInner(t, m, "overlay", "")
	if m.FindByID("kept") == nil {
		t.Fatal("skip-flagged content should remain under the source")
	}
	if m.PortalCount() != 0 {
		t.Errorf("PortalCount = %d, want 0 for skipped content", m.PortalCount())
	}

	// Re-renders of a skip portal patch in place: an identical one is a
	// no-op, a changed one morphs without duplicating the content.
	kept := m.FindByID("kept")
	mustPatch(t, m, "root",
		`<div id="src" lvp-portal="#overlay"><div id="kept" lvp-skip>local</div></div>`)
	assertInner(t, m, "src", `<div id="kept" lvp-skip="">local</div>`)

	mustPatch(t, m, "root",
		`<div id="src" lvp-portal="#overlay"><div id="kept" lvp-skip>changed</div></div>`)
	assertInner(t, m, "src", `<div id="kept" lvp-skip="">changed</div>`)
	assertInner(t, m, "overlay", "")
	if m.FindByID("kept") != kept {
		t.Error("skip portal re-render must not recreate the content")
	}
	if m.PortalCount() != 0 {
		t.Errorf("PortalCount = %d after re-renders, want 0", m.PortalCount())
	}
}

func TestPortalAdoptedOnExistingElement(t *testing.T) {
	m := newMirror(t, `<div id="root"></div><div id="overlay"></div>`)

	mustPatch(t, m, "root", `<div id="src"><div id="modal">plain</div></div>`)
	assertInner(t, m, "src", `<div id="modal">plain</div>`)

	// The portal attribute appears on a later render; the element's old
	// children are replaced, not kept beside the teleported content.
	mustPatch(t, m, "root",
		`<div id="src" lvp-portal="#overlay"><div id="modal">moved</div></div>`)
	assertInner(t, m, "src", "")
	assertInner(t, m, "overlay", `<div id="modal">moved</div>`)
	if m.PortalCount() != 1 {
		t.Fatalf("PortalCount = %d, want 1", m.PortalCount())
	}

	mustPatch(t, m, "root",
		`<div id="src" lvp-portal="#overlay"><div id="modal">moved again</div></div>`)
	assertInner(t, m, "overlay", `<div id="modal">moved again</div>`)
}

func TestLifecycleOrderAndExactlyOnce(t *testing.T) {
	m := newMirror(t, `<div id="root"></div>`)

	var calls []string
	m.RegisterHook("tracker", HookFuncs{
		OnMounted:   func(el *html.Node) { calls = append(calls, "mounted:"+attrValue(el, "id")) },
		OnUpdated:   func(el *html.Node) { calls = append(calls, "updated:"+attrValue(el, "id")) },
		OnDestroyed: func(el *html.Node) { calls = append(calls, "destroyed:"+attrValue(el, "id")) },
	})

	events := mustPatch(t, m, "root", `<div id="h1" lvp-hook="tracker">x</div>`)
	if len(events) != 1 || events[0].Kind != Mounted || events[0].ElementID != "h1" {
		t.Fatalf("initial events = %+v, want one mount of h1", events)
	}

	// Content change on a mounted element fires Updated.
	events = mustPatch(t, m, "root", `<div id="h1" lvp-hook="tracker">y</div>`)
	if len(events) != 1 || events[0].Kind != Updated {
		t.Fatalf("update events = %+v, want one update", events)
	}

	// Identical render fires nothing.
	if events = mustPatch(t, m, "root", `<div id="h1" lvp-hook="tracker">y</div>`); len(events) != 0 {
		t.Fatalf("no-op patch produced events: %+v", events)
	}

	// Structural replacement destroys the old element before the new one
	// mounts, within the same flush.
	events = mustPatch(t, m, "root", `<span id="h2" lvp-hook="tracker">z</span>`)
	if len(events) != 2 || events[0].Kind != Destroyed || events[1].Kind != Mounted {
		t.Fatalf("replace events = %+v, want destroy then mount", events)
	}

	mustPatch(t, m, "root", "")

	want := []string{
		"mounted:h1", "updated:h1",
		"destroyed:h1", "mounted:h2",
		"destroyed:h2",
	}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("hook calls = %v, want %v", calls, want)
	}
}
