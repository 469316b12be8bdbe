package livepatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livefir/livepatch/internal/rendered"
)

// counterBuilder renders an integer count with an increment button.
var counterBuilder = TreeBuilderFunc(func(data any) (*rendered.Tree, error) {
	n, ok := data.(int)
	if !ok {
		return nil, fmt.Errorf("want int data, got %T", data)
	}
	return rendered.New(
		[]string{`<span id="count">`, `</span><button id="inc">+</button>`},
		[]rendered.Dynamic{rendered.Text(strconv.Itoa(n))})
})

func newCounterApp(t *testing.T) (*Application, *View) {
	t.Helper()
	app, err := NewApplication()
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	app.HandleEvent("inc", func(ctx context.Context, current any, ev Event) (any, error) {
		return current.(int) + 1, nil
	})

	v, err := app.NewView(counterBuilder, 0)
	require.NoError(t, err)
	return app, v
}

// attachRuntime does what a browser does: take the first-paint HTML,
// build the client runtime over it, and apply the mount envelope the
// server sends when the socket joins.
func attachRuntime(t *testing.T, v *View, opts ...RuntimeOption) *Runtime {
	t.Helper()
	ctx := context.Background()

	html, err := v.Render(ctx)
	require.NoError(t, err)

	doc := fmt.Sprintf(`<html><body><div id="app">%s</div></body></html>`, html)
	rt, err := NewRuntime(doc, "app", opts...)
	require.NoError(t, err)

	seed, err := v.MountEnvelope(ctx)
	require.NoError(t, err)
	_, err = rt.Apply(ctx, seed)
	require.NoError(t, err)
	return rt
}

func TestCounterEndToEnd(t *testing.T) {
	ctx := context.Background()
	app, v := newCounterApp(t)
	rt := attachRuntime(t, v)

	page, err := rt.HTML()
	require.NoError(t, err)
	assert.Contains(t, page, `<span id="count">0</span>`)

	// The client locks the button, sends the event, and the answering
	// envelope both unlocks and patches.
	token, err := rt.LockElement("inc")
	require.NoError(t, err)
	assert.True(t, rt.Mirror().Locked("inc"))

	reply, err := v.HandleEvent(ctx, Event{Name: "inc", Lock: token})
	require.NoError(t, err)
	require.NotNil(t, reply, "a locked request must always get a reply")

	_, err = rt.Apply(ctx, reply)
	require.NoError(t, err)
	assert.False(t, rt.Mirror().Locked("inc"))

	page, err = rt.HTML()
	require.NoError(t, err)
	assert.Contains(t, page, `<span id="count">1</span>`)
	assert.Equal(t, 1, v.Data())

	m := app.Metrics()
	assert.Equal(t, int64(1), m.ViewsCreated)
	assert.GreaterOrEqual(t, m.FullRenders, int64(1))
	assert.GreaterOrEqual(t, m.DiffsGenerated, int64(1))
}

func TestLockedNoOpStillReplies(t *testing.T) {
	ctx := context.Background()
	app, v := newCounterApp(t)
	app.HandleEvent("noop", func(ctx context.Context, current any, ev Event) (any, error) {
		return current, nil
	})
	rt := attachRuntime(t, v)

	token, err := rt.LockElement("inc")
	require.NoError(t, err)

	reply, err := v.HandleEvent(ctx, Event{Name: "noop", Lock: token})
	require.NoError(t, err)
	require.NotNil(t, reply, "the lock echo alone keeps the envelope non-empty")

	_, err = rt.Apply(ctx, reply)
	require.NoError(t, err)
	assert.False(t, rt.Mirror().Locked("inc"))
}

func TestServerPushDeliveredAfterPatch(t *testing.T) {
	ctx := context.Background()
	_, v := newCounterApp(t)
	rt := attachRuntime(t, v)

	var got []string
	rt.OnEvent("toast", func(payload any) {
		// The listener observes the document the envelope produced.
		page, err := rt.HTML()
		require.NoError(t, err)
		assert.Contains(t, page, `<span id="count">5</span>`)
		got = append(got, fmt.Sprint(payload))
	})

	require.NoError(t, v.PushEvent(ctx, "toast", "first"))
	require.NoError(t, v.PushEvent(ctx, "toast", "second"))

	reply, err := v.RenderUpdate(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, reply)

	_, err = rt.Apply(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestRenderUpdateNilWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	_, v := newCounterApp(t)

	_, err := v.Render(ctx)
	require.NoError(t, err)

	reply, err := v.RenderUpdate(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, reply, "unchanged data has nothing to send")

	reply, err = v.RenderUpdate(ctx, 3)
	require.NoError(t, err)
	assert.NotNil(t, reply)
}

func TestHandleEventErrors(t *testing.T) {
	ctx := context.Background()
	_, v := newCounterApp(t)

	_, err := v.HandleEvent(ctx, Event{})
	assert.Error(t, err, "event without a name")

	_, err = v.HandleEvent(ctx, Event{Name: "unknown"})
	assert.Error(t, err, "unregistered event")

	_, err = v.HandleEvent(ctx, Event{Name: "inc", Payload: map[string]any{"by": 2}})
	assert.NoError(t, err)
}

func TestResumeTokenFlow(t *testing.T) {
	app, v := newCounterApp(t)

	token, err := v.ResumeToken()
	require.NoError(t, err)

	resumed, err := app.ResumeView(token)
	require.NoError(t, err)
	assert.Equal(t, v.ID(), resumed.ID())

	// Tokens are single-use: the nonce is consumed on first verify.
	_, err = app.ResumeView(token)
	assert.Error(t, err, "replayed token must fail")

	_, err = app.ResumeView("not.a.token")
	assert.Error(t, err)

	m := app.Metrics()
	assert.Equal(t, int64(1), m.TokensIssued)
	assert.Equal(t, int64(1), m.TokensVerified)
	assert.GreaterOrEqual(t, m.TokenFailures, int64(2))
}

func TestViewCloseCascades(t *testing.T) {
	app, v := newCounterApp(t)

	require.Equal(t, 1, app.ViewCount())
	require.NoError(t, v.Close())

	assert.Equal(t, 0, app.ViewCount())
	_, err := app.GetView(v.ID())
	assert.Error(t, err)

	m := app.Metrics()
	assert.Equal(t, int64(1), m.ViewsClosed)
	assert.Equal(t, int64(0), m.ActiveViews)
}

func TestRuntimeDisconnectAndReconnect(t *testing.T) {
	ctx := context.Background()
	_, v := newCounterApp(t)

	down := make(chan struct{})
	up := make(chan struct{})
	rt := attachRuntime(t, v,
		WithPendingTimeout(30*time.Millisecond),
		WithDisconnectedFunc(func() { close(down) }),
		WithReconnectedFunc(func() { close(up) }),
	)

	rt.EventSent()
	select {
	case <-down:
	case <-time.After(time.Second):
		t.Fatal("disconnected callback never fired")
	}
	assert.True(t, rt.Disconnected())

	// A late reply flips the runtime back.
	reply, err := v.RenderUpdate(ctx, 9)
	require.NoError(t, err)
	_, err = rt.Apply(ctx, reply)
	require.NoError(t, err)

	select {
	case <-up:
	case <-time.After(time.Second):
		t.Fatal("reconnected callback never fired")
	}
	assert.False(t, rt.Disconnected())
}

func TestNewViewRequiresBuilder(t *testing.T) {
	app, err := NewApplication()
	require.NoError(t, err)
	defer app.Close()

	_, err = app.NewView(nil, 0)
	assert.Error(t, err)
}

func TestApplicationMemoryBudget(t *testing.T) {
	app, err := NewApplication(WithMaxMemoryMB(1))
	require.NoError(t, err)
	defer app.Close()

	var views []*View
	for {
		v, err := app.NewView(counterBuilder, 0)
		if err != nil {
			require.Contains(t, err.Error(), "exceeds budget")
			break
		}
		views = append(views, v)
		require.Less(t, len(views), 100, "budget never enforced")
	}
	// 1 MB / 64 KiB per view.
	assert.Len(t, views, 16)

	require.NoError(t, views[0].Close())
	_, err = app.NewView(counterBuilder, 0)
	assert.NoError(t, err, "released budget is reusable")
}

func TestRuntimeRejectsMissingContainer(t *testing.T) {
	_, err := NewRuntime(`<html><body></body></html>`, "app")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "container"))
}
