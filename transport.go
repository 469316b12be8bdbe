package livepatch

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const sessionCookie = "livepatch_session"

// Connection is one live websocket attached to a view. A view can have
// several connections (multiple tabs share a session group) and a user
// can have several views (multiple devices).
type Connection struct {
	Conn    *websocket.Conn
	GroupID string // session group, usually the view id
	UserID  string // "" for anonymous
	ViewID  string

	mu sync.Mutex // serializes writes to Conn
}

// Send writes one message to the connection. Safe for concurrent use.
func (c *Connection) Send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// ConnectionRegistry indexes live connections by session group and by
// user, so updates can fan out to all tabs of a session or all devices
// of a user.
type ConnectionRegistry struct {
	byGroup map[string][]*Connection
	byUser  map[string][]*Connection
	mu      sync.RWMutex
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byGroup: make(map[string][]*Connection),
		byUser:  make(map[string][]*Connection),
	}
}

// Register adds a connection to both indexes.
func (r *ConnectionRegistry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byGroup[conn.GroupID] = append(r.byGroup[conn.GroupID], conn)
	r.byUser[conn.UserID] = append(r.byUser[conn.UserID], conn)
}

// Unregister removes a connection from both indexes. Idempotent.
func (r *ConnectionRegistry) Unregister(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byGroup[conn.GroupID] = without(r.byGroup[conn.GroupID], conn)
	if len(r.byGroup[conn.GroupID]) == 0 {
		delete(r.byGroup, conn.GroupID)
	}
	r.byUser[conn.UserID] = without(r.byUser[conn.UserID], conn)
	if len(r.byUser[conn.UserID]) == 0 {
		delete(r.byUser, conn.UserID)
	}
}

// ByGroup returns a copy of the connections in one session group.
func (r *ConnectionRegistry) ByGroup(groupID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Connection{}, r.byGroup[groupID]...)
}

// ByUser returns a copy of the connections of one user.
func (r *ConnectionRegistry) ByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Connection{}, r.byUser[userID]...)
}

// All returns every live connection.
func (r *ConnectionRegistry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, conns := range r.byGroup {
		out = append(out, conns...)
	}
	return out
}

// Count returns the total number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.byGroup {
		n += len(conns)
	}
	return n
}

// GroupCount returns the number of session groups.
func (r *ConnectionRegistry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byGroup)
}

// Broadcast sends data to every connection in a session group.
func (r *ConnectionRegistry) Broadcast(groupID string, data []byte) {
	for _, conn := range r.ByGroup(groupID) {
		if err := conn.Send(websocket.TextMessage, data); err != nil {
			log.Printf("livepatch: broadcast to group %s: %v", groupID, err)
		}
	}
}

func without(conns []*Connection, target *Connection) []*Connection {
	out := conns[:0]
	for _, c := range conns {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// ServeHTTP renders a view's full HTML and binds the browser to it
// with a session cookie.
func (a *Application) ServeHTTP(w http.ResponseWriter, r *http.Request, v *View, userID string) error {
	sess, err := a.sessions.Create(a.id, v.ID(), userID)
	if err != nil {
		return fmt.Errorf("livepatch: create session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	html, err := v.Render(r.Context())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html")
	_, err = w.Write([]byte(html))
	return err
}

// viewFromRequest resolves the view bound to the request's session
// cookie.
func (a *Application) viewFromRequest(r *http.Request) (*View, *Session, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, nil, fmt.Errorf("livepatch: no session cookie: %w", err)
	}
	sess, ok := a.sessions.Get(cookie.Value)
	if !ok {
		return nil, nil, fmt.Errorf("livepatch: invalid or expired session")
	}
	v, err := a.GetView(sess.ViewID)
	if err != nil {
		return nil, nil, err
	}
	return v, sess, nil
}

// ServeWebSocket returns a handler that attaches the socket to the
// session's view and pumps events through it. Messages on one socket
// are processed in read order; the view's mailbox keeps renders from
// distinct sockets serialized.
func (a *Application) ServeWebSocket() http.HandlerFunc {
	upgrader := &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		v, sess, err := a.viewFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &Connection{
			Conn:    ws,
			GroupID: sess.ViewID,
			UserID:  sess.UserID,
			ViewID:  sess.ViewID,
		}
		a.conns.Register(conn)
		defer func() {
			a.conns.Unregister(conn)
			_ = ws.Close()
		}()

		// Seed the new tab's retained mirror with a full envelope;
		// later diffs assume the client holds this state.
		seed, err := v.MountEnvelope(r.Context())
		if err != nil {
			log.Printf("livepatch: mount view %s: %v", sess.ViewID, err)
			return
		}
		if err := conn.Send(websocket.TextMessage, seed); err != nil {
			return
		}

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				log.Printf("livepatch: malformed event: %v", err)
				continue
			}
			reply, err := v.HandleEvent(r.Context(), ev)
			if err != nil {
				log.Printf("livepatch: event %q: %v", ev.Name, err)
				continue
			}
			if reply == nil {
				continue
			}
			// Fan out to every tab in the session group so all mirrors
			// stay in step.
			a.conns.Broadcast(sess.ViewID, reply)
		}
	}
}
