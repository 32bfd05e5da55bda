// Package transport bridges Socket.IO clients to the terminal hub and
// the JSON state stores. Each live session has one room; PTY output is
// broadcast once per room regardless of how many viewers are attached.
package transport

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	eiotransport "github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"

	"github.com/termtunnel/termtunnel/internal/store"
	"github.com/termtunnel/termtunnel/internal/terminal"
)

// clientState travels in the socket's context for the lifetime of one
// connection.
type clientState struct {
	limiter *terminal.RateLimiter
}

// Adapter owns the Socket.IO server and the connection registry. It
// implements terminal.Emitter.
type Adapter struct {
	server *socketio.Server
	hub    *terminal.Hub

	tabs      *store.Tabs
	favorites *store.Collection
	commands  *store.Collection

	token string

	mu    sync.Mutex
	conns map[string]socketio.Conn
}

// New builds the Socket.IO server (engine.io polling + websocket, both
// origin-permissive: the daemon binds loopback and remote access goes
// through the tunnel) and wires every event into the hub and stores.
func New(hub *terminal.Hub, tabs *store.Tabs, favorites, commands *store.Collection, token string) *Adapter {
	allowOrigin := func(r *http.Request) bool { return true }

	server := socketio.NewServer(&engineio.Options{
		Transports: []eiotransport.Transport{
			&polling.Transport{CheckOrigin: allowOrigin},
			&websocket.Transport{CheckOrigin: allowOrigin},
		},
	})

	a := &Adapter{
		server:    server,
		hub:       hub,
		tabs:      tabs,
		favorites: favorites,
		commands:  commands,
		token:     token,
		conns:     make(map[string]socketio.Conn),
	}
	a.register()
	hub.SetEmitter(a)
	return a
}

// ServeHTTP mounts the Socket.IO endpoint (under /socket.io/).
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.server.ServeHTTP(w, r)
}

// Run drives the engine.io accept loop. Blocks until Close.
func (a *Adapter) Run() error {
	return a.server.Serve()
}

// Close shuts the Socket.IO server down.
func (a *Adapter) Close() error {
	return a.server.Close()
}

func (a *Adapter) register() {
	a.server.OnConnect("/", func(s socketio.Conn) error {
		if err := a.authorize(s); err != nil {
			log.Printf("[transport] client %s rejected: %v", s.ID(), err)
			return err
		}
		s.SetContext(&clientState{
			limiter: terminal.NewRateLimiter(terminal.MessageRateLimit, terminal.MessageRateBurst),
		})

		a.mu.Lock()
		a.conns[s.ID()] = s
		a.mu.Unlock()

		log.Printf("[transport] client %s connected from %s", s.ID(), s.RemoteAddr())

		// Bootstrap the new client with current shared state.
		s.Emit(EventTabsSync, a.tabs.Get())
		s.Emit(EventFavoritesSync, a.favorites.Get())
		s.Emit(EventCommandsSync, a.commands.Get())
		return nil
	})

	a.server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		a.mu.Lock()
		delete(a.conns, s.ID())
		a.mu.Unlock()

		a.hub.ClientGone(s.ID())
		log.Printf("[transport] client %s disconnected: %s", s.ID(), reason)
	})

	a.server.OnError("/", func(s socketio.Conn, err error) {
		id := "unknown"
		if s != nil {
			id = s.ID()
		}
		log.Printf("[transport] client %s error: %v", id, err)
	})

	a.server.OnEvent("/", EventCreate, func(s socketio.Conn, req CreateRequest) {
		a.hub.Create(s.ID(), terminal.CreateRequest{
			TerminalID:    req.TerminalID,
			HintSessionID: req.SessionID,
			Cols:          req.Cols,
			Rows:          req.Rows,
		})
	})

	a.server.OnEvent("/", EventRestore, func(s socketio.Conn, req RestoreRequest) {
		entries := make([]terminal.RestoreEntry, 0, len(req.Terminals))
		for _, e := range req.Terminals {
			entries = append(entries, terminal.RestoreEntry{
				TerminalID: e.TerminalID,
				SessionID:  e.SessionID,
			})
		}
		a.hub.Restore(s.ID(), entries)
	})

	a.server.OnEvent("/", EventInput, func(s socketio.Conn, msg InputMessage) {
		if !a.allowMessage(s, msg.TerminalID, "") {
			return
		}
		data, err := terminal.DecodeData(msg.Data)
		if err != nil {
			s.Emit(terminal.EventError, terminal.ErrorPayload{
				TerminalID: msg.TerminalID,
				Error:      "malformed input payload",
			})
			return
		}
		a.hub.Input(s.ID(), msg.TerminalID, data)
	})

	a.server.OnEvent("/", EventResize, func(s socketio.Conn, msg ResizeMessage) {
		a.hub.Resize(s.ID(), msg.TerminalID, msg.Cols, msg.Rows)
	})

	a.server.OnEvent("/", EventRequestHistory, func(s socketio.Conn, ref TerminalRef) {
		a.hub.RequestHistory(s.ID(), ref.TerminalID)
	})

	a.server.OnEvent("/", EventDestroy, func(s socketio.Conn, ref TerminalRef) {
		a.hub.Destroy(s.ID(), ref.TerminalID)
	})

	a.server.OnEvent("/", EventReplicaAttach, func(s socketio.Conn, ref SessionRef) {
		a.hub.ReplicaAttach(s.ID(), ref.SessionID)
	})

	a.server.OnEvent("/", EventReplicaInput, func(s socketio.Conn, msg ReplicaInputMessage) {
		if !a.allowMessage(s, "", msg.SessionID) {
			return
		}
		data, err := terminal.DecodeData(msg.Data)
		if err != nil {
			s.Emit(terminal.EventError, terminal.ErrorPayload{
				SessionID: msg.SessionID,
				Error:     "malformed input payload",
			})
			return
		}
		a.hub.ReplicaInput(s.ID(), msg.SessionID, data)
	})

	a.server.OnEvent("/", EventReplicaResize, func(s socketio.Conn, msg ReplicaResizeMessage) {
		// Replica geometry never drives the PTY; the owner's does.
		log.Printf("[transport] dropping replica resize from %s for session %s", s.ID(), msg.SessionID)
	})

	a.server.OnEvent("/", EventReplicaLeave, func(s socketio.Conn, ref SessionRef) {
		a.hub.ReplicaLeave(s.ID(), ref.SessionID)
	})

	a.server.OnEvent("/", EventTabsAdd, func(s socketio.Conn, req TabAddRequest) {
		a.syncTabs(s)(a.tabs.Add(req.ID, req.Name))
	})

	a.server.OnEvent("/", EventTabsRename, func(s socketio.Conn, req TabRenameRequest) {
		a.syncTabs(s)(a.tabs.Rename(req.ID, req.Name))
	})

	a.server.OnEvent("/", EventTabsRemove, func(s socketio.Conn, req TabRemoveRequest) {
		a.syncTabs(s)(a.tabs.Remove(req.ID))
	})

	a.server.OnEvent("/", EventTabsSetSession, func(s socketio.Conn, req TabSessionRequest) {
		a.syncTabs(s)(a.tabs.SetSession(req.ID, req.SessionID))
	})

	a.server.OnEvent("/", EventTabsUpdate, func(s socketio.Conn, req TabReplaceRequest) {
		a.syncTabs(s)(a.tabs.Replace(req.Tabs))
	})

	a.server.OnEvent("/", EventFavoritesUpdate, func(s socketio.Conn, req CollectionUpdate) {
		doc, err := a.favorites.Replace(req.Items)
		if err != nil {
			log.Printf("[transport] favorites update from %s failed: %v", s.ID(), err)
			return
		}
		a.BroadcastAll(EventFavoritesSync, doc)
	})

	a.server.OnEvent("/", EventCommandsUpdate, func(s socketio.Conn, req CollectionUpdate) {
		doc, err := a.commands.Replace(req.Items)
		if err != nil {
			log.Printf("[transport] commands update from %s failed: %v", s.ID(), err)
			return
		}
		a.BroadcastAll(EventCommandsSync, doc)
	})
}

// syncTabs broadcasts a successful tab mutation to everyone; on failure
// the requester gets a corrective tabs:sync with the unchanged document.
func (a *Adapter) syncTabs(s socketio.Conn) func(store.TabDoc, error) {
	return func(doc store.TabDoc, err error) {
		if err != nil {
			log.Printf("[transport] tab mutation from %s rejected: %v", s.ID(), err)
			s.Emit(EventTabsSync, doc)
			return
		}
		a.BroadcastAll(EventTabsSync, doc)
	}
}

// allowMessage applies the per-connection input rate limit.
func (a *Adapter) allowMessage(s socketio.Conn, terminalID, sessionID string) bool {
	st, _ := s.Context().(*clientState)
	if st == nil || st.limiter.Allow() {
		return true
	}
	s.Emit(terminal.EventError, terminal.ErrorPayload{
		TerminalID: terminalID,
		SessionID:  sessionID,
		Error:      "input rate limit exceeded",
	})
	return false
}

// authorize enforces the optional access token (query param or bearer
// header). An empty configured token disables the check.
func (a *Adapter) authorize(s socketio.Conn) error {
	if a.token == "" {
		return nil
	}
	u := s.URL()
	if u.Query().Get("token") == a.token {
		return nil
	}
	authz := s.RemoteHeader().Get("Authorization")
	if strings.TrimPrefix(authz, "Bearer ") == a.token {
		return nil
	}
	return errors.New("missing or invalid token")
}

// BroadcastAll emits an event to every connected client.
func (a *Adapter) BroadcastAll(event string, payload any) {
	a.server.BroadcastToNamespace("/", event, payload)
}

// sessionRoom names the Socket.IO room for a session.
func sessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// terminal.Emitter implementation. Everything below only enqueues into
// per-connection write loops; several callers hold session locks.

func (a *Adapter) ToClient(clientID, event string, payload any) {
	a.mu.Lock()
	s := a.conns[clientID]
	a.mu.Unlock()
	if s == nil {
		// Client vanished between scheduling and delivery; drop.
		return
	}
	s.Emit(event, payload)
}

func (a *Adapter) ToSession(sessionID, event string, payload any) {
	a.server.BroadcastToRoom("/", sessionRoom(sessionID), event, payload)
}

func (a *Adapter) JoinSession(clientID, sessionID string) {
	a.mu.Lock()
	s := a.conns[clientID]
	a.mu.Unlock()
	if s == nil {
		return
	}
	a.server.JoinRoom("/", sessionRoom(sessionID), s)
}

func (a *Adapter) LeaveSession(clientID, sessionID string) {
	a.mu.Lock()
	s := a.conns[clientID]
	a.mu.Unlock()
	if s == nil {
		return
	}
	a.server.LeaveRoom("/", sessionRoom(sessionID), s)
}

func (a *Adapter) CloseSession(sessionID string) {
	a.server.ClearRoom("/", sessionRoom(sessionID))
}
