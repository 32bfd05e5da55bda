package terminal

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout is how long a session with no attached clients
// survives before the eviction sweep kills it.
const DefaultIdleTimeout = 30 * time.Minute

// DefaultHistoryDelay is the fallback delay before the initial scrollback
// snapshot is pushed to a freshly attached client. Clients that send
// terminal:request-history get the snapshot immediately instead.
const DefaultHistoryDelay = 50 * time.Millisecond

// Emitter delivers events to connected clients. The transport adapter
// implements it on top of Socket.IO rooms. All methods must only enqueue;
// several are called under session locks and must never block on the
// network.
type Emitter interface {
	ToClient(clientID, event string, payload any)
	ToSession(sessionID, event string, payload any)
	JoinSession(clientID, sessionID string)
	LeaveSession(clientID, sessionID string)
	CloseSession(sessionID string)
}

// StartPTYFunc spawns a shell PTY. Tests substitute a pipe-backed fake.
type StartPTYFunc func(shell string, cols, rows uint16) (ShellPTY, error)

type HubConfig struct {
	Shell          string
	ScrollbackSize int
	IdleTimeout    time.Duration
	HistoryDelay   time.Duration
	StartPTY       StartPTYFunc
}

// Hub owns every live session and the client/terminal namespace maps.
//
// Lock order: h.mu before sess.mu, never the reverse. h.mu is held for
// map operations only, never across PTY spawns or kills.
type Hub struct {
	cfg     HubConfig
	emitter Emitter

	mu         sync.Mutex
	sessions   map[string]*Session          // session id -> session
	clients    map[string]map[string]string // client id -> terminal id -> session id
	byTerminal map[string]string            // terminal id -> most recent session id
	pending    map[pendKey]*pendingHistory
	closed     bool
}

type pendKey struct {
	sessionID string
	clientID  string
}

// pendingHistory is a scheduled initial-history push. The sync.Once
// keeps the delayed timer and an explicit request-history from double
// delivering.
type pendingHistory struct {
	timer   *time.Timer
	fired   sync.Once
	deliver func()
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.ScrollbackSize <= 0 {
		cfg.ScrollbackSize = DefaultScrollbackSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HistoryDelay <= 0 {
		cfg.HistoryDelay = DefaultHistoryDelay
	}
	if cfg.StartPTY == nil {
		cfg.StartPTY = func(shell string, cols, rows uint16) (ShellPTY, error) {
			return StartPTY(shell, cols, rows)
		}
	}
	return &Hub{
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		clients:    make(map[string]map[string]string),
		byTerminal: make(map[string]string),
		pending:    make(map[pendKey]*pendingHistory),
	}
}

// SetEmitter wires the transport adapter. Must be called before any
// client traffic is dispatched into the hub.
func (h *Hub) SetEmitter(e Emitter) {
	h.emitter = e
}

type CreateRequest struct {
	TerminalID    string
	HintSessionID string
	Cols          uint16
	Rows          uint16
}

type RestoreEntry struct {
	TerminalID string
	SessionID  string
}

// Create implements create-or-restore. Resolution order: the client's
// hinted session id, then any live session already bound to this
// terminal id (from any client), then a fresh shell. Adopting an
// existing session transfers resize ownership to the caller.
func (h *Hub) Create(clientID string, req CreateRequest) {
	if req.TerminalID == "" {
		h.emitter.ToClient(clientID, EventError, ErrorPayload{Error: "terminalId is required"})
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if sess := h.lookupLocked(req.HintSessionID, req.TerminalID); sess != nil {
		h.bindLocked(clientID, req.TerminalID, sess.ID)
		h.scheduleHistoryLocked(sess, clientID, req.TerminalID)
		h.mu.Unlock()
		h.finishAttach(sess, clientID, req.TerminalID, true)
		return
	}
	h.mu.Unlock()

	// Spawn outside the hub lock; forking a shell is real I/O.
	p, err := h.cfg.StartPTY(h.cfg.Shell, req.Cols, req.Rows)
	if err != nil {
		log.Printf("[hub] client %s terminal %s: shell spawn failed: %v", clientID, req.TerminalID, err)
		h.emitter.ToClient(clientID, EventError, ErrorPayload{
			TerminalID: req.TerminalID,
			Error:      "failed to start shell",
		})
		return
	}

	sess := newSession(uuid.New().String(), p, h.cfg.ScrollbackSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		p.Kill()
		return
	}
	// Re-check under the lock: a concurrent create may have bound this
	// terminal while we were spawning. First registration wins.
	if existing := h.lookupLocked("", req.TerminalID); existing != nil {
		h.bindLocked(clientID, req.TerminalID, existing.ID)
		h.scheduleHistoryLocked(existing, clientID, req.TerminalID)
		h.mu.Unlock()
		p.Kill()
		h.finishAttach(existing, clientID, req.TerminalID, true)
		return
	}
	h.sessions[sess.ID] = sess
	h.bindLocked(clientID, req.TerminalID, sess.ID)
	h.scheduleHistoryLocked(sess, clientID, req.TerminalID)
	h.mu.Unlock()

	sess.mu.Lock()
	sess.owner = clientID
	sess.mu.Unlock()

	sess.start(h.fanoutFor(sess), func(code int) { h.handleExit(sess, code) })

	cols, rows := sess.Size()
	h.emitter.ToClient(clientID, EventCreated, CreatedPayload{
		TerminalID: req.TerminalID,
		SessionID:  sess.ID,
		Restored:   false,
		Cols:       cols,
		Rows:       rows,
	})
	log.Printf("[hub] session %s created for client %s terminal %s (%dx%d)",
		sess.ID, clientID, req.TerminalID, cols, rows)
}

// finishAttach completes adoption of an existing session: ownership
// transfer plus the created(restored) acknowledgement. History delivery
// is already scheduled.
func (h *Hub) finishAttach(sess *Session, clientID, terminalID string, restored bool) {
	sess.mu.Lock()
	sess.owner = clientID
	sess.mu.Unlock()

	cols, rows := sess.Size()
	h.emitter.ToClient(clientID, EventCreated, CreatedPayload{
		TerminalID: terminalID,
		SessionID:  sess.ID,
		Restored:   restored,
		Cols:       cols,
		Rows:       rows,
	})
	log.Printf("[hub] session %s restored for client %s terminal %s", sess.ID, clientID, terminalID)
}

// Restore rebinds a reconnecting client to the sessions it held before,
// one terminal:restored per entry. Missing sessions answer found=false so
// the client knows to create fresh ones.
func (h *Hub) Restore(clientID string, entries []RestoreEntry) {
	for _, e := range entries {
		if e.TerminalID == "" || e.SessionID == "" {
			continue
		}

		h.mu.Lock()
		sess := h.lookupLocked(e.SessionID, "")
		if sess == nil {
			h.mu.Unlock()
			h.emitter.ToClient(clientID, EventRestored, RestoredPayload{
				TerminalID: e.TerminalID,
				SessionID:  e.SessionID,
				Found:      false,
			})
			continue
		}
		h.bindLocked(clientID, e.TerminalID, sess.ID)
		h.scheduleHistoryLocked(sess, clientID, e.TerminalID)
		h.mu.Unlock()

		sess.mu.Lock()
		sess.owner = clientID
		sess.mu.Unlock()

		h.emitter.ToClient(clientID, EventRestored, RestoredPayload{
			TerminalID: e.TerminalID,
			SessionID:  sess.ID,
			Found:      true,
		})
		log.Printf("[hub] session %s rebound to client %s terminal %s", sess.ID, clientID, e.TerminalID)
	}
}

// RequestHistory flushes the scrollback snapshot immediately, cancelling
// any pending delayed push. Re-requests re-flush; delivery is idempotent
// for the client.
func (h *Hub) RequestHistory(clientID, terminalID string) {
	h.mu.Lock()
	sid, ok := h.clients[clientID][terminalID]
	if !ok {
		h.mu.Unlock()
		log.Printf("[hub] client %s requested history for unknown terminal %s", clientID, terminalID)
		return
	}
	sess, ok := h.sessions[sid]
	if !ok {
		h.mu.Unlock()
		return
	}
	key := pendKey{sessionID: sid, clientID: clientID}
	pend := h.pending[key]
	delete(h.pending, key)
	h.mu.Unlock()

	if pend != nil {
		pend.timer.Stop()
		pend.fired.Do(pend.deliver)
		return
	}
	h.deliverHistory(sess, clientID, terminalID)
}

// Input routes keystrokes through the per-client terminal map. Unknown
// mappings are a silent no-op: stale input from a lagging client is not
// an error.
func (h *Hub) Input(clientID, terminalID string, data []byte) {
	if len(data) > MaxInputMessageSize {
		h.emitter.ToClient(clientID, EventError, ErrorPayload{
			TerminalID: terminalID,
			Error:      "input message too large",
		})
		return
	}

	h.mu.Lock()
	sid, ok := h.clients[clientID][terminalID]
	sess := h.sessions[sid]
	h.mu.Unlock()

	if !ok || sess == nil {
		log.Printf("[hub] dropping input from client %s for unknown terminal %s", clientID, terminalID)
		return
	}
	sess.Write(data)
}

// Resize applies new dimensions when the caller owns the session and
// broadcasts the effective size to every viewer. Non-owner resizes are
// dropped: the most recent opener's geometry wins, so a small replica
// viewport cannot shrink the creator's terminal.
func (h *Hub) Resize(clientID, terminalID string, cols, rows uint16) {
	h.mu.Lock()
	sid, ok := h.clients[clientID][terminalID]
	sess := h.sessions[sid]
	h.mu.Unlock()

	if !ok || sess == nil {
		return
	}
	if sess.Owner() != clientID {
		log.Printf("[hub] ignoring resize from non-owner %s for session %s", clientID, sid)
		return
	}
	if err := sess.pty.Resize(cols, rows); err != nil {
		log.Printf("[hub] resize session %s: %v", sid, err)
		return
	}

	c, r := sess.Size()
	h.emitter.ToSession(sess.ID, EventDimensions, DimensionsPayload{
		SessionID: sess.ID,
		Cols:      c,
		Rows:      r,
	})
}

// ReplicaAttach joins a client to a session's room without granting it a
// terminal binding. The snapshot is delivered immediately; replicas ask
// explicitly, so they are ready for it.
func (h *Hub) ReplicaAttach(clientID, sessionID string) {
	h.mu.Lock()
	sess := h.lookupLocked(sessionID, "")
	h.mu.Unlock()

	if sess == nil {
		h.emitter.ToClient(clientID, EventReplicaError, ReplicaErrorPayload{
			SessionID: sessionID,
			Error:     "session not found",
		})
		return
	}

	sess.mu.Lock()
	snapshot := sess.ring.Snapshot()
	cols, rows := sess.pty.Size()
	h.emitter.ToClient(clientID, EventReplicaHistory, HistoryPayload{
		SessionID: sess.ID,
		Data:      EncodeData(snapshot),
		Cols:      cols,
		Rows:      rows,
	})
	h.emitter.JoinSession(clientID, sess.ID)
	sess.attached[clientID] = struct{}{}
	sess.mu.Unlock()

	log.Printf("[hub] client %s attached to session %s as replica", clientID, sessionID)
}

// ReplicaInput accepts keystrokes from replica viewers.
func (h *Hub) ReplicaInput(clientID, sessionID string, data []byte) {
	if len(data) > MaxInputMessageSize {
		h.emitter.ToClient(clientID, EventError, ErrorPayload{
			SessionID: sessionID,
			Error:     "input message too large",
		})
		return
	}

	h.mu.Lock()
	sess := h.sessions[sessionID]
	h.mu.Unlock()

	if sess == nil {
		log.Printf("[hub] dropping replica input from client %s for unknown session %s", clientID, sessionID)
		return
	}
	sess.Write(data)
}

// ReplicaLeave detaches a replica viewer.
func (h *Hub) ReplicaLeave(clientID, sessionID string) {
	h.mu.Lock()
	sess := h.sessions[sessionID]
	h.mu.Unlock()

	if sess == nil {
		return
	}
	sess.mu.Lock()
	delete(sess.attached, clientID)
	sess.mu.Unlock()
	h.emitter.LeaveSession(clientID, sessionID)
}

// Destroy removes the client's terminal binding. The shell is killed
// only when the destroyer owns the session and nobody else is attached;
// a disconnect is never a destroy, and a watching replica keeps the
// session alive.
func (h *Hub) Destroy(clientID, terminalID string) {
	h.mu.Lock()
	sid, ok := h.clients[clientID][terminalID]
	if !ok {
		sid, ok = h.byTerminal[terminalID]
	}
	if !ok {
		h.mu.Unlock()
		h.emitter.ToClient(clientID, EventDestroyed, DestroyedPayload{TerminalID: terminalID})
		return
	}
	sess := h.sessions[sid]
	if m := h.clients[clientID]; m != nil {
		delete(m, terminalID)
	}
	h.cancelPendingLocked(pendKey{sessionID: sid, clientID: clientID})
	h.mu.Unlock()

	if sess == nil {
		h.emitter.ToClient(clientID, EventDestroyed, DestroyedPayload{TerminalID: terminalID, SessionID: sid})
		return
	}

	sess.mu.Lock()
	delete(sess.attached, clientID)
	remaining := len(sess.attached)
	owner := sess.owner
	sess.mu.Unlock()

	h.emitter.LeaveSession(clientID, sid)
	h.emitter.ToClient(clientID, EventDestroyed, DestroyedPayload{TerminalID: terminalID, SessionID: sid})

	if owner == clientID && remaining == 0 {
		log.Printf("[hub] session %s destroyed by owner %s", sid, clientID)
		sess.pty.Kill()
		return
	}
	log.Printf("[hub] client %s released terminal %s; session %s kept (%d attached)",
		clientID, terminalID, sid, remaining)
}

// ClientGone handles a transport disconnect: detach everywhere, drop the
// per-client namespace, cancel pending history pushes. Sessions and
// terminal bindings survive so a reconnect can pick them back up.
func (h *Hub) ClientGone(clientID string) {
	h.mu.Lock()
	delete(h.clients, clientID)
	var touched []*Session
	for _, sess := range h.sessions {
		touched = append(touched, sess)
	}
	for key := range h.pending {
		if key.clientID == clientID {
			h.cancelPendingLocked(key)
		}
	}
	h.mu.Unlock()

	for _, sess := range touched {
		sess.mu.Lock()
		delete(sess.attached, clientID)
		sess.mu.Unlock()
	}
	log.Printf("[hub] client %s disconnected; sessions kept", clientID)
}

// SweepIdle kills sessions with no attached clients whose last PTY I/O
// is older than the idle timeout. Returns the number of sessions killed.
func (h *Hub) SweepIdle() int {
	cutoff := time.Now().Add(-h.cfg.IdleTimeout)

	h.mu.Lock()
	var victims []*Session
	for _, sess := range h.sessions {
		if sess.AttachedCount() == 0 && sess.LastActivity().Before(cutoff) {
			victims = append(victims, sess)
		}
	}
	h.mu.Unlock()

	for _, sess := range victims {
		log.Printf("[hub] evicting idle session %s (last activity %s)",
			sess.ID, sess.LastActivity().Format(time.RFC3339))
		sess.pty.Kill()
	}
	return len(victims)
}

// Shutdown kills every session. Used on daemon exit only.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*Session
	for _, sess := range h.sessions {
		all = append(all, sess)
	}
	h.mu.Unlock()

	for _, sess := range all {
		sess.pty.Kill()
	}

	deadline := time.After(3 * time.Second)
	for _, sess := range all {
		select {
		case <-sess.pty.Done():
		case <-deadline:
			log.Printf("[hub] shutdown: timed out waiting for session %s", sess.ID)
			return
		}
	}
	log.Printf("[hub] shutdown complete (%d sessions killed)", len(all))
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// lookupLocked resolves a session by hinted id, then by terminal id.
// Dead-but-unreaped sessions are skipped. Caller holds h.mu.
func (h *Hub) lookupLocked(sessionID, terminalID string) *Session {
	alive := func(s *Session) bool {
		if s == nil {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.closed
	}

	if sessionID != "" {
		if s := h.sessions[sessionID]; alive(s) {
			return s
		}
	}
	if terminalID != "" {
		if sid, ok := h.byTerminal[terminalID]; ok {
			if s := h.sessions[sid]; alive(s) {
				return s
			}
		}
	}
	return nil
}

// bindLocked records the (client, terminal) -> session mapping. Caller
// holds h.mu.
func (h *Hub) bindLocked(clientID, terminalID, sessionID string) {
	m := h.clients[clientID]
	if m == nil {
		m = make(map[string]string)
		h.clients[clientID] = m
	}
	m[terminalID] = sessionID
	h.byTerminal[terminalID] = sessionID
}

// scheduleHistoryLocked arms the delayed initial-history push for one
// (session, client) pair. Caller holds h.mu.
func (h *Hub) scheduleHistoryLocked(sess *Session, clientID, terminalID string) {
	key := pendKey{sessionID: sess.ID, clientID: clientID}
	h.cancelPendingLocked(key)

	p := &pendingHistory{}
	p.deliver = func() { h.deliverHistory(sess, clientID, terminalID) }
	p.timer = time.AfterFunc(h.cfg.HistoryDelay, func() {
		p.fired.Do(p.deliver)
		h.mu.Lock()
		if h.pending[key] == p {
			delete(h.pending, key)
		}
		h.mu.Unlock()
	})
	h.pending[key] = p
}

func (h *Hub) cancelPendingLocked(key pendKey) {
	if p, ok := h.pending[key]; ok {
		p.timer.Stop()
		delete(h.pending, key)
	}
}

// deliverHistory sends the scrollback snapshot to one client and joins
// it to the session room. Snapshot, send and join happen under the
// session mutex, which the output fanout also holds: nothing can
// broadcast between the snapshot and the join, so the client never sees
// terminal:data ahead of its history and never misses a byte.
func (h *Hub) deliverHistory(sess *Session, clientID, terminalID string) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	snapshot := sess.ring.Snapshot()
	cols, rows := sess.pty.Size()
	h.emitter.ToClient(clientID, EventHistory, HistoryPayload{
		TerminalID: terminalID,
		SessionID:  sess.ID,
		Data:       EncodeData(snapshot),
		Cols:       cols,
		Rows:       rows,
	})
	h.emitter.JoinSession(clientID, sess.ID)
	sess.attached[clientID] = struct{}{}
	sess.mu.Unlock()
}

// fanoutFor builds the one broadcast callback a session ever gets.
func (h *Hub) fanoutFor(sess *Session) func([]byte) {
	return func(chunk []byte) {
		h.emitter.ToSession(sess.ID, EventData, DataPayload{
			SessionID: sess.ID,
			Data:      EncodeData(chunk),
		})
	}
}

// handleExit reaps a dead session: registry and binding cleanup, exit
// broadcast, room teardown. Dead sessions are deleted, never parked.
func (h *Hub) handleExit(sess *Session, code int) {
	h.mu.Lock()
	closed := h.closed
	if h.sessions[sess.ID] == sess {
		delete(h.sessions, sess.ID)
	}
	for tid, sid := range h.byTerminal {
		if sid == sess.ID {
			delete(h.byTerminal, tid)
		}
	}
	for _, terms := range h.clients {
		for tid, sid := range terms {
			if sid == sess.ID {
				delete(terms, tid)
			}
		}
	}
	for key := range h.pending {
		if key.sessionID == sess.ID {
			h.cancelPendingLocked(key)
		}
	}
	h.mu.Unlock()

	if closed {
		return
	}
	h.emitter.ToSession(sess.ID, EventDestroyed, DestroyedPayload{
		SessionID: sess.ID,
		ExitCode:  &code,
	})
	h.emitter.CloseSession(sess.ID)
}
