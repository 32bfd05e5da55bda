package transport

import (
	"encoding/json"

	"github.com/termtunnel/termtunnel/internal/store"
)

// Client-to-server event names.
const (
	EventCreate         = "terminal:create"
	EventRestore        = "terminal:restore"
	EventInput          = "terminal:input"
	EventResize         = "terminal:resize"
	EventRequestHistory = "terminal:request-history"
	EventDestroy        = "terminal:destroy"
	EventReplicaAttach  = "terminal:replica-attach"
	EventReplicaInput   = "terminal:replica-input"
	EventReplicaResize  = "terminal:replica-resize"
	EventReplicaLeave   = "terminal:replica-leave"

	EventTabsAdd        = "tabs:add"
	EventTabsRename     = "tabs:rename"
	EventTabsRemove     = "tabs:remove"
	EventTabsSetSession = "tabs:set-session"
	EventTabsUpdate     = "tabs:update"

	EventFavoritesUpdate = "favorites:update"
	EventCommandsUpdate  = "commands:update"
)

// Server-to-client sync event names. Terminal events live in the
// terminal package next to their payloads.
const (
	EventTabsSync      = "tabs:sync"
	EventFavoritesSync = "favorites:sync"
	EventCommandsSync  = "commands:sync"
)

// Inbound payloads. Data fields carry base64 so arbitrary terminal bytes
// survive the JSON channel.

type CreateRequest struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId,omitempty"` // restore hint
	Cols       uint16 `json:"cols,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
}

type RestoreRequest struct {
	Terminals []RestoreEntry `json:"terminals"`
}

type RestoreEntry struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId"`
}

type InputMessage struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type ResizeMessage struct {
	TerminalID string `json:"terminalId"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type TerminalRef struct {
	TerminalID string `json:"terminalId"`
}

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

type ReplicaInputMessage struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type ReplicaResizeMessage struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type TabAddRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type TabRenameRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type TabRemoveRequest struct {
	ID string `json:"id"`
}

type TabSessionRequest struct {
	ID        string  `json:"id"`
	SessionID *string `json:"sessionId"`
}

type TabReplaceRequest struct {
	Tabs []store.Tab `json:"tabs"`
}

type CollectionUpdate struct {
	Items []json.RawMessage `json:"items"`
}
