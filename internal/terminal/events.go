package terminal

import "encoding/base64"

// Server-to-client event names. The transport adapter ships these
// verbatim over the Socket.IO channel; the client UI dispatches on them.
const (
	EventCreated        = "terminal:created"
	EventRestored       = "terminal:restored"
	EventHistory        = "terminal:history"
	EventData           = "terminal:data"
	EventDimensions     = "terminal:dimensions"
	EventDestroyed      = "terminal:destroyed"
	EventReplicaHistory = "terminal:replica-history"
	EventReplicaError   = "terminal:replica-error"
	EventError          = "terminal:error"
)

// Payloads are JSON objects with camelCase keys; raw terminal bytes
// travel base64-encoded so arbitrary binary round-trips the JSON channel.

type CreatedPayload struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId"`
	Restored   bool   `json:"restored"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type RestoredPayload struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId"`
	Found      bool   `json:"found"`
}

type HistoryPayload struct {
	TerminalID string `json:"terminalId,omitempty"`
	SessionID  string `json:"sessionId"`
	Data       string `json:"data"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type DataPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type DimensionsPayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type DestroyedPayload struct {
	TerminalID string `json:"terminalId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
}

type ReplicaErrorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

type ErrorPayload struct {
	TerminalID string `json:"terminalId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Error      string `json:"error"`
}

// EncodeData encodes raw PTY bytes for a JSON payload.
func EncodeData(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// DecodeData decodes a client-supplied data field.
func DecodeData(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
