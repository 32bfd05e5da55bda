// Package terminal provides local interactive shell sessions with PTY
// support, scrollback replay, and multi-client session sharing.
//
// It wraps github.com/creack/pty to run login shells under
// pseudo-terminals and keeps every shell alive independently of client
// connections, so a dropped WebSocket or a phone moving between networks
// never kills a running process.
//
// # Core Components
//
//   - [PTY]: Low-level pseudo-terminal around a login shell with write,
//     resize, and kill support. Writes after exit are silently dropped.
//   - [Scrollback]: Thread-safe bounded byte buffer holding recent output
//     for replay to late joiners. Oldest bytes are dropped at the cap.
//   - [Session]: A PTY plus scrollback plus the set of attached clients.
//     Exactly one reader goroutine relays PTY output for the session's
//     whole lifetime; the fanout callback is installed once and never
//     re-subscribed.
//   - [Hub]: The session registry and client/terminal namespace. All
//     create-or-restore, input routing, resize arbitration, replica, and
//     destroy semantics live here.
//   - [RateLimiter]: Token bucket used by the transport layer to throttle
//     input messages per client.
//
// # Session Lifecycle
//
//  1. terminal:create → [Hub.Create] resolves a hinted session id, then
//     any live session bound to the terminal id, then spawns fresh.
//     The initial scrollback snapshot is pushed after a short delay (or
//     immediately on terminal:request-history); the client joins the
//     session room at the moment the snapshot is sent, so history always
//     precedes live data.
//
//  2. Client disconnects → [Hub.ClientGone]. The shell keeps running and
//     buffering output; only the attachment set shrinks.
//
//  3. Client reconnects → [Hub.Restore] (or create with a hint) rebinds
//     and replays the scrollback.
//
//  4. Shell exits or the owner destroys its last attachment → the
//     session is reaped and terminal:destroyed is broadcast. Dead
//     sessions are deleted, never parked.
//
// # Resize Arbitration
//
// The most recent opener of a session owns its geometry. Resizes from
// replica viewers are dropped and viewers instead receive
// terminal:dimensions events, so a phone attaching to a desktop session
// cannot shrink the desktop's terminal.
//
// # Idle Eviction
//
// [Hub.SweepIdle] kills sessions that have no attached clients and no
// PTY I/O within the idle timeout (default 30 minutes). Only PTY I/O
// refreshes the activity clock; connection churn does not.
//
// # Log Prefixes
//
// Sessions log at the [session] prefix, the registry at [hub], the PTY
// layer at [pty].
package terminal
