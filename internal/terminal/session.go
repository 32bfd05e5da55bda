package terminal

import (
	"log"
	"sync"
	"time"
)

// ShellPTY is the slice of PTY behavior the session layer needs. *PTY
// implements it; hub tests substitute a pipe-backed fake.
type ShellPTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Size() (cols, rows uint16)
	Kill()
	Done() <-chan struct{}
	ExitCode() int
}

// Session is one live shell: a PTY, its scrollback, and the set of
// clients currently attached. Sessions are created and owned by the Hub;
// all mutable state is guarded by the Hub-visible mutex inside it.
type Session struct {
	ID        string
	CreatedAt time.Time

	pty  ShellPTY
	ring *Scrollback

	// mu guards the fields below and serializes output fanout against
	// attach snapshots, which is what keeps history/data ordering exact
	// for late joiners.
	mu           sync.Mutex
	attached     map[string]struct{}
	owner        string
	lastActivity time.Time
	closed       bool

	// fanout and onExit are installed exactly once, before the reader
	// goroutine starts. The PTY is never re-subscribed.
	fanout func(data []byte)
	onExit func(exitCode int)
}

func newSession(id string, p ShellPTY, scrollbackSize int) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    time.Now(),
		pty:          p,
		ring:         NewScrollback(scrollbackSize),
		attached:     make(map[string]struct{}),
		lastActivity: time.Now(),
	}
}

// start installs the fanout and exit callbacks and launches the single
// lifetime reader goroutine.
func (s *Session) start(fanout func([]byte), onExit func(int)) {
	s.fanout = fanout
	s.onExit = onExit
	go s.readLoop()
}

// readLoop relays PTY output into the scrollback and to the fanout until
// the shell exits. Holding mu across ring append and fanout means an
// attach snapshot can never interleave with a broadcast; the fanout must
// only enqueue, never block on the network.
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			s.ring.Write(chunk)
			s.lastActivity = time.Now()
			if s.fanout != nil {
				s.fanout(chunk)
			}
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}

	// Reads fail once the shell is gone; wait for the exit code.
	<-s.pty.Done()
	code := s.pty.ExitCode()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	log.Printf("[session] %s: shell exited with code %d", s.ID, code)
	if s.onExit != nil {
		s.onExit(code)
	}
}

// Write sends input to the shell and refreshes the activity clock.
// Input to a dead session is dropped.
func (s *Session) Write(p []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if _, err := s.pty.Write(p); err != nil {
		log.Printf("[session] %s: input write failed: %v", s.ID, err)
	}
}

// LastActivity returns the time of the most recent PTY I/O. Attachment
// changes deliberately do not touch this clock.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AttachedCount returns the number of clients attached (holders and
// replicas alike).
func (s *Session) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// Owner returns the client id holding resize authority.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Size returns the PTY's current dimensions.
func (s *Session) Size() (cols, rows uint16) {
	return s.pty.Size()
}
