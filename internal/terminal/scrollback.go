package terminal

import "sync"

// DefaultScrollbackSize is the default maximum scrollback size in bytes.
const DefaultScrollbackSize = 1024 * 1024 // 1MB

// Scrollback is a thread-safe bounded byte buffer holding recent PTY
// output so that late joiners and reconnecting clients can replay what
// they missed. When the buffer exceeds its cap the oldest bytes are
// dropped. Truncation happens at byte granularity; a replay may open
// mid escape sequence, which terminal emulators tolerate.
type Scrollback struct {
	mu      sync.Mutex
	data    []byte
	maxLen  int
	written int64
}

// NewScrollback creates a scrollback buffer capped at maxLen bytes.
// Non-positive values fall back to DefaultScrollbackSize.
func NewScrollback(maxLen int) *Scrollback {
	if maxLen <= 0 {
		maxLen = DefaultScrollbackSize
	}
	return &Scrollback{
		data:   make([]byte, 0, 4096),
		maxLen: maxLen,
	}
}

// Write appends PTY output, dropping the oldest bytes once the cap is
// exceeded. Writes larger than the cap keep only their tail.
func (s *Scrollback) Write(p []byte) {
	if len(p) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.written += int64(len(p))
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		// Shift the tail down instead of re-slicing so the backing
		// array does not grow without bound.
		excess := len(s.data) - s.maxLen
		copy(s.data, s.data[excess:])
		s.data = s.data[:s.maxLen]
	}
}

// Snapshot returns a copy of the buffered output. The returned slice
// never aliases the internal buffer.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the number of bytes currently buffered.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// TotalWritten returns the cumulative number of bytes ever written,
// including bytes since truncated away.
func (s *Scrollback) TotalWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
