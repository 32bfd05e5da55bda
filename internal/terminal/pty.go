package terminal

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Default terminal dimensions used when a client omits them.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// PTY wraps a login shell running under a pseudo-terminal. The zero
// value is not usable; construct with StartPTY.
type PTY struct {
	cmd    *exec.Cmd
	master *os.File

	mu     sync.Mutex
	cols   uint16
	rows   uint16
	killed bool

	done     chan struct{}
	exitCode int
}

// StartPTY spawns shell as a login shell under a new PTY sized cols x rows.
// Empty shell falls back to /bin/bash. The child inherits the host
// environment with TERM and LANG pinned, and starts in the user's home
// directory.
func StartPTY(shell string, cols, rows uint16) (*PTY, error) {
	if shell == "" {
		shell = "/bin/bash"
	}
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	cols, rows = ClampDims(cols, rows)

	cmd := exec.Command(shell, "-l")
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"LANG=en_US.UTF-8",
	)
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty %s: %w", shell, err)
	}

	p := &PTY{
		cmd:      cmd,
		master:   master,
		cols:     cols,
		rows:     rows,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	// Exactly one goroutine owns cmd.Wait. Kill only signals the child;
	// this goroutine collects the exit code and releases the master,
	// which unblocks any pending Read.
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				code = ee.ExitCode()
			} else {
				code = 1
			}
		}
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
		p.master.Close()
	}()

	return p, nil
}

// Read reads PTY output into buf. After the child exits the read fails,
// which is how the session's reader loop learns the shell is gone.
func (p *PTY) Read(buf []byte) (int, error) {
	return p.master.Read(buf)
}

// Write sends input bytes to the shell. Writes after exit are silently
// dropped.
func (p *PTY) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return len(b), nil
	default:
	}
	n, err := p.master.Write(b)
	if err != nil {
		select {
		case <-p.done:
			// Lost the race with exit; drop without complaint.
			return len(b), nil
		default:
		}
		return n, err
	}
	return n, nil
}

// Resize changes the PTY dimensions. Zero values are ignored, oversized
// values clamped. Resizing a dead PTY is a no-op.
func (p *PTY) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	cols, rows = ClampDims(cols, rows)

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := pty.Setsize(p.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		return fmt.Errorf("resize pty: %w", err)
	}

	p.mu.Lock()
	p.cols = cols
	p.rows = rows
	p.mu.Unlock()
	return nil
}

// Size returns the last applied dimensions.
func (p *PTY) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Kill force-terminates the shell. Safe to call multiple times and
// after the shell already exited.
func (p *PTY) Kill() {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			log.Printf("[pty] kill pid %d: %v", p.cmd.Process.Pid, err)
		}
	}
}

// Done is closed once the shell has exited and its exit code is recorded.
func (p *PTY) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the shell's exit code, or -1 while it is running.
func (p *PTY) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}
