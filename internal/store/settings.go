package store

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const pinFile = "pin-settings.json"

// ErrBadPinHash is returned when the PIN hash is not a SHA-256 hex digest.
var ErrBadPinHash = errors.New("pinHash must be 64 hex characters")

var pinHashRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// PinSettings is the pin-settings.json document. The hash is computed
// client-side; the daemon only stores and serves it so the UI can render
// its lock screen.
type PinSettings struct {
	PinEnabled bool   `json:"pinEnabled"`
	PinHash    string `json:"pinHash,omitempty"`
	ThemeName  string `json:"themeName,omitempty"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"`
}

// Pin is the persistent PIN/theme settings store.
type Pin struct {
	mu   sync.Mutex
	path string
	cur  PinSettings
}

// OpenPin loads (or bootstraps) pin-settings.json under dir.
func OpenPin(dir string) (*Pin, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	p := &Pin{path: filepath.Join(dir, pinFile)}

	err := readJSON(p.path, &p.cur)
	switch {
	case err == nil:
		return p, nil
	case os.IsNotExist(err):
	default:
		log.Printf("[store] %s unreadable (%v), regenerating", pinFile, err)
		p.cur = PinSettings{}
	}

	if err := writeJSON(p.path, &p.cur); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the current settings.
func (p *Pin) Get() PinSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Put validates and persists new settings. Enabling the PIN requires a
// well-formed SHA-256 hex hash; disabling keeps whatever hash was sent
// so the client can re-enable without retyping.
func (p *Pin) Put(in PinSettings) (PinSettings, error) {
	if in.PinEnabled && !pinHashRe.MatchString(in.PinHash) {
		return p.Get(), ErrBadPinHash
	}
	if in.PinHash != "" && !pinHashRe.MatchString(in.PinHash) {
		return p.Get(), ErrBadPinHash
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	in.UpdatedAt = time.Now().UnixMilli()
	if in.UpdatedAt <= p.cur.UpdatedAt {
		in.UpdatedAt = p.cur.UpdatedAt + 1
	}
	p.cur = in
	if err := writeJSON(p.path, &p.cur); err != nil {
		return p.cur, err
	}
	return p.cur, nil
}
