package store

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxTabs caps how many tabs the index will hold.
const DefaultMaxTabs = 10

const tabsFile = "tabs.json"

// ErrTabLimit is returned when adding a tab would exceed the cap.
var ErrTabLimit = errors.New("tab limit reached")

// ErrTabNotFound is returned when renaming an unknown tab.
var ErrTabNotFound = errors.New("tab not found")

// Tab is one entry of the tab index. SessionID is the live hub session
// the tab is bound to, if any; it never survives a daemon restart.
type Tab struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	SessionID *string `json:"sessionId,omitempty"`
}

// TabDoc is the tabs.json document. LastModified is a millisecond
// timestamp that increases strictly with every mutation so clients can
// order concurrent updates.
type TabDoc struct {
	Tabs         []Tab `json:"tabs"`
	LastModified int64 `json:"lastModified"`
}

// Tabs is the persistent tab index. There is always at least one tab.
type Tabs struct {
	mu      sync.Mutex
	path    string
	maxTabs int
	doc     TabDoc
}

// OpenTabs loads (or bootstraps) tabs.json under dir. A missing or
// corrupt file regenerates the default single-tab document.
func OpenTabs(dir string, maxTabs int) (*Tabs, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	if maxTabs <= 0 {
		maxTabs = DefaultMaxTabs
	}

	t := &Tabs{
		path:    filepath.Join(dir, tabsFile),
		maxTabs: maxTabs,
	}

	err := readJSON(t.path, &t.doc)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		log.Printf("[store] %s missing, creating default tab index", tabsFile)
	default:
		log.Printf("[store] %s unreadable (%v), regenerating", tabsFile, err)
		t.doc = TabDoc{}
	}

	if len(t.doc.Tabs) == 0 {
		t.doc.Tabs = []Tab{defaultTab()}
	}
	if len(t.doc.Tabs) > t.maxTabs {
		t.doc.Tabs = t.doc.Tabs[:t.maxTabs]
	}
	t.stampLocked()
	if err := writeJSON(t.path, &t.doc); err != nil {
		return nil, err
	}
	return t, nil
}

func defaultTab() Tab {
	return Tab{ID: uuid.New().String(), Name: "Terminal 1"}
}

// Get returns a copy of the current document.
func (t *Tabs) Get() TabDoc {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

// Replace swaps the whole tab list (whole-document PUT). An empty list
// collapses to the default tab; oversized lists are rejected.
func (t *Tabs) Replace(tabs []Tab) (TabDoc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(tabs) > t.maxTabs {
		return t.copyLocked(), ErrTabLimit
	}
	if len(tabs) == 0 {
		tabs = []Tab{defaultTab()}
	}
	t.doc.Tabs = append([]Tab(nil), tabs...)
	return t.commitLocked()
}

// Add appends a tab. Adding an id that already exists is a no-op, so
// client retries are safe.
func (t *Tabs) Add(id, name string) (TabDoc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}
	for _, tab := range t.doc.Tabs {
		if tab.ID == id {
			return t.copyLocked(), nil
		}
	}
	if len(t.doc.Tabs) >= t.maxTabs {
		return t.copyLocked(), ErrTabLimit
	}
	if name == "" {
		name = "Terminal"
	}
	t.doc.Tabs = append(t.doc.Tabs, Tab{ID: id, Name: name})
	return t.commitLocked()
}

// Rename sets a tab's display name.
func (t *Tabs) Rename(id, name string) (TabDoc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.doc.Tabs {
		if t.doc.Tabs[i].ID == id {
			t.doc.Tabs[i].Name = name
			return t.commitLocked()
		}
	}
	return t.copyLocked(), ErrTabNotFound
}

// Remove deletes a tab. Removing an unknown id is a no-op; removing the
// last tab auto-creates a fresh default so the index is never empty.
func (t *Tabs) Remove(id string) (TabDoc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.doc.Tabs[:0]
	removed := false
	for _, tab := range t.doc.Tabs {
		if tab.ID == id {
			removed = true
			continue
		}
		kept = append(kept, tab)
	}
	if !removed {
		return t.copyLocked(), nil
	}
	if len(kept) == 0 {
		kept = append(kept, defaultTab())
	}
	t.doc.Tabs = kept
	return t.commitLocked()
}

// SetSession binds (or, with nil, clears) the live session id of a tab.
func (t *Tabs) SetSession(id string, sessionID *string) (TabDoc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.doc.Tabs {
		if t.doc.Tabs[i].ID == id {
			t.doc.Tabs[i].SessionID = sessionID
			return t.commitLocked()
		}
	}
	return t.copyLocked(), ErrTabNotFound
}

// ClearSessions drops every session binding. Called at daemon startup:
// hub sessions never survive a restart.
func (t *Tabs) ClearSessions() (TabDoc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.doc.Tabs {
		t.doc.Tabs[i].SessionID = nil
	}
	return t.commitLocked()
}

func (t *Tabs) commitLocked() (TabDoc, error) {
	t.stampLocked()
	if err := writeJSON(t.path, &t.doc); err != nil {
		return t.copyLocked(), err
	}
	return t.copyLocked(), nil
}

func (t *Tabs) stampLocked() {
	now := time.Now().UnixMilli()
	if now <= t.doc.LastModified {
		now = t.doc.LastModified + 1
	}
	t.doc.LastModified = now
}

func (t *Tabs) copyLocked() TabDoc {
	out := TabDoc{
		Tabs:         append([]Tab(nil), t.doc.Tabs...),
		LastModified: t.doc.LastModified,
	}
	return out
}
