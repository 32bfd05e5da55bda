package store

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CollectionDoc is the shared shape of favorites.json and commands.json.
// Items are opaque to the daemon: it reflects whatever the UI stores and
// broadcasts the document to other clients, nothing more.
type CollectionDoc struct {
	Items        []json.RawMessage `json:"items"`
	LastModified int64             `json:"lastModified"`
}

// Collection is a persistent reflect-and-broadcast item list.
type Collection struct {
	mu   sync.Mutex
	name string
	path string
	doc  CollectionDoc
}

// OpenCollection loads (or bootstraps) the named JSON document under dir,
// e.g. "favorites.json".
func OpenCollection(dir, file string) (*Collection, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	c := &Collection{
		name: file,
		path: filepath.Join(dir, file),
	}

	err := readJSON(c.path, &c.doc)
	switch {
	case err == nil:
	case os.IsNotExist(err):
	default:
		log.Printf("[store] %s unreadable (%v), regenerating", file, err)
		c.doc = CollectionDoc{}
	}

	if c.doc.Items == nil {
		c.doc.Items = []json.RawMessage{}
	}
	if err := writeJSON(c.path, &c.doc); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a copy of the current document.
func (c *Collection) Get() CollectionDoc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked()
}

// Replace swaps the item list and persists it.
func (c *Collection) Replace(items []json.RawMessage) (CollectionDoc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if items == nil {
		items = []json.RawMessage{}
	}
	c.doc.Items = items

	now := time.Now().UnixMilli()
	if now <= c.doc.LastModified {
		now = c.doc.LastModified + 1
	}
	c.doc.LastModified = now

	if err := writeJSON(c.path, &c.doc); err != nil {
		return c.copyLocked(), err
	}
	return c.copyLocked(), nil
}

func (c *Collection) copyLocked() CollectionDoc {
	// make, not append: an empty list must stay non-nil so it serializes
	// as [] rather than null.
	items := make([]json.RawMessage, len(c.doc.Items))
	copy(items, c.doc.Items)
	return CollectionDoc{
		Items:        items,
		LastModified: c.doc.LastModified,
	}
}
