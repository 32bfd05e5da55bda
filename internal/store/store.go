// Package store persists the daemon's UI-facing state as JSON documents
// under the state directory (default ~/.terminal-tunnel). Each document
// has a single-writer store with whole-document read-modify-write; field
// names are an external contract shared with the client UI.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ensureDir creates the state directory with owner-only permissions.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return nil
}

// readJSON loads path into v. Returns os.ErrNotExist when the file is
// missing so callers can fall back to defaults.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON persists v to path with owner-only permissions.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
