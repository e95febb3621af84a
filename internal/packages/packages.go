// Package packages stores the platform → installer-asset map used by the
// delivery collaborator. The asset references are opaque to this service; it
// only stores and retrieves them.
package packages

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "vpnonboard/internal/errors"
)

// Record describes one platform's installer asset.
type Record struct {
	FileID    string `json:"file_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	UpdatedTS int64  `json:"updated_ts"`
}

// Map is a JSON document keyed by canonical platform name. Mutations replace
// the whole document atomically.
type Map struct {
	path string
	mu   sync.Mutex
}

// NewMap creates a package map over the given file path.
func NewMap(path string) *Map {
	return &Map{path: path}
}

// Get returns the record for a platform, or NotFound.
func (m *Map) Get(platform string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	store := m.load()
	r, ok := store[platform]
	if !ok {
		return nil, fmt.Errorf("package for %s: %w", platform, apperrors.ErrNotFound)
	}
	return &r, nil
}

// Set stores the record for a platform, stamping UpdatedTS when unset.
func (m *Map) Set(platform string, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.UpdatedTS == 0 {
		r.UpdatedTS = time.Now().Unix()
	}
	store := m.load()
	store[platform] = r
	return m.save(store)
}

// Delete removes a platform's record, or NotFound if none exists.
func (m *Map) Delete(platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	store := m.load()
	if _, ok := store[platform]; !ok {
		return fmt.Errorf("package for %s: %w", platform, apperrors.ErrNotFound)
	}
	delete(store, platform)
	return m.save(store)
}

// All returns a copy of the whole map.
func (m *Map) All() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record)
	for k, v := range m.load() {
		out[k] = v
	}
	return out
}

func (m *Map) load() map[string]Record {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return map[string]Record{}
	}
	var store map[string]Record
	if err := json.Unmarshal(data, &store); err != nil || store == nil {
		return map[string]Record{}
	}
	return store
}

func (m *Map) save(store map[string]Record) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, m.path)
}
