package file

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"suimessenger/internal/domain"
)

// ScopeDirectory keeps lookup key to scope id mappings in one JSON file
type ScopeDirectory struct {
	path string

	mu     sync.Mutex
	loaded bool
	scopes map[string]domain.ObjectID
}

// NewScopeDirectory creates a directory backed by path. The file is read on first use.
func NewScopeDirectory(path string) *ScopeDirectory {
	return &ScopeDirectory{path: path}
}

func (d *ScopeDirectory) load() error {
	if d.loaded {
		return nil
	}
	scopes := make(map[string]domain.ObjectID)
	if err := readJSON(d.path, &scopes); err != nil {
		return fmt.Errorf("failed to read scope directory: %w", err)
	}
	d.scopes, d.loaded = scopes, true
	return nil
}

// GetScope returns the recorded scope id for lookupKey
func (d *ScopeDirectory) GetScope(_ context.Context, lookupKey []byte) (domain.ObjectID, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.load(); err != nil {
		return domain.ObjectID{}, false, err
	}
	id, ok := d.scopes[hex.EncodeToString(lookupKey)]
	return id, ok, nil
}

// SetScope records the scope id for lookupKey and rewrites the file
func (d *ScopeDirectory) SetScope(_ context.Context, lookupKey []byte, id domain.ObjectID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.load(); err != nil {
		return err
	}
	key := hex.EncodeToString(lookupKey)
	if existing, ok := d.scopes[key]; ok && existing == id {
		return nil
	}
	d.scopes[key] = id
	if err := writeJSON(d.path, d.scopes, 0o600); err != nil {
		return fmt.Errorf("failed to write scope directory: %w", err)
	}
	return nil
}
