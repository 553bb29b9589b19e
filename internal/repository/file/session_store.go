package file

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"suimessenger/internal/domain"
)

// SessionStore keeps one session record per identity as a file readable only by the owner
type SessionStore struct {
	dir string
	mu  sync.Mutex
}

var _ domain.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a store rooted at dir
func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{dir: dir}
}

func (s *SessionStore) path(owner domain.Identity) string {
	return filepath.Join(s.dir, hex.EncodeToString(owner[:])+".session")
}

// Load returns the record for owner or domain.ErrNotFound
func (s *SessionStore) Load(_ context.Context, owner domain.Identity) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(s.path(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if b == nil {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

// Save atomically replaces the record for owner
func (s *SessionStore) Save(_ context.Context, owner domain.Identity, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFile(s.path(owner), record, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Delete removes the record for owner
func (s *SessionStore) Delete(_ context.Context, owner domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(owner)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Clear removes every session record in the directory
func (s *SessionStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".session") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to clear sessions: %w", err)
		}
	}
	return nil
}
