package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Persister keeps the bearer token across process restarts so the session
// can be re-validated against the identity endpoint on startup. Only the
// token is stored; the identity is always re-fetched.
//
// Implementations must be safe for concurrent use.
type Persister interface {
	// Save stores token, replacing any previous value.
	Save(ctx context.Context, token string) error

	// Load returns the stored token, or ("", nil) when nothing is stored.
	Load(ctx context.Context) (string, error)

	// Delete removes the stored token. Deleting nothing is not an error.
	Delete(ctx context.Context) error
}

// ErrPersisterClosed is returned by a closed MemoryPersister.
var ErrPersisterClosed = errors.New("session: persister closed")

// MemoryPersister keeps the token in memory. Useful for tests and for
// embedding in a process that owns its own storage.
type MemoryPersister struct {
	mu     sync.RWMutex
	token  string
	closed bool
}

// NewMemoryPersister creates an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

// Save stores token.
func (m *MemoryPersister) Save(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPersisterClosed
	}
	m.token = token
	return nil
}

// Load returns the stored token.
func (m *MemoryPersister) Load(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrPersisterClosed
	}
	return m.token, nil
}

// Delete removes the token.
func (m *MemoryPersister) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPersisterClosed
	}
	m.token = ""
	return nil
}

// Close releases the persister. Later calls fail with ErrPersisterClosed.
func (m *MemoryPersister) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.token = ""
	return nil
}

// FilePersister stores the token in a file readable only by the owner.
type FilePersister struct {
	mu   sync.Mutex
	path string
}

// NewFilePersister returns a persister writing to path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Save writes token atomically (temp file + rename).
func (f *FilePersister) Save(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("session: create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".token-*")
	if err != nil {
		return fmt.Errorf("session: create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("session: chmod token file: %w", err)
	}
	if _, err := tmp.WriteString(token); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("session: rename token file: %w", err)
	}
	return nil
}

// Load reads the token. A missing file yields ("", nil).
func (f *FilePersister) Load(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Delete removes the token file.
func (f *FilePersister) Delete(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: delete token: %w", err)
	}
	return nil
}
