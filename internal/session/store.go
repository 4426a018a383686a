package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFileName is the session file name inside the data directory.
const DefaultFileName = "sessions.json"

// FileStore persists a Map as a JSON object on disk.
type FileStore struct {
	path string
	mu   sync.Mutex

	// digest of the bytes last written by Save
	saved    [sha256.Size]byte
	hasSaved bool
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads the session map. A missing file yields an empty map.
func (s *FileStore) Load() (Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Map{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	m := Map{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return m, nil
}

// Save writes m to a temp file next to the target and renames it into
// place, so readers never observe a partial file.
func (s *FileStore) Save(m Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m == nil {
		m = Map{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing sessions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing sessions file: %w", err)
	}
	s.saved, s.hasSaved = sha256.Sum256(data), true
	return nil
}

// Modified reports whether the file on disk differs from what this store
// last saved. Before the first Save any existing file counts as modified.
func (s *FileStore) Modified() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.hasSaved, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading sessions: %w", err)
	}
	if !s.hasSaved {
		return true, nil
	}
	sum := sha256.Sum256(data)
	return !bytes.Equal(sum[:], s.saved[:]), nil
}
