package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultStorageDir is the default directory for the credential file,
// relative to the user's home directory.
const DefaultStorageDir = ".config/mcp-oauth-debug"

// DefaultFileName is the name of the credential file inside the storage directory.
const DefaultFileName = "credentials.json"

// FileStore persists items as a single JSON object on disk.
//
// SECURITY: the file holds client secrets and tokens. The directory is created
// with 0700 and the file is written with 0600 permissions. Writes go through a
// temporary file and a rename so a crash never leaves a truncated document.
type FileStore struct {
	mu     sync.Mutex
	path   string
	items  map[string]string
	loaded bool
}

// NewFileStore creates a file-backed store at path. If path is empty the
// default location under the user's home directory is used. The file is not
// read until the first operation.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, DefaultStorageDir, DefaultFileName)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential storage directory: %w", err)
	}

	return &FileStore{path: path}, nil
}

// Path returns the location of the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// GetItem returns the value stored under key.
func (s *FileStore) GetItem(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return "", false, err
	}
	value, ok := s.items[key]
	return value, ok, nil
}

// SetItem stores value under key and flushes the file.
func (s *FileStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	items := s.cloneLocked()
	items[key] = value
	return s.commitLocked(items)
}

// RemoveItem deletes key and flushes the file.
func (s *FileStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.items[key]; !ok {
		return nil
	}
	items := s.cloneLocked()
	delete(items, key)
	return s.commitLocked(items)
}

// cloneLocked copies the cached items so a change can be staged.
// REQUIRES: s.mu held.
func (s *FileStore) cloneLocked() map[string]string {
	items := make(map[string]string, len(s.items)+1)
	for k, v := range s.items {
		items[k] = v
	}
	return items
}

// commitLocked writes items to disk and only then makes them the cache, so
// a failed write leaves the cache matching the file.
// REQUIRES: s.mu held.
func (s *FileStore) commitLocked(items map[string]string) error {
	if err := flushItems(s.path, items); err != nil {
		return err
	}
	s.items = items
	return nil
}

// loadLocked reads the backing file once. A missing file is an empty store.
// REQUIRES: s.mu held.
func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}

	// #nosec G304 -- path is chosen by the operator, not by remote input
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.items = make(map[string]string)
	case err != nil:
		return fmt.Errorf("failed to read credential file: %w", err)
	default:
		items := make(map[string]string)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("failed to parse credential file %s: %w", s.path, err)
			}
		}
		s.items = items
	}

	s.loaded = true
	return nil
}

// flushItems writes items to path atomically.
func flushItems(path string, items map[string]string) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to restrict credential file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
