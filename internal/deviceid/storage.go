package deviceid

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
)

const deviceFile = "device.json"

// FileStorage keeps key/value pairs in a small JSON object on disk (0600).
type FileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFileStorage returns a FileStorage at path. The file is created on first Set.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// DefaultFileStorage returns storage at ~/.config/stellar/device.json.
func DefaultFileStorage() (*FileStorage, error) {
	dir, err := syncconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return NewFileStorage(filepath.Join(dir, deviceFile)), nil
}

func (s *FileStorage) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	vals := map[string]string{}
	if len(data) == 0 {
		return vals, nil
	}
	if err := json.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return vals, nil
}

func (s *FileStorage) save(vals map[string]string) error {
	data, err := json.MarshalIndent(vals, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// Get returns the value for key, or "" when absent.
func (s *FileStorage) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, err := s.load()
	if err != nil {
		return "", err
	}
	return vals[key], nil
}

// Set stores value under key.
func (s *FileStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, err := s.load()
	if err != nil {
		return err
	}
	vals[key] = value
	return s.save(vals)
}

// Delete removes key. Missing keys are not an error.
func (s *FileStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := vals[key]; !ok {
		return nil
	}
	delete(vals, key)
	return s.save(vals)
}

// MemoryStorage is an in-process Storage, used in tests and ephemeral replicas.
type MemoryStorage struct {
	mu   sync.Mutex
	vals map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{vals: map[string]string{}}
}

func (m *MemoryStorage) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vals[key], nil
}

func (m *MemoryStorage) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}

func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
	return nil
}
