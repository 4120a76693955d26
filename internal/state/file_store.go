// Package state provides durable record stores for rollguard entities.
// Each entity kind persists to its own JSON file written atomically via
// a temp file and rename.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rollguard/rollguard/internal/utils/fsutil"
	"github.com/rollguard/rollguard/pkg/logging"
)

// FileStore is a generic record store backed by a single JSON file.
// The full record map lives in memory and is flushed on every write.
// A missing or corrupt backing file loads as an empty store so a bad
// shutdown never wedges startup.
type FileStore[T any] struct {
	mu     sync.RWMutex
	path   string
	data   map[string]T
	logger *logging.Logger
}

// NewFileStore creates a store backed by the given file path, loading
// any existing records. The parent directory is created if needed.
func NewFileStore[T any](path string) (*FileStore[T], error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore[T]{
		path:   path,
		data:   make(map[string]T),
		logger: logging.NewLogger("file-store"),
	}
	s.load()
	return s, nil
}

// load reads the backing file into memory. Missing files are normal on
// first start; corrupt files are logged and treated as empty.
func (s *FileStore[T]) load() {
	raw, err := os.ReadFile(s.path) // #nosec G304 - path comes from server config
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read %s, starting empty: %v", s.path, err)
		}
		return
	}

	var data map[string]T
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("Corrupt store file %s, starting empty: %v", s.path, err)
		return
	}
	s.data = data
}

// flush writes the full record map atomically. Callers must hold mu.
func (s *FileStore[T]) flush() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to persist records: %w", err)
	}
	return nil
}

// Put stores or replaces a record. The write is durable before Put
// returns; on flush failure the in-memory map is rolled back.
func (s *FileStore[T]) Put(id string, record T) error {
	if id == "" {
		return fmt.Errorf("record ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.data[id]
	s.data[id] = record

	if err := s.flush(); err != nil {
		if existed {
			s.data[id] = previous
		} else {
			delete(s.data, id)
		}
		return err
	}
	return nil
}

// Get returns the record for id and whether it exists
func (s *FileStore[T]) Get(id string) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.data[id]
	return record, ok, nil
}

// List returns a copy of all records keyed by ID
func (s *FileStore[T]) List() (map[string]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]T, len(s.data))
	for id, record := range s.data {
		out[id] = record
	}
	return out, nil
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *FileStore[T]) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.data[id]
	if !existed {
		return nil
	}
	delete(s.data, id)

	if err := s.flush(); err != nil {
		s.data[id] = previous
		return err
	}
	return nil
}
