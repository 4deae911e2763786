package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"unitd/pkg/logging"
)

// Storage provides generic YAML persistence under a single state
// directory, one subdirectory per entity type. The manager uses it for
// enablement and mask state; drop-in tooling can reuse it for anything
// file-shaped.
type Storage struct {
	mu        sync.RWMutex
	statePath string
}

// NewStorage returns a Storage rooted at statePath.
func NewStorage(statePath string) *Storage {
	if statePath == "" {
		panic("config: empty storage statePath")
	}
	return &Storage{statePath: statePath}
}

// Save stores data under "<statePath>/<entityType>/<name>.yaml".
func (s *Storage) Save(entityType, name string, data []byte) error {
	if entityType == "" || name == "" {
		return fmt.Errorf("config: entityType and name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.statePath, entityType)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}

	path := filepath.Join(dir, sanitizeName(name)+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	logging.Debug("Storage", "saved %s/%s", entityType, name)
	return nil
}

// Load retrieves data for the given entity type and name.
func (s *Storage) Load(entityType, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.statePath, entityType, sanitizeName(name)+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s/%s: %w", entityType, name, err)
	}
	return data, nil
}

// Exists reports whether an entry is stored.
func (s *Storage) Exists(entityType, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path := filepath.Join(s.statePath, entityType, sanitizeName(name)+".yaml")
	_, err := os.Stat(path)
	return err == nil
}

// Delete removes an entry; deleting an absent entry is not an error.
func (s *Storage) Delete(entityType, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.statePath, entityType, sanitizeName(name)+".yaml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: delete %s/%s: %w", entityType, name, err)
	}
	return nil
}

// List returns the stored names for an entity type, without extensions.
func (s *Storage) List(entityType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.statePath, entityType)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

// sanitizeName keeps stored filenames inside the entity directory.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return strings.ReplaceAll(name, "..", "_")
}
