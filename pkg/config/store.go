package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/merchkit/courier/pkg/log"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when the configuration file does not exist
var ErrNotFound = errors.New("configuration file not found")

// Store is the file-backed configuration store: a read-through cache over
// one YAML file with atomic persistence and deep-merge updates. All
// operations serialize under one lock; callers always receive deep copies.
type Store struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	cached *Config
}

// NewStore creates a store for the configuration file at path
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: log.WithComponent("config_store"),
	}
}

// Path returns the configuration file path
func (s *Store) Path() string {
	return s.path
}

// Load returns the configuration. With useCache it serves the in-memory
// copy when present; otherwise it reads the file, validates, and caches.
func (s *Store) Load(useCache bool) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(useCache)
}

// Refresh forces a reload from disk
func (s *Store) Refresh() (*Config, error) {
	return s.Load(false)
}

func (s *Store) loadLocked(useCache bool) (*Config, error) {
	if useCache && s.cached != nil {
		return s.cached.Clone(), nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("event configuration file %q does not exist: %w", s.path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, err
	}

	s.cached = cfg
	return cfg.Clone(), nil
}

// decodeStrict parses YAML into a Config, rejecting unknown top-level
// keys. An empty document yields the defaults.
func decodeStrict(raw []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// empty file: defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save validates and persists the configuration atomically: serialized to
// a sibling temporary file, then renamed into place. The cache is updated
// only after a successful write.
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *Store) saveLocked(cfg *Config) error {
	persisted := cfg.Clone()
	if err := persisted.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temporary configuration file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set configuration permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace configuration: %w", err)
	}

	s.cached = persisted
	s.logger.Debug().Str("path", s.path).Msg("Configuration saved")
	return nil
}

// Update deep-merges the partial document over the current configuration,
// re-validates, persists, and updates the cache. Nested mappings merge
// recursively; scalars and lists are replaced. On error neither the file
// nor the cache is modified.
func (s *Store) Update(partial map[string]any) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(true)
	if err != nil {
		return nil, err
	}

	raw, err := yaml.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize configuration: %w", err)
	}
	var asMap map[string]any
	if err := yaml.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("failed to serialize configuration: %w", err)
	}

	merged := deepMerge(asMap, partial)

	mergedRaw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg, err := decodeStrict(mergedRaw)
	if err != nil {
		return nil, err
	}

	if err := s.saveLocked(cfg); err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// deepMerge recursively merges updates over original. Nested string-keyed
// mappings merge key by key; every other value in updates replaces the
// original wholesale.
func deepMerge(original, updates map[string]any) map[string]any {
	result := make(map[string]any, len(original)+len(updates))
	for key, value := range original {
		result[key] = value
	}
	for key, value := range updates {
		existing, ok := result[key]
		if ok {
			existingMap, existingIsMap := existing.(map[string]any)
			updateMap, updateIsMap := value.(map[string]any)
			if existingIsMap && updateIsMap {
				result[key] = deepMerge(existingMap, updateMap)
				continue
			}
		}
		result[key] = value
	}
	return result
}
