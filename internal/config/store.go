package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Store loads and saves the durable configuration.
type Store interface {
	Load() (*Config, error)
	Save(cfg *Config) error
}

// FileStore keeps the configuration in a YAML file. JSON files load too,
// since YAML is a superset of JSON.
type FileStore struct {
	Path string
}

// NewFileStore returns a store for path, or for DefaultConfigPath when path is empty.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultConfigPath()
	}
	return &FileStore{Path: path}
}

// Load reads the file on top of NewDefaultConfig. A missing file is not an
// error: the defaults are returned.
func (s *FileStore) Load() (*Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", s.Path, err)
	}
	return cfg, nil
}

// Save writes cfg atomically (temp file + rename) with owner-only permissions,
// since the file may carry credentials.
func (s *FileStore) Save(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
