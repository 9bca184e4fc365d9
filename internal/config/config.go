// Package config loads the TOML node configuration consumed by
// cmd/lineagecached, in the teacher's TOML-config idiom (geth's
// internal/cli/server config layering, minus the many stanzas this
// repo has no use for).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// StoreBackend selects which gcs implementation a node runs against.
type StoreBackend string

const (
	BackendMemory StoreBackend = "memory"
	BackendPebble StoreBackend = "pebble"
)

// StoreConfig configures the MetadataStore backend.
type StoreConfig struct {
	Backend StoreBackend `toml:"backend"`
	Pebble  PebbleConfig `toml:"pebble"`
}

// PebbleConfig configures gcs/pebblestore.
type PebbleConfig struct {
	Path     string `toml:"path"`
	PoolSize int    `toml:"pool_size"`
}

// Config is a node's full configuration: its own identity, the
// lineage-size bound (spec.md §4.5), and its metadata store backend.
type Config struct {
	SelfNodeID     string      `toml:"self_node_id"`
	MaxLineageSize uint64      `toml:"max_lineage_size"`
	Store          StoreConfig `toml:"store"`
}

// DefaultConfig returns the configuration used when no file is given:
// an in-memory store, no lineage-size bound, and an empty SelfNodeID.
// cmd/lineagecached does not read SelfNodeID; it generates a fresh random
// node id on every run, with or without a config file.
func DefaultConfig() Config {
	return Config{
		MaxLineageSize: 0,
		Store: StoreConfig{
			Backend: BackendMemory,
			Pebble: PebbleConfig{
				Path:     "lineagecache.db",
				PoolSize: 4,
			},
		},
	}
}

// Load reads and decodes a TOML config file at path, merging its values
// over DefaultConfig() the way the teacher's server config layers a
// file over its compiled-in defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	return cfg, nil
}

// Validate reports a non-nil error if cfg is not usable to construct a
// cache/store pair.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendPebble:
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendPebble && c.Store.Pebble.Path == "" {
		return fmt.Errorf("config: store.pebble.path must be set for the pebble backend")
	}
	return nil
}
