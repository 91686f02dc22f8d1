// Package config loads the tunables a distributed container cluster needs
// at startup: locality count, expected entries per locality, the batching
// high-water mark, and worker pool sizing. It follows matrixone's
// pkg/config convention of a flat TOML-tagged struct decoded with
// github.com/BurntSushi/toml, rather than flags or environment variables.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// RuntimeConfig collects the values global.NewClusterFromConfig and
// global.CreateFromConfig take: how many localities to simulate and how
// each locality's local container and output buffers should be sized.
type RuntimeConfig struct {
	// NumLocalities is the number of simulated localities in the cluster.
	NumLocalities int `toml:"num_localities"`

	// ExpectedEntriesPerLocality sizes each locality's local head-bucket
	// table, passed through to dmap.WithExpectedEntries.
	ExpectedEntriesPerLocality int `toml:"expected_entries_per_locality"`

	// BufferHighWaterMark is the per-destination entry count that triggers
	// an implicit flush in each locality's output buffer.
	BufferHighWaterMark int `toml:"buffer_high_water_mark"`

	// WorkerPoolSize bounds the goroutine pool backing each locality's
	// intra-locality parallel loops (bucket-parallel ForEachEntry and the
	// simulated runtime's ForEachAt).
	WorkerPoolSize int `toml:"worker_pool_size"`
}

// Default returns the configuration used when no file is supplied: a
// single locality, a modest table, and the package defaults for batching
// and pool sizing.
func Default() RuntimeConfig {
	return RuntimeConfig{
		NumLocalities:              1,
		ExpectedEntriesPerLocality: 1024,
		BufferHighWaterMark:        256,
		WorkerPoolSize:             256,
	}
}

// LoadFile reads and decodes a RuntimeConfig from a TOML file at path,
// starting from Default() so an input file may omit any field it doesn't
// want to override.
func LoadFile(path string) (RuntimeConfig, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value, returning the
// first violation found.
func (c RuntimeConfig) Validate() error {
	if c.NumLocalities < 1 {
		return fmt.Errorf("config: num_localities must be >= 1, got %d", c.NumLocalities)
	}
	if c.ExpectedEntriesPerLocality < 0 {
		return fmt.Errorf("config: expected_entries_per_locality must be >= 0, got %d", c.ExpectedEntriesPerLocality)
	}
	if c.BufferHighWaterMark < 1 {
		return fmt.Errorf("config: buffer_high_water_mark must be >= 1, got %d", c.BufferHighWaterMark)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("config: worker_pool_size must be >= 1, got %d", c.WorkerPoolSize)
	}
	return nil
}
