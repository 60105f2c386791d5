// Package config loads the rstardb YAML configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	"github.com/sushant-115/rstardb/pkg/logger"
	"github.com/sushant-115/rstardb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Snapshot  SnapshotConfig   `yaml:"snapshot"`
}

type StorageConfig struct {
	DataDir           string  `yaml:"data_dir"`
	HeapFileName      string  `yaml:"heap_file"`
	IndexFileName     string  `yaml:"index_file"`
	Dimension         int     `yaml:"dimension"`
	MaxEntries        int     `yaml:"max_entries"`         // M
	MinEntries        int     `yaml:"min_entries"`         // m
	ReinsertFraction  float64 `yaml:"reinsert_fraction"`   // p = floor(fraction * M)
	NodeCacheCapacity int     `yaml:"node_cache_capacity"` // resident nodes
	RecordCacheSize   int64   `yaml:"record_cache_size"`   // 0 disables the record cache
}

// HeapPath is the heap file location inside DataDir.
func (s StorageConfig) HeapPath() string { return filepath.Join(s.DataDir, s.HeapFileName) }

// IndexPath is the node file location inside DataDir.
func (s StorageConfig) IndexPath() string { return filepath.Join(s.DataDir, s.IndexFileName) }

type SnapshotConfig struct {
	Dir             string `yaml:"dir"`
	RateBytesPerSec int64  `yaml:"rate_bytes_per_sec"` // 0 = unthrottled
	Verify          bool   `yaml:"verify"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:           "rstar_data",
			HeapFileName:      "records.heap",
			IndexFileName:     "index.rtree",
			Dimension:         2,
			MaxEntries:        50,
			MinEntries:        25,
			ReinsertFraction:  0.3,
			NodeCacheCapacity: 256,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "rstardb",
			TraceSampleRatio: 1.0,
		},
		Snapshot: SnapshotConfig{
			Dir:    "rstar_snapshots",
			Verify: true,
		},
	}
}

// Load reads configPath over the defaults. An empty path looks for
// rstar.yaml and configs/rstar.yaml and falls back to the defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	// Derived from max_entries unless the file sets it.
	cfg.Storage.MinEntries = 0

	if configPath == "" {
		for _, p := range []string{"configs/rstar.yaml", "rstar.yaml"} {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = def.Storage.DataDir
	}
	if cfg.Storage.HeapFileName == "" {
		cfg.Storage.HeapFileName = def.Storage.HeapFileName
	}
	if cfg.Storage.IndexFileName == "" {
		cfg.Storage.IndexFileName = def.Storage.IndexFileName
	}
	if cfg.Storage.Dimension <= 0 {
		cfg.Storage.Dimension = def.Storage.Dimension
	}
	if cfg.Storage.MaxEntries <= 0 {
		cfg.Storage.MaxEntries = def.Storage.MaxEntries
	}
	if cfg.Storage.MinEntries <= 0 {
		cfg.Storage.MinEntries = cfg.Storage.MaxEntries / 2
	}
	if cfg.Storage.ReinsertFraction <= 0 || cfg.Storage.ReinsertFraction >= 1 {
		cfg.Storage.ReinsertFraction = def.Storage.ReinsertFraction
	}
	if cfg.Storage.NodeCacheCapacity <= 0 {
		cfg.Storage.NodeCacheCapacity = def.Storage.NodeCacheCapacity
	}
	if cfg.Storage.RecordCacheSize < 0 {
		cfg.Storage.RecordCacheSize = 0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.TraceSampleRatio <= 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		cfg.Telemetry.TraceSampleRatio = def.Telemetry.TraceSampleRatio
	}
	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = def.Snapshot.Dir
	}
}

// Validate rejects settings the storage layer cannot honour.
func (c *Config) Validate() error {
	s := c.Storage
	switch {
	case s.Dimension < 1:
		return fmt.Errorf("%w: dimension must be at least 1, got %d", flushmanager.ErrInvalidInput, s.Dimension)
	case s.MaxEntries > nodestore.MaxFanout(s.Dimension):
		return fmt.Errorf("%w: max_entries %d does not fit a page at dimension %d (limit %d)",
			flushmanager.ErrInvalidInput, s.MaxEntries, s.Dimension, nodestore.MaxFanout(s.Dimension))
	case s.MinEntries < 2 || s.MinEntries > s.MaxEntries/2:
		return fmt.Errorf("%w: min_entries %d outside [2, %d]", flushmanager.ErrInvalidInput, s.MinEntries, s.MaxEntries/2)
	case int(math.Floor(s.ReinsertFraction*float64(s.MaxEntries))) < 1:
		return fmt.Errorf("%w: reinsert_fraction %v removes no entries from a node of %d",
			flushmanager.ErrInvalidInput, s.ReinsertFraction, s.MaxEntries)
	case s.NodeCacheCapacity < 1:
		return fmt.Errorf("%w: node_cache_capacity must be positive", flushmanager.ErrInvalidInput)
	case c.Snapshot.RateBytesPerSec < 0:
		return fmt.Errorf("%w: snapshot rate must not be negative", flushmanager.ErrInvalidInput)
	}
	return nil
}
