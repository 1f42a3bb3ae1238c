// Package config loads process configuration for an assocmem engine
// instance: store paths, embedding dimension, and the tunable
// thresholds the spec leaves to the implementer.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// AutoAssociationConfig controls the engine's fire-and-forget
// auto-association pass after a successful store (spec §4.6 step 5;
// SPEC_FULL.md Open Question 2).
type AutoAssociationConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	TopK     int     `mapstructure:"top_k"`
	MinScore float64 `mapstructure:"min_score"`
	EdgeType string  `mapstructure:"edge_type"`
}

// DefaultAutoAssociationConfig mirrors the spec's hard-coded defaults.
func DefaultAutoAssociationConfig() AutoAssociationConfig {
	return AutoAssociationConfig{Enabled: true, TopK: 10, MinScore: 0.7, EdgeType: "semantic"}
}

// DuplicateConfig holds duplicate-suppression settings (spec §4.6 step
// 2) as loaded from configuration. Nothing in this module reads it:
// Engine.Store takes AllowDuplicates and DuplicateThreshold from each
// StoreInput.
type DuplicateConfig struct {
	AllowDuplicates    bool    `mapstructure:"allow_duplicates"`
	DuplicateThreshold float64 `mapstructure:"duplicate_threshold"`
}

// DefaultDuplicateConfig mirrors the spec's default threshold of 0.95.
func DefaultDuplicateConfig() DuplicateConfig {
	return DuplicateConfig{AllowDuplicates: false, DuplicateThreshold: 0.95}
}

// Config is the full process configuration.
type Config struct {
	MetadataPath    string                `mapstructure:"metadata_path"`
	VectorPath      string                `mapstructure:"vector_path"`
	GraphPath       string                `mapstructure:"graph_path"`
	Dimensions      int                   `mapstructure:"dimensions"`
	UseHNSW         bool                  `mapstructure:"use_hnsw"`
	EmbedCacheSize  int                   `mapstructure:"embed_cache_size"`
	MaxConcurrent   int                   `mapstructure:"max_concurrent"`
	AutoAssociation AutoAssociationConfig `mapstructure:"auto_association"`
	Duplicate       DuplicateConfig       `mapstructure:"duplicate"`
}

// DefaultConfig returns sensible defaults for a single-process
// deployment backed by a local directory of SQLite files.
func DefaultConfig(dataDir string) Config {
	return Config{
		MetadataPath:    dataDir + "/metadata.db",
		VectorPath:      dataDir + "/vectors.db",
		GraphPath:       dataDir + "/graph.db",
		Dimensions:      256,
		UseHNSW:         true,
		EmbedCacheSize:  10_000,
		MaxConcurrent:   64,
		AutoAssociation: DefaultAutoAssociationConfig(),
		Duplicate:       DefaultDuplicateConfig(),
	}
}

// Load merges defaults, an optional config file at path (if non-empty
// and present), and ASSOCMEM_-prefixed environment variables, using
// viper the way the teacher's cobra-based CLI's companion config layer
// would. Unmarshal only decodes keys viper already knows, so an
// environment variable takes effect only for a key the config file sets.
func Load(path, dataDir string) (*Config, error) {
	v := viper.New()
	cfg := DefaultConfig(dataDir)

	v.SetConfigType("yaml")
	v.SetEnvPrefix("ASSOCMEM")
	v.AutomaticEnv()

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("load config %s: %w", path, err)
				}
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
