// Package config loads pipeline configuration from YAML with environment
// variable overrides, and supports hot reload through a file watcher.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StoreConfig selects and parameterises the graph store backend.
type StoreConfig struct {
	// Backend is memory, badger or postgres.
	Backend string `yaml:"backend" validate:"oneof=memory badger postgres"`
	// Path is the data directory for the badger backend.
	Path string `yaml:"path,omitempty"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn,omitempty"`
	// Conflict is reject or merge.
	Conflict string `yaml:"conflict,omitempty" validate:"omitempty,oneof=reject merge"`
	// Sparse drops null-valued properties at write time.
	Sparse bool `yaml:"sparse,omitempty"`
	// CompressionThreshold compresses property maps larger than this many
	// keys; zero disables compression.
	CompressionThreshold int `yaml:"compression_threshold,omitempty" validate:"gte=0"`
	// IndexedKeys get an inverted property index in the memory backend.
	IndexedKeys []string `yaml:"indexed_keys,omitempty"`
}

// ChunkerConfig parameterises text splitting.
type ChunkerConfig struct {
	ChunkSize         int  `yaml:"chunk_size" validate:"gt=0"`
	Overlap           int  `yaml:"overlap" validate:"gte=0"`
	RespectSentences  bool `yaml:"respect_sentences"`
	RespectParagraphs bool `yaml:"respect_paragraphs"`
	MinChunkSize      int  `yaml:"min_chunk_size" validate:"gte=0"`
}

// FusionConfig parameterises deduplication and linking.
type FusionConfig struct {
	Deduplicate bool `yaml:"deduplicate"`
	Link        bool `yaml:"link"`
	// NameProperty is the property canonical keys derive from.
	NameProperty string `yaml:"name_property,omitempty"`
	// Similarity is exact, jaro_winkler or levenshtein.
	Similarity string  `yaml:"similarity,omitempty" validate:"omitempty,oneof=exact jaro_winkler levenshtein"`
	Threshold  float64 `yaml:"threshold,omitempty" validate:"gte=0,lte=1"`
}

// ImportConfig parameterises tabular imports.
type ImportConfig struct {
	BatchSize      int  `yaml:"batch_size" validate:"gt=0"`
	UseBulkWrites  bool `yaml:"use_bulk_writes"`
	SkipErrors     bool `yaml:"skip_errors"`
	EnableParallel bool `yaml:"enable_parallel"`
	MaxWorkers     int  `yaml:"max_workers" validate:"gte=0"`
	AutoTuneBatch  bool `yaml:"auto_tune_batch"`
}

// Config is the root pipeline configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Chunker ChunkerConfig `yaml:"chunker"`
	Fusion  FusionConfig  `yaml:"fusion"`
	Import  ImportConfig  `yaml:"import"`
	// MaxParallel bounds concurrent chunk builds on the text side.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Backend: "memory", Conflict: "merge"},
		Chunker: ChunkerConfig{ChunkSize: 1000, Overlap: 100, RespectSentences: true, MinChunkSize: 100},
		Fusion:  FusionConfig{Deduplicate: true, Link: true, Similarity: "exact", Threshold: 0.90},
		Import:  ImportConfig{BatchSize: 500, UseBulkWrites: true, MaxWorkers: 4},
		MaxParallel: 4,
	}
}

// Load reads the YAML file, applies environment overrides, and validates
// the result. An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Store.Backend = getEnv("GRAPHWEAVE_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = getEnv("GRAPHWEAVE_STORE_PATH", cfg.Store.Path)
	cfg.Store.DSN = getEnv("GRAPHWEAVE_STORE_DSN", cfg.Store.DSN)
	cfg.Import.BatchSize = getEnvInt("GRAPHWEAVE_BATCH_SIZE", cfg.Import.BatchSize)
	cfg.Import.EnableParallel = getEnvBool("GRAPHWEAVE_PARALLEL", cfg.Import.EnableParallel)
	cfg.Import.MaxWorkers = getEnvInt("GRAPHWEAVE_MAX_WORKERS", cfg.Import.MaxWorkers)
	cfg.MaxParallel = getEnvInt("GRAPHWEAVE_MAX_PARALLEL", cfg.MaxParallel)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}
