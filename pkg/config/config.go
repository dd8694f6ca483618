// Package config handles graphstore configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --codec, etc.)
//  2. Environment variables (GRAPHSTORE_*)
//  3. Config file (graphstore.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	opts, err := cfg.EngineOptions(logger)
//	engine, err := graph.OpenWithOptions(opts)
//
// Environment Variables (all use GRAPHSTORE_ prefix):
//
// Storage:
//   - GRAPHSTORE_DATA_DIR="./data"
//   - GRAPHSTORE_IN_MEMORY=false
//   - GRAPHSTORE_SYNC_WRITES=false
//   - GRAPHSTORE_LOW_MEMORY=false
//   - GRAPHSTORE_HIGH_PERFORMANCE=false
//   - GRAPHSTORE_ENCRYPTION_PASSWORD=""
//
// Engine:
//   - GRAPHSTORE_CODEC="binary" or "gob"
//   - GRAPHSTORE_ALLOW_DANGLING_EDGES=false
//   - GRAPHSTORE_CACHE_MAX_ENTRIES=100000
//   - GRAPHSTORE_QUERY_TIMEOUT="30s"
//
// Logging:
//   - GRAPHSTORE_LOG_LEVEL="info"
//   - GRAPHSTORE_LOG_FORMAT="json"
//   - GRAPHSTORE_LOG_OUTPUT="stderr"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/graphstore/pkg/graph"
	"github.com/orneryd/graphstore/pkg/logging"
)

// EnvPrefix is prepended to every environment variable read by this package.
const EnvPrefix = "GRAPHSTORE_"

// Config holds all graphstore configuration.
//
// Configuration is organized into logical sections:
//   - Storage: where and how Badger keeps data
//   - Engine: codec, edge integrity and cache settings
//   - Logging: zap level, format and destination
type Config struct {
	Storage StorageConfig  `yaml:"storage"`
	Engine  EngineConfig   `yaml:"engine"`
	Logging logging.Config `yaml:"logging"`
}

// StorageConfig configures the Badger store.
type StorageConfig struct {
	// DataDir is the Badger directory. Required unless InMemory is set.
	DataDir string `yaml:"data_dir"`
	// InMemory keeps everything in RAM.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`
	// LowMemory and HighPerformance select Badger tuning presets.
	LowMemory       bool `yaml:"low_memory"`
	HighPerformance bool `yaml:"high_performance"`
	// EncryptionPassword enables encryption at rest. Never printed.
	EncryptionPassword string `yaml:"encryption_password"`
}

// EngineConfig configures the graph engine.
type EngineConfig struct {
	// Codec is "binary" (default) or "gob".
	Codec string `yaml:"codec"`
	// AllowDanglingEdges disables the endpoint existence check.
	AllowDanglingEdges bool `yaml:"allow_dangling_edges"`
	// CacheMaxEntries bounds each entity cache. Zero means unbounded.
	CacheMaxEntries int `yaml:"cache_max_entries"`
	// QueryTimeout bounds a single query issued from the CLI.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// LoadDefaults returns the built-in configuration.
func LoadDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Engine: EngineConfig{
			Codec:           "binary",
			CacheMaxEntries: 100000,
			QueryTimeout:    30 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stderr",
			Name:   "graphstore",
		},
	}
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// already set are kept, and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env", ".env.local"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromFile builds a Config from defaults, then the YAML file at
// configPath (skipped when empty or missing), then GRAPHSTORE_* variables.
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvVars(config)
	return config, nil
}

// LoadFromEnv builds a Config from defaults and GRAPHSTORE_* variables only.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// applyEnvVars overrides config with any GRAPHSTORE_* variable that is set.
func applyEnvVars(config *Config) {
	config.Storage.DataDir = getEnv(EnvPrefix+"DATA_DIR", config.Storage.DataDir)
	config.Storage.InMemory = getEnvBool(EnvPrefix+"IN_MEMORY", config.Storage.InMemory)
	config.Storage.SyncWrites = getEnvBool(EnvPrefix+"SYNC_WRITES", config.Storage.SyncWrites)
	config.Storage.LowMemory = getEnvBool(EnvPrefix+"LOW_MEMORY", config.Storage.LowMemory)
	config.Storage.HighPerformance = getEnvBool(EnvPrefix+"HIGH_PERFORMANCE", config.Storage.HighPerformance)
	config.Storage.EncryptionPassword = getEnv(EnvPrefix+"ENCRYPTION_PASSWORD", config.Storage.EncryptionPassword)

	config.Engine.Codec = getEnv(EnvPrefix+"CODEC", config.Engine.Codec)
	config.Engine.AllowDanglingEdges = getEnvBool(EnvPrefix+"ALLOW_DANGLING_EDGES", config.Engine.AllowDanglingEdges)
	config.Engine.CacheMaxEntries = getEnvInt(EnvPrefix+"CACHE_MAX_ENTRIES", config.Engine.CacheMaxEntries)
	config.Engine.QueryTimeout = getEnvDuration(EnvPrefix+"QUERY_TIMEOUT", config.Engine.QueryTimeout)

	config.Logging.Level = getEnv(EnvPrefix+"LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv(EnvPrefix+"LOG_FORMAT", config.Logging.Format)
	config.Logging.Output = getEnv(EnvPrefix+"LOG_OUTPUT", config.Logging.Output)
}

// Validate checks the configuration for consistency.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("data_dir is required unless in_memory is set")
	}
	if c.Storage.InMemory && c.Storage.EncryptionPassword != "" {
		return fmt.Errorf("encryption requires a data directory")
	}
	if c.Storage.LowMemory && c.Storage.HighPerformance {
		return fmt.Errorf("low_memory and high_performance are mutually exclusive")
	}
	if _, err := graph.CodecByName(c.Engine.Codec); err != nil {
		return err
	}
	if c.Engine.CacheMaxEntries < 0 {
		return fmt.Errorf("invalid cache_max_entries: %d", c.Engine.CacheMaxEntries)
	}
	if c.Engine.QueryTimeout < 0 {
		return fmt.Errorf("invalid query_timeout: %s", c.Engine.QueryTimeout)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// String returns a representation safe for logging. The encryption password
// is never included.
func (c *Config) String() string {
	dir := c.Storage.DataDir
	if c.Storage.InMemory {
		dir = "(in-memory)"
	}
	return fmt.Sprintf(
		"Config{DataDir: %s, Encrypted: %v, Codec: %s, Cache: %d, Log: %s/%s}",
		dir,
		c.Storage.EncryptionPassword != "",
		c.Engine.Codec,
		c.Engine.CacheMaxEntries,
		c.Logging.Level, c.Logging.Format,
	)
}

// EngineOptions maps the configuration onto graph.Options.
func (c *Config) EngineOptions(logger *zap.Logger) (graph.Options, error) {
	codec, err := graph.CodecByName(c.Engine.Codec)
	if err != nil {
		return graph.Options{}, err
	}
	return graph.Options{
		DataDir:            c.Storage.DataDir,
		InMemory:           c.Storage.InMemory,
		SyncWrites:         c.Storage.SyncWrites,
		LowMemory:          c.Storage.LowMemory,
		HighPerformance:    c.Storage.HighPerformance,
		EncryptionPassword: c.Storage.EncryptionPassword,
		Codec:              codec,
		Logger:             logger,
		AllowDanglingEdges: c.Engine.AllowDanglingEdges,
		CacheMaxEntries:    c.Engine.CacheMaxEntries,
	}, nil
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. Current working directory (graphstore.yaml, config.yaml)
//  2. ~/.graphstore/config.yaml
//  3. ~/.config/graphstore/config.yaml (XDG)
func FindConfigFile() string {
	candidates := []string{"graphstore.yaml", "config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".graphstore", "config.yaml"),
			filepath.Join(home, ".config", "graphstore", "config.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
