// Package config handles agentdb configuration via environment variables.
//
// agentdb is configured entirely through AGENTDB_* environment variables
// plus an optional YAML overlay file, with no server/auth/compliance surface
// to speak of: it is an embedded engine, not a standalone service. Defaults
// are chosen so LoadFromEnv() alone produces a usable Config.
//
// Configuration is loaded from environment variables (and, if present, a
// YAML file) using LoadFromEnv() and should be checked with Validate()
// before use.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
//	fmt.Printf("base dir: %s, hnsw M: %d\n", cfg.Storage.BaseDir, cfg.HNSW.M)
//
// Environment Variables:
//
//   - AGENTDB_BASE_DIR="./.agentdb"
//   - AGENTDB_LOCK_TIMEOUT=5s
//   - AGENTDB_HNSW_M=16
//   - AGENTDB_HNSW_EF_CONSTRUCTION=200
//   - AGENTDB_HNSW_EF_SEARCH=64
//   - AGENTDB_HNSW_METRIC="cosine"
//   - AGENTDB_BUS_SOCKET="" (empty uses bus.DefaultSocketPath())
//   - AGENTDB_BUS_BUFFER_SIZE=1024
//   - AGENTDB_RETRY_MAX_ATTEMPTS=5
//   - AGENTDB_RETRY_BASE_DELAY=10ms
//   - AGENTDB_METRICS_NAMESPACE="agentdb"
//   - AGENTDB_LOG_LEVEL="info"
//   - AGENTDB_LOG_FORMAT="text"
//   - AGENTDB_CONFIG_FILE="" (optional YAML overlay path)
//
// For a complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agentdb configuration loaded from environment variables
// and, optionally, a YAML overlay file.
//
// Configuration is organized into logical sections:
//   - Storage: base directory layout and the advisory lock guarding it
//   - HNSW: approximate nearest-neighbor index tuning
//   - Bus: the L1 observability bus transport
//   - Retry: a retry budget (validated only; no store reads it)
//   - Metrics: the Prometheus-style metrics registry
//   - Logging: diagnostic log level/format
//
// Use LoadFromEnv() to create a Config from the environment.
type Config struct {
	Storage StorageConfig
	HNSW    HNSWConfig
	Bus     BusConfig
	Retry   RetryConfig
	Metrics MetricsConfig
	Logging LoggingConfig
}

// StorageConfig controls the on-disk layout agentdb manages under BaseDir:
// graphs/, vectors.bin, episodes.db (+ -wal/-shm) and episode-vectors.bin
// all live beneath it. The episode time index is kept in memory only; no
// time-index file is written.
type StorageConfig struct {
	// BaseDir is the root directory agentdb owns. Created on first use.
	BaseDir string
	// LockTimeout bounds how long Open() waits on the base directory's
	// advisory lock before giving up.
	LockTimeout time.Duration
}

// HNSWConfig tunes the approximate nearest-neighbor index of the engine's
// pkg/vectordb instance. The episode store's own vector index does not read
// it and uses the pkg/hnsw defaults.
type HNSWConfig struct {
	// M is the max number of bidirectional links per node per layer.
	M int
	// EfConstruction bounds the candidate list size during insertion.
	EfConstruction int
	// EfSearch bounds the candidate list size during search.
	EfSearch int
	// Metric selects the distance function: "cosine", "dot", "euclidean",
	// or "manhattan" (matching pkg/vector.Metric's constants).
	Metric string
}

// BusConfig controls the L1 observability bus transport.
type BusConfig struct {
	// SocketPath is the Unix-domain socket the bus dials to deliver events;
	// empty uses bus.DefaultSocketPath().
	SocketPath string
	// BufferSize must be positive to pass Validate, but Open does not read
	// it: the bus queue capacity is fixed at 10000 events.
	BufferSize int
}

// RetryConfig describes a retry budget. Validate checks it, but no store
// reads it: every vector.WithRetry call in pkg/graph, pkg/vectordb and
// pkg/episode uses vector.DefaultRetryConfig.
type RetryConfig struct {
	// MaxAttempts is the number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the starting backoff delay, doubled each retry.
	BaseDelay time.Duration
}

// MetricsConfig controls the Prometheus-style metrics registry.
type MetricsConfig struct {
	// Namespace is loaded and printed by String, but the registry does not
	// read it: metric names carry a fixed "agentdb_" prefix.
	Namespace string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is one of "text" or "json".
	Format string
}

// yamlOverlay mirrors Config's shape for YAML decoding; only fields present
// in the file override values already loaded from the environment.
type yamlOverlay struct {
	Storage *struct {
		BaseDir     string `yaml:"base_dir"`
		LockTimeout string `yaml:"lock_timeout"`
	} `yaml:"storage"`
	HNSW *struct {
		M              *int    `yaml:"m"`
		EfConstruction *int    `yaml:"ef_construction"`
		EfSearch       *int    `yaml:"ef_search"`
		Metric         string  `yaml:"metric"`
	} `yaml:"hnsw"`
	Bus *struct {
		SocketPath string `yaml:"socket_path"`
		BufferSize *int   `yaml:"buffer_size"`
	} `yaml:"bus"`
	Retry *struct {
		MaxAttempts *int   `yaml:"max_attempts"`
		BaseDelay   string `yaml:"base_delay"`
	} `yaml:"retry"`
	Metrics *struct {
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
	Logging *struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadFromEnv loads configuration from AGENTDB_* environment variables,
// then applies an optional YAML overlay if AGENTDB_CONFIG_FILE names a
// readable file. All values have sensible defaults, so LoadFromEnv() can
// be called without any environment variables set.
//
// Example:
//
//	// Minimal setup - uses all defaults
//	cfg := config.LoadFromEnv()
//
//	// With custom environment
//	os.Setenv("AGENTDB_BASE_DIR", "/var/lib/agentdb")
//	os.Setenv("AGENTDB_HNSW_EF_SEARCH", "128")
//	cfg = config.LoadFromEnv()
func LoadFromEnv() *Config {
	cfg := &Config{
		Storage: StorageConfig{
			BaseDir:     getEnv("AGENTDB_BASE_DIR", "./.agentdb"),
			LockTimeout: getEnvDuration("AGENTDB_LOCK_TIMEOUT", 5*time.Second),
		},
		HNSW: HNSWConfig{
			M:              getEnvInt("AGENTDB_HNSW_M", 16),
			EfConstruction: getEnvInt("AGENTDB_HNSW_EF_CONSTRUCTION", 200),
			EfSearch:       getEnvInt("AGENTDB_HNSW_EF_SEARCH", 64),
			Metric:         getEnv("AGENTDB_HNSW_METRIC", "cosine"),
		},
		Bus: BusConfig{
			SocketPath: getEnv("AGENTDB_BUS_SOCKET", ""),
			BufferSize: getEnvInt("AGENTDB_BUS_BUFFER_SIZE", 1024),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("AGENTDB_RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvDuration("AGENTDB_RETRY_BASE_DELAY", 10*time.Millisecond),
		},
		Metrics: MetricsConfig{
			Namespace: getEnv("AGENTDB_METRICS_NAMESPACE", "agentdb"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("AGENTDB_LOG_LEVEL", "info"),
			Format: getEnv("AGENTDB_LOG_FORMAT", "text"),
		},
	}

	if path := getEnv("AGENTDB_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyYAMLOverlay(path); err != nil {
			// LoadFromEnv has no error return; an overlay that can't be
			// read or parsed is reported via Validate() instead, by
			// leaving env-derived defaults in place.
			_ = err
		}
	}

	return cfg
}

func (c *Config) applyYAMLOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading overlay %s: %w", path, err)
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parsing overlay %s: %w", path, err)
	}

	if overlay.Storage != nil {
		if overlay.Storage.BaseDir != "" {
			c.Storage.BaseDir = overlay.Storage.BaseDir
		}
		if overlay.Storage.LockTimeout != "" {
			if d, err := time.ParseDuration(overlay.Storage.LockTimeout); err == nil {
				c.Storage.LockTimeout = d
			}
		}
	}
	if overlay.HNSW != nil {
		if overlay.HNSW.M != nil {
			c.HNSW.M = *overlay.HNSW.M
		}
		if overlay.HNSW.EfConstruction != nil {
			c.HNSW.EfConstruction = *overlay.HNSW.EfConstruction
		}
		if overlay.HNSW.EfSearch != nil {
			c.HNSW.EfSearch = *overlay.HNSW.EfSearch
		}
		if overlay.HNSW.Metric != "" {
			c.HNSW.Metric = overlay.HNSW.Metric
		}
	}
	if overlay.Bus != nil {
		if overlay.Bus.SocketPath != "" {
			c.Bus.SocketPath = overlay.Bus.SocketPath
		}
		if overlay.Bus.BufferSize != nil {
			c.Bus.BufferSize = *overlay.Bus.BufferSize
		}
	}
	if overlay.Retry != nil {
		if overlay.Retry.MaxAttempts != nil {
			c.Retry.MaxAttempts = *overlay.Retry.MaxAttempts
		}
		if overlay.Retry.BaseDelay != "" {
			if d, err := time.ParseDuration(overlay.Retry.BaseDelay); err == nil {
				c.Retry.BaseDelay = d
			}
		}
	}
	if overlay.Metrics != nil && overlay.Metrics.Namespace != "" {
		c.Metrics.Namespace = overlay.Metrics.Namespace
	}
	if overlay.Logging != nil {
		if overlay.Logging.Level != "" {
			c.Logging.Level = overlay.Logging.Level
		}
		if overlay.Logging.Format != "" {
			c.Logging.Format = overlay.Logging.Format
		}
	}
	return nil
}

// Validate checks the config for internally inconsistent or unusable
// values. It does not touch the filesystem.
func (c *Config) Validate() error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("config: storage.base_dir must not be empty")
	}
	if c.Storage.LockTimeout <= 0 {
		return fmt.Errorf("config: storage.lock_timeout must be positive, got %s", c.Storage.LockTimeout)
	}
	if c.HNSW.M <= 0 {
		return fmt.Errorf("config: hnsw.m must be positive, got %d", c.HNSW.M)
	}
	if c.HNSW.EfConstruction <= 0 {
		return fmt.Errorf("config: hnsw.ef_construction must be positive, got %d", c.HNSW.EfConstruction)
	}
	if c.HNSW.EfSearch <= 0 {
		return fmt.Errorf("config: hnsw.ef_search must be positive, got %d", c.HNSW.EfSearch)
	}
	switch c.HNSW.Metric {
	case "cosine", "dot", "euclidean", "manhattan":
	default:
		return fmt.Errorf("config: hnsw.metric must be one of cosine, dot, euclidean, manhattan, got %q", c.HNSW.Metric)
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("config: bus.buffer_size must be positive, got %d", c.Bus.BufferSize)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config: retry.base_delay must be positive, got %s", c.Retry.BaseDelay)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format must be one of text, json, got %q", c.Logging.Format)
	}
	return nil
}

// String renders a human-readable summary, safe to log: there are no
// secrets in agentdb's configuration surface.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{base_dir=%s, lock_timeout=%s, hnsw={m=%d, ef_construction=%d, ef_search=%d, metric=%s}, bus_socket=%q, retry={max_attempts=%d, base_delay=%s}, metrics_namespace=%s, log={level=%s, format=%s}}",
		c.Storage.BaseDir, c.Storage.LockTimeout,
		c.HNSW.M, c.HNSW.EfConstruction, c.HNSW.EfSearch, c.HNSW.Metric,
		c.Bus.SocketPath,
		c.Retry.MaxAttempts, c.Retry.BaseDelay,
		c.Metrics.Namespace,
		c.Logging.Level, c.Logging.Format,
	)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
