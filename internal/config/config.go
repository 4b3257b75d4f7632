// Package config provides configuration loading for mendd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mendd/internal/analytics"
	"github.com/fyrsmithlabs/mendd/internal/embeddings"
	"github.com/fyrsmithlabs/mendd/internal/healing"
	"github.com/fyrsmithlabs/mendd/internal/inference"
	"github.com/fyrsmithlabs/mendd/internal/retriever"
	"github.com/fyrsmithlabs/mendd/internal/vectorindex"
)

// Config is the complete daemon configuration.
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Database    DatabaseConfig     `koanf:"database"`
	Logging     LoggingConfig      `koanf:"logging"`
	VectorIndex vectorindex.Config `koanf:"vectorindex"`
	Embeddings  embeddings.Config  `koanf:"embeddings"`
	Inference   inference.Config   `koanf:"inference"`
	Retriever   retriever.Config   `koanf:"retriever"`
	Healing     healing.Config     `koanf:"healing"`
	Analytics   analytics.Config   `koanf:"analytics"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite artifact store.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "mendd.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Inference.BaseURL == "" {
		cfg.Inference.BaseURL = "http://localhost:8000"
	}

	cfg.VectorIndex.ApplyDefaults()
	cfg.Retriever.ApplyDefaults()
	cfg.Healing.ApplyDefaults()
	cfg.Analytics.ApplyDefaults()
}

// Validate checks configuration consistency. Backend-specific validation
// (embeddings, inference) happens when the respective client is built.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Analytics.FlakyLowerBound >= c.Analytics.FlakyUpperBound {
		return fmt.Errorf("analytics flaky bounds must satisfy lower < upper")
	}
	return nil
}
