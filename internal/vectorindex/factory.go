package vectorindex

import (
	"fmt"

	"go.uber.org/zap"
)

// Provider names accepted in configuration.
const (
	ProviderChromem = "chromem"
	ProviderQdrant  = "qdrant"
	ProviderMemory  = "memory"
)

// Config selects and configures an index provider.
type Config struct {
	Provider  string       `koanf:"provider"`
	Dimension int          `koanf:"dimension"`
	Path      string       `koanf:"path"`
	Compress  bool         `koanf:"compress"`
	Qdrant    QdrantConfig `koanf:"qdrant"`
}

// ApplyDefaults fills zero values with production defaults. The default
// dimension matches bge-small-en-v1.5 embeddings.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderChromem
	}
	if c.Dimension == 0 {
		c.Dimension = 384
	}
	if c.Path == "" {
		c.Path = "vectorindex"
	}
	if c.Qdrant.Host == "" {
		c.Qdrant.Host = "localhost"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
}

// New builds the configured index provider.
func New(cfg Config, logger *zap.Logger) (Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", cfg.Dimension)
	}

	switch cfg.Provider {
	case ProviderChromem, "":
		return NewChromemIndex(cfg.Path, cfg.Dimension, cfg.Compress, logger)
	case ProviderQdrant:
		return NewQdrantIndex(cfg.Qdrant, cfg.Dimension, logger)
	case ProviderMemory:
		return NewMemoryIndex(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown vector index provider %q", cfg.Provider)
	}
}
