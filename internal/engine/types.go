// Package engine is the composition root: it opens the configured storage
// backend and wires the fact store, index, ingestion gateway and council
// behind one Engine that every outer surface calls.
package engine

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/scrypster/conclave/internal/config"
)

// Config holds worker pool settings.
type Config struct {
	// Workers is the number of worker goroutines (default: 8). The pool is
	// never smaller than the number of voices plus one.
	Workers int

	// QueueSize is the size of the task queue buffer (default: 256).
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for workers to drain on
	// shutdown (default: 30s).
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFrom takes the pool settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg.Engine.Workers > 0 {
		c.Workers = cfg.Engine.Workers
	}
	if cfg.Engine.QueueSize > 0 {
		c.QueueSize = cfg.Engine.QueueSize
	}
	return c
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.Newf("engine: Workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return errors.Newf("engine: QueueSize must be >= 1, got %d", c.QueueSize)
	}
	if c.ShutdownTimeout < 0 {
		return errors.Newf("engine: ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}
	return nil
}
