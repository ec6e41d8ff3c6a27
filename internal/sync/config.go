package sync

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Config holds configuration for the engine.
type Config struct {
	// Debounce is the quiet period RequestSync waits for before starting
	// a cycle. Each new request restarts it.
	Debounce time.Duration

	// MaxRetries is the number of rejections after which a record is no
	// longer retried automatically.
	MaxRetries int

	// UploadConcurrency bounds concurrent record uploads within a table.
	UploadConcurrency int

	// PageSize is the number of rows requested per download page.
	PageSize int

	// BreakerThreshold consecutive failed cycles open the circuit breaker.
	// The n-th consecutive trip lasts BreakerBaseCooldown * 2^(n-1),
	// capped at BreakerMaxCooldown.
	BreakerThreshold    int
	BreakerBaseCooldown time.Duration
	BreakerMaxCooldown  time.Duration

	// Tables to sync, parents first. Defaults to schema.UploadOrder.
	Tables []schema.Table

	Logger      *zap.Logger
	Diagnostics *dto.DiagnosticReporter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:            500 * time.Millisecond,
		MaxRetries:          5,
		UploadConcurrency:   4,
		PageSize:            500,
		BreakerThreshold:    3,
		BreakerBaseCooldown: 30 * time.Second,
		BreakerMaxCooldown:  10 * time.Minute,
		Tables:              schema.UploadOrder,
	}
}

func (c *Config) validate() error {
	switch {
	case c.Debounce < 0:
		return fmt.Errorf("debounce must not be negative")
	case c.MaxRetries < 1:
		return fmt.Errorf("max retries must be at least 1")
	case c.UploadConcurrency < 1:
		return fmt.Errorf("upload concurrency must be at least 1")
	case c.PageSize < 1:
		return fmt.Errorf("page size must be at least 1")
	case c.BreakerThreshold < 1:
		return fmt.Errorf("breaker threshold must be at least 1")
	case c.BreakerBaseCooldown <= 0 || c.BreakerMaxCooldown < c.BreakerBaseCooldown:
		return fmt.Errorf("breaker cooldowns must be positive and max >= base")
	}
	return nil
}
