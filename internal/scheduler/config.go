package scheduler

import (
	"time"

	"github.com/smallbiznis/billingsync/internal/config"
)

// Config controls the sweep interval and batch sizes. The sweep is opt-in.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		RunInterval: time.Hour,
		BatchSize:   50,
		JobTimeout:  10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Reconcile.Enabled,
		RunInterval: cfg.Reconcile.Interval,
		BatchSize:   cfg.Reconcile.BatchSize,
		JobTimeout:  cfg.Reconcile.JobTimeout,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
