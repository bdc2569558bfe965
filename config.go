package kvlogtable

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration options for an Engine.
type Config struct {
	// Logger receives debug/info/warning/error messages from the engine.
	// If nil, messages are discarded.
	Logger Logger

	// FsyncOnCompact, if true, fsyncs the freshly written compaction file
	// before it is renamed onto the canonical schema file name. This
	// narrows (but does not close) the window described in spec.md §9
	// where a crash between the rename-away and rename-in steps loses
	// data; it does not change the steady-state append durability model,
	// which remains "no fsync per append."
	FsyncOnCompact bool

	// BackgroundCompactInterval is checked by Open (it must not be
	// negative) but is not otherwise used: Open never starts a background
	// compactor, and StartBackgroundCompactor always takes its interval
	// as an argument.
	BackgroundCompactInterval time.Duration

	// MetricsRegisterer, if non-nil, receives the engine's prometheus
	// collectors (table operation counts, transaction counts and
	// duration, compaction counts, log size). If nil, metrics are still
	// collected internally but never exposed.
	MetricsRegisterer prometheus.Registerer
}

func defaultConfig() *Config {
	return &Config{
		Logger: discardLogger,
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return defaultConfig()
	}
	clone := *c
	if clone.Logger == nil {
		clone.Logger = discardLogger
	}
	return &clone
}

func validateConfig(c *Config) error {
	if c.BackgroundCompactInterval < 0 {
		return &InvalidConfigError{Field: "BackgroundCompactInterval", Value: c.BackgroundCompactInterval, Reason: "must not be negative"}
	}
	return nil
}
