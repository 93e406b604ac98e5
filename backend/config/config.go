// Package config provides global configuration for the stage engine.
package config

import (
	"flag"
	"time"
)

// Base configuration shared by every subsystem.
type Base struct {
	LogLevel string
}

// Default returns the default Base configuration.
func (c Base) Default() Base {
	return Base{
		LogLevel: "info",
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Base) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log verbosity debug | info | warning | error")
}

// Config for the stage engine. When adding or removing fields,
// adjust Default() and BindFlags() accordingly.
type Config struct {
	Base

	Stage Stage
}

// BindFlags configures the given FlagSet with the existing values from the given Config
// and prepares the FlagSet to parse the flags into the Config.
//
// This function is assumed to be called after some default values were set on the given config.
// These values will be used as default values in flags. See Default() for the default config values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.Base.BindFlags(fs)
	c.Stage.BindFlags(fs)
}

// Default creates a new default config.
func Default() Config {
	return Config{
		Base:  Base{}.Default(),
		Stage: Stage{}.Default(),
	}
}

// Stage configuration controls the timing knobs of the staging engine.
type Stage struct {
	// AckTimeout bounds how long the sync driver waits for a meta-pubed
	// acknowledgement before logging a warning and continuing to wait
	// indefinitely.
	AckTimeout time.Duration
	// SubscribePollInterval is how often subscribe_repos polls the stage
	// for the subscribed keys to appear.
	SubscribePollInterval time.Duration
	// MergeCostScale is the multiplier applied to -ln(1-mergeRatio) when
	// computing the randomized merge backoff.
	MergeCostScale float64
	// HistoryCacheSize bounds the number of entries kept by each stage's
	// commit value cache before older entries are evicted.
	HistoryCacheSize int
}

// Default returns the default Stage configuration.
func (c Stage) Default() Stage {
	return Stage{
		AckTimeout:            10 * time.Second,
		SubscribePollInterval: 100 * time.Millisecond,
		MergeCostScale:        100000,
		HistoryCacheSize:      4096,
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Stage) BindFlags(fs *flag.FlagSet) {
	fs.DurationVar(&c.AckTimeout, "stage.ack-timeout", c.AckTimeout, "How long sync! waits for a meta-pubed ack before warning and waiting indefinitely")
	fs.DurationVar(&c.SubscribePollInterval, "stage.subscribe-poll-interval", c.SubscribePollInterval, "Polling interval used by subscribe_repos while waiting for subscribed keys to appear")
	fs.Float64Var(&c.MergeCostScale, "stage.merge-cost-scale", c.MergeCostScale, "Scale factor for the randomized merge backoff")
	fs.IntVar(&c.HistoryCacheSize, "stage.history-cache-size", c.HistoryCacheSize, "Maximum number of entries kept in the commit value cache")
}
