// Package config provides environment-driven configuration loading for
// the dataflow engine: the per-node Lazy cache bound, adapter poll
// interval and request timeout, metrics address, and log level.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable with optional
// default. Returns the default if the value is invalid.
func GetEnvInt(key string, defaultValue int) int {
	return ParseIntOrDefault(strings.TrimSpace(os.Getenv(key)), defaultValue)
}

// GetEnvDuration retrieves a duration environment variable with an
// optional default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return ParseDurationOrDefault(strings.TrimSpace(os.Getenv(key)), defaultValue)
}

// ParseDurationOrDefault parses a duration string or returns the
// default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}

// ParseIntOrDefault parses an integer string or returns the default.
func ParseIntOrDefault(raw string, defaultValue int) int {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		return parsed
	}
	return defaultValue
}

// EngineConfig holds the environment-tunable knobs for one dataflow
// engine instance.
type EngineConfig struct {
	// LazyCacheMaxEntries bounds how many results each Lazy node keeps
	// memoized before it evicts its oldest-inserted entry.
	LazyCacheMaxEntries int

	// AdapterPollInterval is a polling cadence for pull-style external
	// adapters. Nothing in this module reads it: adapters/httpfeed takes
	// its interval from its own Config.
	AdapterPollInterval time.Duration

	// AdapterRequestTimeout is a per-fetch timeout for adapters. Nothing
	// in this module reads it: adapters/httpfeed takes its timeout from
	// its own Config.
	AdapterRequestTimeout time.Duration

	// MetricsAddr is an address for serving metrics. Nothing in this
	// module starts a listener on it; metrics.Handler serves the
	// collectors wherever an embedder mounts it.
	MetricsAddr string

	// LogLevel is the logrus level name (e.g. "info", "debug").
	LogLevel string
}

// LoadEngineConfig reads EngineConfig from the environment, applying
// defaults for anything unset.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		LazyCacheMaxEntries:   GetEnvInt("DATAFLOW_LAZY_CACHE_MAX_ENTRIES", 10_000),
		AdapterPollInterval:   GetEnvDuration("DATAFLOW_ADAPTER_POLL_INTERVAL", 10*time.Second),
		AdapterRequestTimeout: GetEnvDuration("DATAFLOW_ADAPTER_REQUEST_TIMEOUT", 5*time.Second),
		MetricsAddr:           GetEnv("DATAFLOW_METRICS_ADDR", ""),
		LogLevel:              GetEnv("DATAFLOW_LOG_LEVEL", "info"),
	}
}
