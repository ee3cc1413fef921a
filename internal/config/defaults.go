package config

import "github.com/tonimelisma/onboard-sync/internal/scopestore"

// Default values for configuration options. These are "layer 0" of the
// override chain and mirror the engine's stock tuning.
const (
	defaultBackend          = scopestore.BackendSQLite
	defaultDebounce         = "2s"
	defaultFastDebounce     = "500ms"
	defaultHighPriority     = 4
	defaultBatchSize        = 10
	defaultMaxBatchSize     = "256KiB"
	defaultMaxAttempts      = 3
	defaultBaseBackoff      = "1s"
	defaultMaxBackoff       = "30s"
	defaultConcurrency      = 4
	defaultJitter           = 0.25
	defaultCacheTTL         = "30s"
	defaultConnectTimeout   = "10s"
	defaultRequestTimeout   = "30s"
	defaultProbeInterval    = "30s"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage:  StorageConfig{Backend: defaultBackend},
		Autosave: defaultAutosaveConfig(),
		Cache:    CacheConfig{TTL: defaultCacheTTL},
		Network:  defaultNetworkConfig(),
		Logging:  defaultLoggingConfig(),
	}
}

func defaultAutosaveConfig() AutosaveConfig {
	return AutosaveConfig{
		Debounce:     defaultDebounce,
		FastDebounce: defaultFastDebounce,
		HighPriority: defaultHighPriority,
		BatchSize:    defaultBatchSize,
		MaxBatchSize: defaultMaxBatchSize,
		MaxAttempts:  defaultMaxAttempts,
		BaseBackoff:  defaultBaseBackoff,
		MaxBackoff:   defaultMaxBackoff,
		Concurrency:  defaultConcurrency,
		Jitter:       defaultJitter,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		RequestTimeout: defaultRequestTimeout,
		ProbeInterval:  defaultProbeInterval,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
	}
}
