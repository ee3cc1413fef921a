// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for onboard-sync. Values follow a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Autosave AutosaveConfig `toml:"autosave"`
	Cache    CacheConfig    `toml:"cache"`
	Network  NetworkConfig  `toml:"network"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig points the client at the onboarding API.
type ServerConfig struct {
	BaseURL   string `toml:"base_url"`
	TokenFile string `toml:"token_file"`
	OwnerID   string `toml:"owner_id"`
}

// StorageConfig selects the durable scope store. Path is a database file
// for sqlite and a directory for file; empty uses the data directory.
type StorageConfig struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	RedisURL string `toml:"redis_url"`
}

// AutosaveConfig tunes debounce, batching and retry of queued saves.
type AutosaveConfig struct {
	Debounce     string  `toml:"debounce"`
	FastDebounce string  `toml:"fast_debounce"`
	HighPriority int     `toml:"high_priority"`
	BatchSize    int     `toml:"batch_size"`
	MaxBatchSize string  `toml:"max_batch_size"`
	MaxAttempts  int     `toml:"max_attempts"`
	BaseBackoff  string  `toml:"base_backoff"`
	MaxBackoff   string  `toml:"max_backoff"`
	Concurrency  int     `toml:"concurrency"`
	Jitter       float64 `toml:"jitter"`
}

// CacheConfig controls the read cache.
type CacheConfig struct {
	TTL string `toml:"ttl"`
}

// NetworkConfig controls HTTP client behavior and the connectivity probe.
// A probe_interval of "0" disables the probe.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	ProbeInterval  string `toml:"probe_interval"`
	UserAgent      string `toml:"user_agent"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	BaseURL    *string // --base-url flag
	Storage    *string // --storage flag, same syntax as ONBOARD_SYNC_STORAGE
	OwnerID    *string // --owner flag
}
