package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/autosave"
	"github.com/tonimelisma/onboard-sync/internal/scopestore"
)

// Validation range constants.
const (
	minDebounce        = 10 * time.Millisecond
	maxDebounce        = 5 * time.Minute
	minBatchSize       = 1
	maxBatchSize       = 100
	minBatchBytes      = 1024
	maxBatchBytes      = 16 * mebibyte
	minMaxAttempts     = 1
	maxMaxAttempts     = 20
	minConcurrency     = 1
	maxConcurrency     = 32
	minCacheTTL        = time.Second
	minProbeInterval   = time.Second
	minConnectTimeout  = time.Second
	minRequestTimeout  = time.Second
	minLogRetention    = 1
	maxJitter          = 1.0
	minBackoffDuration = time.Millisecond
)

var (
	validBackends   = []string{scopestore.BackendMemory, scopestore.BackendFile, scopestore.BackendSQLite, scopestore.BackendRedis}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateAutosave(&cfg.Autosave)...)
	errs = append(errs, validateDurationMin("cache.ttl", cfg.Cache.TTL, minCacheTTL)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// environment and CLI overrides have been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	errs = append(errs, validateBaseURL(r.BaseURL)...)
	errs = append(errs, validateStorage(&StorageConfig{
		Backend:  r.Storage.Backend,
		Path:     r.Storage.Path,
		RedisURL: r.Storage.RedisURL,
	})...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	return validateBaseURL(s.BaseURL)
}

// validateBaseURL accepts an empty URL; commands that talk to the server
// check for it themselves.
func validateBaseURL(raw string) []error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("server.base_url: %w", err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("server.base_url: scheme must be http or https, got %q", raw)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("server.base_url: missing host in %q", raw)}
	}

	return nil
}

func validateStorage(s *StorageConfig) []error {
	if !slices.Contains(validBackends, s.Backend) {
		return []error{fmt.Errorf("storage.backend: must be one of %v, got %q", validBackends, s.Backend)}
	}

	if s.Backend == scopestore.BackendRedis && s.RedisURL == "" {
		return []error{errors.New("storage.redis_url: required for the redis backend")}
	}

	return nil
}

func validateAutosave(a *AutosaveConfig) []error {
	var errs []error

	debounce, err := parseDurationRange("autosave.debounce", a.Debounce, minDebounce, maxDebounce)
	if err != nil {
		errs = append(errs, err)
	}

	fast, err := parseDurationRange("autosave.fast_debounce", a.FastDebounce, minDebounce, maxDebounce)
	if err != nil {
		errs = append(errs, err)
	}

	if debounce > 0 && fast > debounce {
		errs = append(errs, fmt.Errorf("autosave.fast_debounce: must not exceed debounce (%s), got %s", debounce, fast))
	}

	if a.HighPriority < autosave.PriorityLow || a.HighPriority > autosave.PriorityCritical {
		errs = append(errs, fmt.Errorf("autosave.high_priority: must be between %d and %d, got %d",
			autosave.PriorityLow, autosave.PriorityCritical, a.HighPriority))
	}

	errs = append(errs, validateIntRange("autosave.batch_size", a.BatchSize, minBatchSize, maxBatchSize)...)
	errs = append(errs, validateIntRange("autosave.max_attempts", a.MaxAttempts, minMaxAttempts, maxMaxAttempts)...)
	errs = append(errs, validateIntRange("autosave.concurrency", a.Concurrency, minConcurrency, maxConcurrency)...)

	if n, err := ParseSize(a.MaxBatchSize); err != nil {
		errs = append(errs, fmt.Errorf("autosave.max_batch_size: %w", err))
	} else if n < minBatchBytes || n > maxBatchBytes {
		errs = append(errs, fmt.Errorf("autosave.max_batch_size: must be between 1KiB and 16MiB, got %s", a.MaxBatchSize))
	}

	base, err := parseDurationRange("autosave.base_backoff", a.BaseBackoff, minBackoffDuration, time.Hour)
	if err != nil {
		errs = append(errs, err)
	}

	maxBackoff, err := parseDurationRange("autosave.max_backoff", a.MaxBackoff, minBackoffDuration, time.Hour)
	if err != nil {
		errs = append(errs, err)
	}

	if base > 0 && maxBackoff > 0 && base > maxBackoff {
		errs = append(errs, fmt.Errorf("autosave.base_backoff: must not exceed max_backoff (%s), got %s", maxBackoff, base))
	}

	if a.Jitter < 0 || a.Jitter > maxJitter {
		errs = append(errs, fmt.Errorf("autosave.jitter: must be between 0 and 1, got %g", a.Jitter))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.request_timeout", n.RequestTimeout, minRequestTimeout)...)

	if n.ProbeInterval != "0" {
		errs = append(errs, validateDurationMin("network.probe_interval", n.ProbeInterval, minProbeInterval)...)
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, l.LogLevel) {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of %v, got %q", validLogLevels, l.LogLevel))
	}

	if !slices.Contains(validLogFormats, l.LogFormat) {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of %v, got %q", validLogFormats, l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

func validateIntRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

func parseDurationRange(field, value string, lo, hi time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < lo || d > hi {
		return 0, fmt.Errorf("%s: must be between %s and %s, got %s", field, lo, hi, d)
	}

	return d, nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
