package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated
// summary to w. The bearer token is never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", orNone(r.ConfigPath))

	ew.printf("[server]\n")
	ew.printf("  base_url   = %q\n", r.BaseURL)
	ew.printf("  token_file = %q\n", r.TokenFile)
	ew.printf("  owner_id   = %q\n", r.OwnerID)

	if r.Token != "" {
		ew.printf("  # token supplied by %s\n", EnvToken)
	}

	ew.printf("\n[storage]\n")
	ew.printf("  backend   = %q\n", r.Storage.Backend)
	ew.printf("  path      = %q\n", r.Storage.Path)

	if r.Storage.RedisURL != "" {
		ew.printf("  redis_url = %q\n", r.Storage.RedisURL)
	}

	a := r.Autosave
	ew.printf("\n[autosave]\n")
	ew.printf("  debounce       = %q\n", a.Debounce)
	ew.printf("  fast_debounce  = %q\n", a.FastDebounce)
	ew.printf("  high_priority  = %d\n", a.HighPriority)
	ew.printf("  batch_size     = %d\n", a.BatchSize)
	ew.printf("  max_batch_size = %d  # bytes\n", a.MaxBatchBytes)
	ew.printf("  max_attempts   = %d\n", a.MaxAttempts)
	ew.printf("  base_backoff   = %q\n", a.BaseBackoff)
	ew.printf("  max_backoff    = %q\n", a.MaxBackoff)
	ew.printf("  concurrency    = %d\n", a.Concurrency)
	ew.printf("  jitter         = %g\n", a.Jitter)

	ew.printf("\n[cache]\n")
	ew.printf("  ttl = %q\n", r.CacheTTL)

	ew.printf("\n[network]\n")
	ew.printf("  connect_timeout = %q\n", r.ConnectTimeout)
	ew.printf("  request_timeout = %q\n", r.RequestTimeout)
	ew.printf("  probe_interval  = %q\n", r.ProbeInterval)
	ew.printf("  user_agent      = %q\n", r.UserAgent)

	ew.printf("\n[logging]\n")
	ew.printf("  log_level          = %q\n", r.Logging.LogLevel)
	ew.printf("  log_file           = %q\n", r.Logging.LogFile)
	ew.printf("  log_format         = %q\n", r.Logging.LogFormat)
	ew.printf("  log_retention_days = %d\n", r.Logging.LogRetentionDays)

	return ew.err
}

// errWriter captures the first write error; later writes are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}

	return s
}
