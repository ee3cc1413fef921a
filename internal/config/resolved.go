package config

import (
	"fmt"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/autosave"
	"github.com/tonimelisma/onboard-sync/internal/scopestore"
)

// Resolved is the effective configuration with every string value parsed
// into the types the engine consumes.
type Resolved struct {
	ConfigPath string

	BaseURL   string
	Token     string // from ONBOARD_SYNC_TOKEN; empty means use TokenFile
	TokenFile string
	OwnerID   string
	UserAgent string

	Storage  scopestore.Options
	Autosave autosave.Config

	CacheTTL       time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ProbeInterval  time.Duration // zero disables the connectivity probe

	Logging LoggingConfig
}

// newResolved converts a validated Config and fills in default paths.
func newResolved(cfg *Config, path, token string) (*Resolved, error) {
	r := &Resolved{
		ConfigPath: path,
		BaseURL:    cfg.Server.BaseURL,
		Token:      token,
		TokenFile:  cfg.Server.TokenFile,
		OwnerID:    cfg.Server.OwnerID,
		UserAgent:  cfg.Network.UserAgent,
		Storage: scopestore.Options{
			Backend:  cfg.Storage.Backend,
			Path:     cfg.Storage.Path,
			RedisURL: cfg.Storage.RedisURL,
		},
		Logging: cfg.Logging,
	}

	if r.TokenFile == "" {
		r.TokenFile = DefaultCredentialPath()
	}

	if r.Storage.Path == "" {
		r.Storage.Path = DefaultStoragePath(r.Storage.Backend)
	}

	p := durationParser{}

	a := cfg.Autosave
	r.Autosave = autosave.Config{
		Debounce:     p.parse("autosave.debounce", a.Debounce),
		FastDebounce: p.parse("autosave.fast_debounce", a.FastDebounce),
		HighPriority: a.HighPriority,
		BatchSize:    a.BatchSize,
		MaxAttempts:  a.MaxAttempts,
		BaseBackoff:  p.parse("autosave.base_backoff", a.BaseBackoff),
		MaxBackoff:   p.parse("autosave.max_backoff", a.MaxBackoff),
		Concurrency:  a.Concurrency,
		Jitter:       a.Jitter,
	}

	batchBytes, err := ParseSize(a.MaxBatchSize)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("autosave.max_batch_size: %w", err)
	}

	r.Autosave.MaxBatchBytes = int(batchBytes)

	r.CacheTTL = p.parse("cache.ttl", cfg.Cache.TTL)
	r.ConnectTimeout = p.parse("network.connect_timeout", cfg.Network.ConnectTimeout)
	r.RequestTimeout = p.parse("network.request_timeout", cfg.Network.RequestTimeout)
	r.ProbeInterval = p.parse("network.probe_interval", cfg.Network.ProbeInterval)

	if p.err != nil {
		return nil, fmt.Errorf("config: %w", p.err)
	}

	return r, nil
}

// durationParser keeps the first parse error so conversions read as a
// straight list of assignments.
type durationParser struct {
	err error
}

func (p *durationParser) parse(field, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	return d
}
