package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.BaseURL != "" {
		cfg.Server.BaseURL = env.BaseURL
	}

	if env.Storage != "" {
		cfg.Storage = parseStorage(env.Storage, cfg.Storage)
	}

	if cli.BaseURL != nil {
		cfg.Server.BaseURL = *cli.BaseURL
	}

	if cli.Storage != nil {
		cfg.Storage = parseStorage(*cli.Storage, cfg.Storage)
	}

	if cli.OwnerID != nil {
		cfg.Server.OwnerID = *cli.OwnerID
	}

	resolved, err := newResolved(cfg, cfgPath, env.Token)
	if err != nil {
		return nil, err
	}

	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// parseStorage interprets a storage override: a bare backend name, a
// "backend:path" pair, or a redis:// / rediss:// URL. Fields the override
// does not name are kept from base unless the backend changes.
func parseStorage(v string, base StorageConfig) StorageConfig {
	if strings.HasPrefix(v, "redis://") || strings.HasPrefix(v, "rediss://") {
		return StorageConfig{Backend: scopestore.BackendRedis, RedisURL: v}
	}

	backend, path, hasPath := strings.Cut(v, ":")

	out := StorageConfig{Backend: backend}
	if backend == base.Backend {
		out = base
	}

	if hasPath {
		out.Path = path
	}

	return out
}
