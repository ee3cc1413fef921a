package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "onboard-sync"

// File names inside the config and data directories.
const (
	configFileName     = "config.toml"
	databaseFileName   = "state.db"
	storeDirName       = "store"
	credentialFileName = "credentials.json"
	logFileName        = "onboard-sync.log"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/onboard-sync).
// On macOS, uses ~/Library/Application Support/onboard-sync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for the durable
// store, credentials and logs. On Linux, respects XDG_DATA_HOME.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(env, fallback string) string {
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultStoragePath returns where a backend keeps its data when
// storage.path is empty. Memory and redis have no path.
func DefaultStoragePath(backend string) string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	switch backend {
	case scopestore.BackendSQLite:
		return filepath.Join(dir, databaseFileName)
	case scopestore.BackendFile:
		return filepath.Join(dir, storeDirName)
	default:
		return ""
	}
}

// DefaultCredentialPath returns the default bearer credential file.
func DefaultCredentialPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, credentialFileName)
}

// DefaultLogPath returns the log file used when log_file is "default".
func DefaultLogPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, logFileName)
}
