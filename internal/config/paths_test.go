package config

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
)

func TestDefaultDirs_XDG(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("XDG variables only apply on Linux")
	}

	cfgHome := t.TempDir()
	dataHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfgHome)
	t.Setenv("XDG_DATA_HOME", dataHome)

	assert.Equal(t, filepath.Join(cfgHome, appName), DefaultConfigDir())
	assert.Equal(t, filepath.Join(cfgHome, appName, configFileName), DefaultConfigPath())
	assert.Equal(t, filepath.Join(dataHome, appName), DefaultDataDir())
	assert.Equal(t, filepath.Join(dataHome, appName, credentialFileName), DefaultCredentialPath())
	assert.Equal(t, filepath.Join(dataHome, appName, logFileName), DefaultLogPath())
}

func TestDefaultStoragePath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	assert.Equal(t, filepath.Join(DefaultDataDir(), databaseFileName), DefaultStoragePath(scopestore.BackendSQLite))
	assert.Equal(t, filepath.Join(DefaultDataDir(), storeDirName), DefaultStoragePath(scopestore.BackendFile))
	assert.Empty(t, DefaultStoragePath(scopestore.BackendMemory))
	assert.Empty(t, DefaultStoragePath(scopestore.BackendRedis))
}
