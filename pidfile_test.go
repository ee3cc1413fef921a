package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireDrainLock_WritesCurrentPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), drainPIDFile)

	release, err := acquireDrainLock(path)
	require.NoError(t, err)
	require.NotNil(t, release)

	defer release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireDrainLock_SecondWatcherRefused(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), drainPIDFile)

	release, err := acquireDrainLock(path)
	require.NoError(t, err)

	defer release()

	again, err := acquireDrainLock(path)
	require.Error(t, err)
	assert.Nil(t, again)
	assert.Contains(t, err.Error(), "already running")
}

func TestAcquireDrainLock_ReleaseRemovesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", drainPIDFile)

	release, err := acquireDrainLock(path)
	require.NoError(t, err)

	release()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// The lock is free again.
	release, err = acquireDrainLock(path)
	require.NoError(t, err)
	release()
}

func TestAcquireDrainLock_EmptyPath(t *testing.T) {
	t.Parallel()

	release, err := acquireDrainLock("")
	require.Error(t, err)
	assert.Nil(t, release)
	assert.Contains(t, err.Error(), "empty")
}

func TestReadPIDFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.pid")
	require.NoError(t, os.WriteFile(valid, []byte("12345\n"), 0o644))

	pid, err := readPIDFile(valid)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid\n"), 0o644))

	_, err = readPIDFile(garbage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID")

	_, err = readPIDFile(filepath.Join(dir, "missing.pid"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSignalDrainer_NoWatcher(t *testing.T) {
	t.Parallel()

	_, err := signalDrainer(filepath.Join(t.TempDir(), drainPIDFile))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running watcher")
}

func TestSignalDrainer_StalePIDFileRemoved(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), drainPIDFile)
	// Far above any real pid_max.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	_, err := signalDrainer(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSignalDrainer_SignalsWatcher(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, flushSignal)

	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), drainPIDFile)
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	pid, err := signalDrainer(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, flushSignal, <-sigCh)
}
