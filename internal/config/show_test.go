package config

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective(t *testing.T) {
	r, err := Resolve(EnvOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		BaseURL:    "https://api.example.com",
		Token:      "super-secret",
	}, CLIOverrides{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	out := buf.String()
	assert.Contains(t, out, `base_url   = "https://api.example.com"`)
	assert.Contains(t, out, `debounce       = "2s"`)
	assert.Contains(t, out, "token supplied by "+EnvToken)
	assert.NotContains(t, out, "super-secret")
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	r, err := Resolve(EnvOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml")}, CLIOverrides{})
	require.NoError(t, err)

	require.EqualError(t, RenderEffective(r, failWriter{}), "disk full")
}
