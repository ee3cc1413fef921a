//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/onboard-sync/testutil"
)

var binaryPath string

func TestMain(m *testing.M) {
	root := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))

	tmpDir, err := os.MkdirTemp("", "onboard-sync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "onboard-sync")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// cli runs the binary with a shared isolated environment.
type cli struct {
	t   *testing.T
	env []string
}

func newCLI(t *testing.T) *cli {
	t.Helper()

	baseURL := testutil.RequireEnv(t, "ONBOARD_SYNC_E2E_BASE_URL")
	extra := []string{
		"ONBOARD_SYNC_BASE_URL=" + baseURL,
		"ONBOARD_SYNC_STORAGE=sqlite",
	}

	if tok := os.Getenv("ONBOARD_SYNC_E2E_TOKEN"); tok != "" {
		extra = append(extra, "ONBOARD_SYNC_TOKEN="+tok)
	}

	return &cli{t: t, env: testutil.IsolatedEnv(t, extra...)}
}

func (c *cli) run(args ...string) string {
	c.t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = c.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String()
}

func TestE2E_SaveAndReload(t *testing.T) {
	c := newCLI(t)
	resource := testutil.RequireEnv(t, "ONBOARD_SYNC_E2E_RESOURCE")
	name := fmt.Sprintf("E2E Villa %d", time.Now().UnixNano())

	t.Run("resolve", func(t *testing.T) {
		out := c.run("--json", "session", "resolve", "--id", resource)

		var res map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.NotNil(t, res["Session"])
	})

	t.Run("save", func(t *testing.T) {
		c.run("save", "1", "villaName="+name)
	})

	t.Run("load", func(t *testing.T) {
		out := c.run("--json", "load", "1")
		assert.Contains(t, out, name)
	})

	t.Run("status has nothing queued", func(t *testing.T) {
		out := c.run("--json", "status")

		var report struct {
			Pending []json.RawMessage `json:"pending"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Empty(t, report.Pending)
	})

	t.Run("progress", func(t *testing.T) {
		out := c.run("progress", "--refresh")
		assert.Contains(t, out, "STEP")
	})
}
