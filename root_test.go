package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/onboard-sync/internal/config"
	"github.com/tonimelisma/onboard-sync/internal/occ"
	"github.com/tonimelisma/onboard-sync/internal/session"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

// --- argument parsing ---

func TestParseStep(t *testing.T) {
	t.Parallel()

	n, err := parseStep("3")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = parseStep("three")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step must be a number")
}

func TestParseFields(t *testing.T) {
	t.Parallel()

	raw, err := parseFields([]string{
		"villaName=Villa Sol",
		"bedrooms=4",
		"hasPool=true",
		`amenities=["wifi","pool"]`,
		`zip="07001"`,
		"note=a=b",
	}, `{"bedrooms": 2, "villaCity": "Palma"}`)
	require.NoError(t, err)

	assert.Equal(t, "Villa Sol", raw["villaName"])
	// Arguments override --fields-json.
	assert.Equal(t, float64(4), raw["bedrooms"])
	assert.Equal(t, true, raw["hasPool"])
	assert.Equal(t, []any{"wifi", "pool"}, raw["amenities"])
	assert.Equal(t, "07001", raw["zip"])
	assert.Equal(t, "a=b", raw["note"])
	assert.Equal(t, "Palma", raw["villaCity"])
}

func TestParseFields_Errors(t *testing.T) {
	t.Parallel()

	_, err := parseFields([]string{"novalue"}, "")
	assert.ErrorContains(t, err, "expected name=value")

	_, err = parseFields([]string{"=x"}, "")
	assert.ErrorContains(t, err, "expected name=value")

	_, err = parseFields(nil, "{not json")
	assert.ErrorContains(t, err, "--fields-json")
}

func TestResolutionError(t *testing.T) {
	t.Parallel()

	err := resolutionError(&session.Resolution{Reason: session.ReasonNetworkError, CanRecover: true})
	assert.Contains(t, err.Error(), "retry when the server is reachable")

	err = resolutionError(&session.Resolution{Reason: session.ReasonDeleted, ShouldCreateNew: true})
	assert.Contains(t, err.Error(), "session new")
}

// --- command tree ---

func TestNewRootCmd_RegistersCommands(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()

	want := []string{
		"login", "logout", "session", "save", "complete", "skip",
		"load", "validate", "drain", "status", "progress", "config",
	}

	for _, name := range want {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	sub, _, err := cmd.Find([]string{"session", "resolve"})
	require.NoError(t, err)
	assert.Equal(t, "resolve", sub.Name())
}

// --- logger ---

func TestBuildLogger_Levels(t *testing.T) {
	t.Parallel()

	cfg := &config.Resolved{Logging: config.LoggingConfig{LogLevel: "warn", LogFormat: "text"}}

	logger, closeFn, err := buildLogger(cfg, &CLIFlags{}, os.Stderr)
	require.NoError(t, err)
	require.NoError(t, closeFn())
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))

	logger, _, err = buildLogger(cfg, &CLIFlags{Verbose: true}, os.Stderr)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger, _, err = buildLogger(nil, &CLIFlags{Quiet: true}, os.Stderr)
	require.NoError(t, err)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestBuildLogger_FileIsRotatedJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "onboard-sync.log")
	cfg := &config.Resolved{Logging: config.LoggingConfig{
		LogLevel:         "info",
		LogFormat:        "auto",
		LogFile:          path,
		LogRetentionDays: 7,
	}}

	logger, closeFn, err := buildLogger(cfg, &CLIFlags{}, os.Stderr)
	require.NoError(t, err)

	logger.Info("queued save", slog.String("key", "villa-1/1"))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "queued save", line["msg"])
	assert.Equal(t, "villa-1/1", line["key"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

// --- end to end against a fake API ---

// apiStub serves one onboarding resource with version checking.
type apiStub struct {
	mu      sync.Mutex
	id      string
	version int64
	steps   map[int]map[string]any
	puts    []map[string]any
}

func (a *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.URL.Path == transport.HealthPath {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case r.URL.Path == transport.ResourcePath(a.id):
		w.WriteHeader(http.StatusOK)

	case r.URL.Path == transport.ProgressPath(a.id):
		flags := map[string]bool{}
		for n, f := range a.steps {
			flags[strconv.Itoa(n)] = f["completed"] == true
		}

		stubJSON(w, http.StatusOK, map[string]any{"version": a.version, "steps": flags})

	case strings.HasPrefix(r.URL.Path, transport.ResourcePath(a.id)+"/steps/"):
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, transport.ResourcePath(a.id)+"/steps/"))
		a.step(w, r, n)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *apiStub) step(w http.ResponseWriter, r *http.Request, n int) {
	if r.Method == http.MethodGet {
		doc := map[string]any{"fields": map[string]any{}, "completed": false, "version": a.version}
		if stored, ok := a.steps[n]; ok {
			doc["fields"] = stored["fields"]
			doc["completed"] = stored["completed"]
		}

		stubJSON(w, http.StatusOK, doc)

		return
	}

	if sent := r.Header.Get(occ.VersionHeader); sent != "" && sent != strconv.FormatInt(a.version, 10) {
		expected, _ := strconv.ParseInt(sent, 10, 64)
		stubJSON(w, http.StatusConflict, map[string]int64{"expectedVersion": expected, "currentVersion": a.version})

		return
	}

	body, _ := io.ReadAll(r.Body)

	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	a.puts = append(a.puts, payload)
	a.steps[n] = payload
	a.version++

	w.Header().Set(occ.VersionHeader, strconv.FormatInt(a.version, 10))
	stubJSON(w, http.StatusOK, map[string]int64{"version": a.version})
}

func stubJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// runCLI executes one command the way main does and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--quiet"}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func setupCLIEnv(t *testing.T, baseURL string) {
	t.Helper()

	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvToken, "")
	t.Setenv(config.EnvStorage, "file:"+filepath.Join(home, "store"))
	t.Setenv(config.EnvBaseURL, baseURL)
}

func TestCLI_ResolveSaveLoadStatus(t *testing.T) {
	api := &apiStub{id: "villa-1", steps: map[int]map[string]any{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	setupCLIEnv(t, srv.URL)

	out, err := runCLI(t, "session", "resolve", "--id", "villa-1")
	require.NoError(t, err)
	assert.Contains(t, out, "villa-1")
	assert.Contains(t, out, string(session.SourceExplicit))

	_, err = runCLI(t, "save", "1", "villa_name=Villa Sol", "bedrooms=4")
	require.NoError(t, err)

	api.mu.Lock()
	require.Len(t, api.puts, 1)
	fields, _ := api.puts[0]["fields"].(map[string]any)
	api.mu.Unlock()

	assert.Equal(t, "Villa Sol", fields["villaName"])
	assert.Equal(t, float64(4), fields["bedrooms"])

	out, err = runCLI(t, "--json", "load", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Villa Sol")

	out, err = runCLI(t, "--json", "status")
	require.NoError(t, err)

	var report struct {
		Session *session.Session `json:"session"`
		Pending []pendingSave    `json:"pending"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Session)
	assert.Equal(t, "villa-1", report.Session.ResourceID)
	assert.Empty(t, report.Pending)
}

func TestCLI_SaveWithoutSession(t *testing.T) {
	api := &apiStub{id: "villa-1", steps: map[int]map[string]any{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	setupCLIEnv(t, srv.URL)

	_, err := runCLI(t, "save", "1", "villaName=Villa Sol")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session resolve")
}

func TestCLI_ValidateReportsFieldErrors(t *testing.T) {
	setupCLIEnv(t, "")

	out, err := runCLI(t, "validate", "1", "bedrooms=many")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed validation")
	assert.Contains(t, out, "bedrooms")

	out, err = runCLI(t, "--json", "validate", "1", "villaName=Villa Sol")
	require.NoError(t, err)
	assert.Contains(t, out, "Villa Sol")
}

func TestCLI_ConfigShowHidesToken(t *testing.T) {
	setupCLIEnv(t, "https://api.example.test")
	t.Setenv(config.EnvToken, "secret-token")

	out, err := runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "https://api.example.test")
	assert.NotContains(t, out, "secret-token")

	out, err = runCLI(t, "--json", "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "secret-token")
}

func TestCLI_LoginThenLogout(t *testing.T) {
	setupCLIEnv(t, "")

	_, err := runCLI(t, "--owner", "owner-1", "login", "--token", "abc123")
	require.NoError(t, err)

	path := config.DefaultCredentialPath()
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = runCLI(t, "logout")
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
