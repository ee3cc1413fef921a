package occ

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// versionedServer accepts a PUT only when X-Resource-Version matches the
// current version (or is absent on the very first write).
type versionedServer struct {
	mu      sync.Mutex
	version int64
	writes  int
}

func (s *versionedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := r.Header.Get(VersionHeader)
	if sent != strconv.FormatInt(s.version, 10) && !(sent == "" && s.version == 0) {
		expected, _ := strconv.ParseInt(sent, 10, 64)

		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]int64{"expectedVersion": expected, "currentVersion": s.version})

		return
	}

	s.version++
	s.writes++

	w.Header().Set(VersionHeader, strconv.FormatInt(s.version, 10))
	w.WriteHeader(http.StatusOK)
}

func save(t *testing.T, c *Controller, client *transport.Client, id string) error {
	t.Helper()

	req, err := transport.NewRequest(http.MethodPut, transport.StepPath(id, 1), map[string]any{"step": 1})
	require.NoError(t, err)

	stamped := c.Stamp(id, req)
	resp, sendErr := client.Send(context.Background(), stamped)

	return c.OnResponse(context.Background(), id, stamped, resp, sendErr)
}

func TestTwoWritersSameVersion(t *testing.T) {
	srv := &versionedServer{version: 5}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := transport.NewClient(ts.URL, nil, nil, "", testLogger(t))
	ctx := context.Background()

	tabA := NewController(nil, testLogger(t))
	tabB := NewController(nil, testLogger(t))
	tabA.Observe(ctx, "villa-1", 5)
	tabB.Observe(ctx, "villa-1", 5)

	require.NoError(t, save(t, tabA, client, "villa-1"))

	v, _ := tabA.Version("villa-1")
	assert.Equal(t, int64(6), v)

	err := save(t, tabB, client, "villa-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(5), ce.Expected)
	assert.Equal(t, int64(6), ce.Actual)
	assert.Equal(t, "villa-1", ce.ResourceID)

	v, _ = tabB.Version("villa-1")
	assert.Equal(t, int64(5), v, "conflict must not touch local version")

	// After re-reading authoritative state, the next write succeeds.
	tabB.Observe(ctx, "villa-1", ce.Actual)
	require.NoError(t, save(t, tabB, client, "villa-1"))

	v, _ = tabB.Version("villa-1")
	assert.Equal(t, int64(7), v)
	assert.Equal(t, 2, srv.writes)
}

func TestStamp_FirstWriteOmitsVersion(t *testing.T) {
	c := NewController(nil, testLogger(t))

	req := &transport.Request{Method: http.MethodPut, Path: "/p"}
	req.SetHeader(VersionHeader, "99")

	stamped := c.Stamp("new", req)
	assert.Empty(t, stamped.Header.Get(VersionHeader))
	assert.Equal(t, "99", req.Header.Get(VersionHeader), "original request untouched")

	c.Observe(context.Background(), "new", 3)
	stamped = c.Stamp("new", req)
	assert.Equal(t, "3", stamped.Header.Get(VersionHeader))
}

func TestObserve_Monotonic(t *testing.T) {
	c := NewController(nil, testLogger(t))
	ctx := context.Background()

	c.Observe(ctx, "r", 4)
	c.Observe(ctx, "r", 2)

	v, ok := c.Version("r")
	require.True(t, ok)
	assert.Equal(t, int64(4), v)
}

func TestOnResponse_VersionFromBody(t *testing.T) {
	c := NewController(nil, testLogger(t))

	resp := &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{"version":12}`)}
	require.NoError(t, c.OnResponse(context.Background(), "r", &transport.Request{}, resp, nil))

	v, _ := c.Version("r")
	assert.Equal(t, int64(12), v)
}

func TestOnResponse_ConflictFromHeaders(t *testing.T) {
	c := NewController(nil, testLogger(t))
	c.Observe(context.Background(), "r", 2)

	stamped := c.Stamp("r", &transport.Request{})
	resp := &transport.Response{StatusCode: http.StatusConflict, Header: http.Header{}}
	resp.Header.Set(CurrentVersionHeader, "9")

	err := c.OnResponse(context.Background(), "r", stamped, resp, fmt.Errorf("transport: HTTP 409"))

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Expected)
	assert.Equal(t, int64(9), ce.Actual)
}

func TestOnResponse_ConflictWithoutVersionInfo(t *testing.T) {
	c := NewController(nil, testLogger(t))

	err := c.OnResponse(context.Background(), "r", &transport.Request{},
		&transport.Response{StatusCode: http.StatusConflict}, nil)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(-1), ce.Actual)
	assert.Contains(t, ce.Error(), "sent")
}

func TestOnResponse_PassesThroughOtherFailures(t *testing.T) {
	c := NewController(nil, testLogger(t))
	sendErr := &transport.StatusError{StatusCode: 500, Err: transport.ErrServerError}

	err := c.OnResponse(context.Background(), "r", &transport.Request{},
		&transport.Response{StatusCode: 500, Body: []byte(`{"version":3}`)}, sendErr)
	assert.Same(t, sendErr, err)

	_, ok := c.Version("r")
	assert.False(t, ok, "failed writes never record a version")

	netErr := &transport.NetworkError{Method: "PUT", Path: "/", Err: fmt.Errorf("refused")}
	assert.Same(t, netErr, c.OnResponse(context.Background(), "r", &transport.Request{}, nil, netErr))
}

func TestController_DurableMirror(t *testing.T) {
	ctx := context.Background()
	store := scopestore.NewMemoryStore()
	scope := scopestore.Namespace(store, "onboard", "v1", "versions")

	c := NewController(scope, testLogger(t))
	c.Observe(ctx, "villa-1", 8)
	c.Observe(ctx, "villa-2", 1)
	c.Forget(ctx, "villa-2")

	restarted := NewController(scope, testLogger(t))
	require.NoError(t, restarted.Load(ctx))

	v, ok := restarted.Version("villa-1")
	require.True(t, ok)
	assert.Equal(t, int64(8), v)

	_, ok = restarted.Version("villa-2")
	assert.False(t, ok)
}

func TestController_LoadDropsCorruptTokens(t *testing.T) {
	ctx := context.Background()
	scope := scopestore.Namespace(scopestore.NewMemoryStore(), "versions")
	require.NoError(t, scope.Set(ctx, "bad", []byte("{")))

	c := NewController(scope, testLogger(t))
	require.NoError(t, c.Load(ctx))

	keys, err := scope.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
