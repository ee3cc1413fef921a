// Package occ implements optimistic concurrency for onboarding writes. Every
// resource carries a server-assigned integer version; each write presents
// the last version this process observed, and the server accepts at most one
// write per version. A rejected write surfaces as a ConflictError and leaves
// the local token untouched until the caller re-reads authoritative state.
package occ

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

// Version headers exchanged with the API.
const (
	VersionHeader        = "X-Resource-Version"
	CurrentVersionHeader = "X-Current-Version"
)

// ErrConflict is matched by every ConflictError.
var ErrConflict = errors.New("occ: version conflict")

// ConflictError reports that the server rejected a write stamped with a
// stale version. Actual is -1 when the server did not say.
type ConflictError struct {
	ResourceID string
	Expected   int64
	Actual     int64
}

func (e *ConflictError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("occ: version conflict on %s (sent %d)", e.ResourceID, e.Expected)
	}

	return fmt.Sprintf("occ: version conflict on %s: expected %d, actual %d", e.ResourceID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Token is the last version observed for one resource.
type Token struct {
	ResourceID string    `json:"resource_id"`
	Version    int64     `json:"version"`
	ObservedAt time.Time `json:"observed_at"`
}

// Controller tracks one Token per resource. It is safe for concurrent use.
type Controller struct {
	mu      sync.Mutex
	tokens  map[string]Token
	durable *scopestore.Scoped // optional
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewController creates a Controller. durable may be nil; when set, tokens
// are mirrored there so a restarted process still presents the versions it
// last saw. The namespace must belong to this process alone: a token read
// from another writer would let this process overwrite data it never saw.
func NewController(durable *scopestore.Scoped, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		tokens:  make(map[string]Token),
		durable: durable,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Load reads the durable mirror into memory. Versions already held in
// memory win when higher.
func (c *Controller) Load(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}

	keys, err := c.durable.Keys(ctx)
	if err != nil {
		return fmt.Errorf("occ: listing stored versions: %w", err)
	}

	for _, k := range keys {
		var tok Token

		ok, err := c.durable.GetJSON(ctx, k, &tok)
		if err != nil {
			c.logger.Warn("discarding unreadable version token",
				slog.String("key", k),
				slog.String("error", err.Error()),
			)

			_ = c.durable.Delete(ctx, k)

			continue
		}

		if !ok {
			continue
		}

		c.mu.Lock()
		if cur, have := c.tokens[k]; !have || tok.Version > cur.Version {
			c.tokens[k] = tok
		}
		c.mu.Unlock()
	}

	return nil
}

// Version returns the last observed version of a resource.
func (c *Controller) Version(resourceID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, ok := c.tokens[resourceID]

	return tok.Version, ok
}

// Stamp returns a copy of req carrying the last known version. A resource
// never observed is sent without a version (first write).
func (c *Controller) Stamp(resourceID string, req *transport.Request) *transport.Request {
	out := req.Clone()

	if v, ok := c.Version(resourceID); ok {
		out.SetHeader(VersionHeader, strconv.FormatInt(v, 10))
	} else if out.Header != nil {
		out.Header.Del(VersionHeader)
	}

	return out
}

// OnResponse applies the outcome of a stamped write. On 2xx the server's new
// version is recorded. On 409 a *ConflictError is returned and nothing is
// recorded. sendErr is the error returned by the Sender, if any; other
// failures are passed through unchanged.
func (c *Controller) OnResponse(
	ctx context.Context, resourceID string, stamped *transport.Request, resp *transport.Response, sendErr error,
) error {
	if resp == nil {
		return sendErr
	}

	if resp.StatusCode == http.StatusConflict {
		expected, actual := conflictVersions(stamped, resp)

		c.logger.Warn("write rejected: stale version",
			slog.String("resource_id", resourceID),
			slog.Int64("expected", expected),
			slog.Int64("actual", actual),
		)

		return &ConflictError{ResourceID: resourceID, Expected: expected, Actual: actual}
	}

	if !resp.OK() {
		return sendErr
	}

	if v, ok := ResponseVersion(resp); ok {
		c.Observe(ctx, resourceID, v)
	}

	return nil
}

// Observe records an authoritative version, e.g. from a refetch. Versions
// never move backwards.
func (c *Controller) Observe(ctx context.Context, resourceID string, version int64) {
	c.mu.Lock()

	cur, ok := c.tokens[resourceID]
	if ok && version <= cur.Version {
		c.mu.Unlock()
		return
	}

	tok := Token{ResourceID: resourceID, Version: version, ObservedAt: c.nowFunc().UTC()}
	c.tokens[resourceID] = tok
	c.mu.Unlock()

	c.logger.Debug("version observed",
		slog.String("resource_id", resourceID),
		slog.Int64("version", version),
	)

	c.persist(ctx, tok)
}

// Forget drops the token for a resource, e.g. when the session is cleared.
func (c *Controller) Forget(ctx context.Context, resourceID string) {
	c.mu.Lock()
	delete(c.tokens, resourceID)
	c.mu.Unlock()

	if c.durable != nil {
		if err := c.durable.Delete(ctx, resourceID); err != nil {
			c.logger.Warn("failed to delete stored version",
				slog.String("resource_id", resourceID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Controller) persist(ctx context.Context, tok Token) {
	if c.durable == nil {
		return
	}

	if err := c.durable.SetJSON(ctx, tok.ResourceID, tok); err != nil {
		c.logger.Warn("failed to persist version",
			slog.String("resource_id", tok.ResourceID),
			slog.String("error", err.Error()),
		)
	}
}

// versionBody covers the body shapes the API uses to report versions.
type versionBody struct {
	Version         *int64 `json:"version"`
	ExpectedVersion *int64 `json:"expectedVersion"`
	CurrentVersion  *int64 `json:"currentVersion"`
}

// ResponseVersion extracts the resource version from a successful response,
// preferring the header over the body.
func ResponseVersion(resp *transport.Response) (int64, bool) {
	if v, ok := headerVersion(resp.Header, VersionHeader); ok {
		return v, true
	}

	var body versionBody
	if json.Unmarshal(resp.Body, &body) == nil && body.Version != nil {
		return *body.Version, true
	}

	return 0, false
}

func conflictVersions(stamped *transport.Request, resp *transport.Response) (expected, actual int64) {
	expected, actual = -1, -1

	if stamped != nil {
		if v, ok := headerVersion(stamped.Header, VersionHeader); ok {
			expected = v
		}
	}

	var body versionBody
	if json.Unmarshal(resp.Body, &body) == nil {
		if body.ExpectedVersion != nil {
			expected = *body.ExpectedVersion
		}

		switch {
		case body.CurrentVersion != nil:
			actual = *body.CurrentVersion
		case body.Version != nil:
			actual = *body.Version
		}
	}

	if actual < 0 {
		if v, ok := headerVersion(resp.Header, CurrentVersionHeader); ok {
			actual = v
		} else if v, ok := headerVersion(resp.Header, VersionHeader); ok {
			actual = v
		}
	}

	return expected, actual
}

func headerVersion(h http.Header, name string) (int64, bool) {
	if h == nil {
		return 0, false
	}

	raw := h.Get(name)
	if raw == "" {
		return 0, false
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}

	return v, true
}
