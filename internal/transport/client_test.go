package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token", TokenType: "Bearer"})

	return NewClient(url, nil, tokens, "onboard-sync/test", testLogger(t))
}

func TestSend_Success(t *testing.T) {
	var gotAuth, gotUA, gotCT, gotReqID, gotBody, gotVersion string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		gotReqID = r.Header.Get("X-Request-Id")
		gotVersion = r.Header.Get("X-Resource-Version")

		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		assert.Equal(t, "/api/onboarding/abc/steps/1", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)

		w.Header().Set("X-Resource-Version", "6")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"version":6}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/")

	req, err := NewRequest(http.MethodPut, StepPath("abc", 1), map[string]any{"step": 1})
	require.NoError(t, err)
	req.SetHeader("X-Resource-Version", "5")

	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, resp.OK())
	assert.Equal(t, "6", resp.Header.Get("X-Resource-Version"))
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "onboard-sync/test", gotUA)
	assert.Equal(t, "application/json", gotCT)
	assert.NotEmpty(t, gotReqID)
	assert.Equal(t, "5", gotVersion)
	assert.JSONEq(t, `{"step":1}`, gotBody)

	var decoded struct{ Version int64 }
	require.NoError(t, resp.DecodeJSON(&decoded))
	assert.Equal(t, int64(6), decoded.Version)
}

func TestSend_StatusErrorsReturnResponse(t *testing.T) {
	tests := []struct {
		status    int
		sentinel  error
		retryable bool
	}{
		{http.StatusBadRequest, ErrBadRequest, false},
		{http.StatusUnauthorized, ErrUnauthorized, false},
		{http.StatusForbidden, ErrForbidden, false},
		{http.StatusNotFound, ErrNotFound, false},
		{http.StatusRequestTimeout, ErrTimeout, true},
		{http.StatusConflict, ErrConflict, false},
		{http.StatusGone, ErrGone, false},
		{http.StatusRequestEntityTooLarge, ErrTooLarge, false},
		{http.StatusUnprocessableEntity, ErrUnprocessable, false},
		{http.StatusTeapot, ErrClientError, false},
		{http.StatusTooManyRequests, ErrThrottled, true},
		{http.StatusInternalServerError, ErrServerError, true},
		{http.StatusBadGateway, ErrServerError, true},
		{http.StatusServiceUnavailable, ErrServerError, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			resp, err := newTestClient(t, srv.URL).Send(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
			require.Error(t, err)
			require.NotNil(t, resp, "non-2xx responses are still returned")

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.retryable, IsRetryable(err))

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Contains(t, se.Message, "nope")
			assert.NotEmpty(t, se.RequestID)
		})
	}
}

func TestSend_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Send(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Equal(t, 7*time.Second, resp.RetryAfter)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 7*time.Second, se.RetryAfter)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 3*time.Second, parseRetryAfter(" 3 ", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now))
}

func TestSend_NetworkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	resp, err := newTestClient(t, url).Send(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrNetworkUnreachable)
	assert.True(t, IsRetryable(err))

	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, http.MethodGet, ne.Method)
}

func TestSend_TimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, &http.Client{Timeout: 50 * time.Millisecond}, nil, "", testLogger(t))

	_, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkUnreachable)
}

func TestSend_CanceledContextIsNotNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL).Send(ctx, &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrNetworkUnreachable))
}

func TestSend_TokenError(t *testing.T) {
	tokens := tokenSourceFunc(func() (*oauth2.Token, error) { return nil, errors.New("expired") })
	c := NewClient("http://127.0.0.1:1", nil, tokens, "", testLogger(t))

	_, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "obtaining token")
	assert.False(t, IsRetryable(err))
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

func TestRequest_CloneIsDeep(t *testing.T) {
	req, err := NewRequest(http.MethodPut, "/p", map[string]int{"a": 1})
	require.NoError(t, err)

	clone := req.Clone()
	clone.SetHeader("X-Test", "1")
	clone.Body[0] = '['

	assert.Empty(t, req.Header.Get("X-Test"))
	assert.Equal(t, byte('{'), req.Body[0])
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/api/onboarding/a%2Fb", ResourcePath("a/b"))
	assert.Equal(t, "/api/onboarding/r1/steps/3", StepPath("r1", 3))
	assert.Equal(t, "/api/onboarding/r1/progress", ProgressPath("r1"))
}

func TestSenderFunc(t *testing.T) {
	var s Sender = SenderFunc(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusNoContent}, nil
	})

	resp, err := s.Send(context.Background(), &Request{})
	require.NoError(t, err)
	assert.True(t, resp.OK())
}
