package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	defaultUserAgent = "onboard-sync/0.1"
	requestIDHeader  = "X-Request-Id"

	// maxErrorBody bounds how much of an error response is kept in
	// StatusError.Message.
	maxErrorBody = 4 << 10
)

// Request is one API call. Path is relative to the client's base URL.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// NewRequest builds a Request, marshaling body as JSON when non-nil.
func NewRequest(method, path string, body any) (*Request, error) {
	req := &Request{Method: method, Path: path, Header: make(http.Header)}

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encoding %s %s body: %w", method, path, err)
		}

		req.Body = data
	}

	return req, nil
}

// SetHeader sets a request header, allocating the map if needed.
func (r *Request) SetHeader(key, value string) {
	if r.Header == nil {
		r.Header = make(http.Header)
	}

	r.Header.Set(key, value)
}

// Clone returns a deep copy so stamping never mutates a queued request.
func (r *Request) Clone() *Request {
	out := *r
	out.Body = bytes.Clone(r.Body)
	out.Header = r.Header.Clone()

	return &out
}

// Response is a normalized API response with the body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// DecodeJSON unmarshals the body into v. An empty body leaves v untouched.
func (r *Response) DecodeJSON(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("transport: decoding response: %w", err)
	}

	return nil
}

// Sender performs a single API call. Non-2xx responses are returned together
// with a *StatusError; failures without a response return a *NetworkError.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *Request) (*Response, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Client is the HTTP implementation of Sender.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates an API client. tokens may be nil for unauthenticated
// servers. The request timeout is the http.Client's Timeout.
func NewClient(
	baseURL string, httpClient *http.Client, tokens oauth2.TokenSource, userAgent string, logger *slog.Logger,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// BaseURL returns the API root this client sends to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send executes req once.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Caller cancellation is not a connectivity signal.
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("transport: request canceled: %w", ctx.Err())
		}

		c.logger.Debug("request failed without response",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("error", err.Error()),
		)

		return nil, &NetworkError{Method: req.Method, Path: req.Path, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, Path: req.Path, Err: fmt.Errorf("reading body: %w", err)}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After"), time.Now()),
	}

	c.logger.Debug("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.OK() {
		return resp, nil
	}

	msg := body
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}

	return resp, &StatusError{
		StatusCode: resp.StatusCode,
		RequestID:  httpReq.Header.Get(requestIDHeader),
		Message:    string(msg),
		RetryAfter: resp.RetryAfter,
		Err:        classifyStatus(resp.StatusCode),
	}
}

func (c *Client) build(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("transport: obtaining token: %w", err)
		}

		tok.SetAuthHeader(httpReq)
	}

	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", "application/json")

	if httpReq.Header.Get(requestIDHeader) == "" {
		httpReq.Header.Set(requestIDHeader, uuid.NewString())
	}

	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	return httpReq, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0
		}

		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}

	return 0
}
