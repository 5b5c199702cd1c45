// Package transport implements the HTTP client for the remote event API and
// for attachment downloads. The [Client] has the following properties:
//
//   - Bearer auth: every request except login carries the token returned by
//     the configured [TokenSource], when one is present.
//   - Global 401 hook: any 401 response invokes the handler registered with
//     [Client.OnUnauthorized] before the error is returned. The session
//     component registers its logout there, so the transport never depends
//     on session internals.
//   - Error taxonomy: failures are returned as *errs.StatusError or wrapped
//     errs sentinels so callers classify them with errors.Is.
//   - Timeouts: non-streaming calls are bounded by the configured request
//     timeout. Streaming downloads rely on the caller's context.
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
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
)

// defaultTimeout bounds a non-streaming request when none is configured.
const defaultTimeout = 30 * time.Second

// TokenSource supplies the current bearer token. An empty string means no
// token is available and no Authorization header is sent.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// Token implements TokenSource.
func (f TokenFunc) Token() string { return f() }

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTokenSource sets the bearer token source.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the logger. slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client talks to the remote event API. It is safe for concurrent use.
type Client struct {
	base    string // scheme://host[/prefix], no trailing slash
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger

	mu             sync.RWMutex
	tokens         TokenSource
	onUnauthorized func()

	// RequestsTotal counts requests sent, including downloads.
	RequestsTotal atomic.Int64
	// UnauthorizedTotal counts 401 responses.
	UnauthorizedTotal atomic.Int64
}

// New returns a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("transport: base url %q: %w", baseURL, errs.ErrInvalidURL)
	}
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SetTokenSource replaces the token source after construction.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

// OnUnauthorized registers fn to be called on every 401 response from an
// authenticated request. A later call replaces the previous handler.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string { return c.base }

// ResolveURL turns a download or endpoint reference into an absolute URL.
// Absolute http(s) URLs are returned unchanged; anything else is appended
// to the base URL.
func (c *Client) ResolveURL(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("transport: empty url: %w", errs.ErrInvalidURL)
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if _, err := url.Parse(ref); err != nil {
			return "", fmt.Errorf("transport: url %q: %w", ref, errs.ErrInvalidURL)
		}
		return ref, nil
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	full := c.base + ref
	if _, err := url.Parse(full); err != nil {
		return "", fmt.Errorf("transport: url %q: %w", full, errs.ErrInvalidURL)
	}
	return full, nil
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// EventQuery selects a page of events. At most one of After and Before
// should be set; with neither, the newest page is returned.
type EventQuery struct {
	Limit int
	// After selects events strictly older than the cursor.
	After *model.Cursor
	// Before selects events strictly newer than the cursor.
	Before *model.Cursor
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After != nil {
		v.Set("after_ts", strconv.FormatInt(q.After.TimestampMillis, 10))
		v.Set("after_id", q.After.EventID)
	}
	if q.Before != nil {
		v.Set("before_ts", strconv.FormatInt(q.Before.TimestampMillis, 10))
		v.Set("before_id", q.Before.EventID)
	}
	return v
}

// ListEvents fetches one page of events.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) (model.EventPage, error) {
	var page model.EventPage
	err := c.doJSON(ctx, http.MethodGet, "/api/events", q.values(), nil, &page, true)
	if err != nil {
		return model.EventPage{}, err
	}
	return page, nil
}

// GetEvent fetches a single event by id.
func (c *Client) GetEvent(ctx context.Context, id string) (model.Event, error) {
	var e model.Event
	if err := c.doJSON(ctx, http.MethodGet, "/api/events/"+url.PathEscape(id), nil, nil, &e, true); err != nil {
		return model.Event{}, err
	}
	return e, nil
}

// NewEventsCount returns how many events are newer than after.
func (c *Client) NewEventsCount(ctx context.Context, after time.Time) (model.NewEventsCount, error) {
	v := url.Values{}
	v.Set("after_ts", strconv.FormatInt(after.UnixMilli(), 10))
	var n model.NewEventsCount
	if err := c.doJSON(ctx, http.MethodGet, "/api/events/new/count", v, nil, &n, true); err != nil {
		return model.NewEventsCount{}, err
	}
	return n, nil
}

// GetUser fetches the profile of user id.
func (c *Client) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	if err := c.doJSON(ctx, http.MethodGet, "/api/user/"+url.PathEscape(id), nil, nil, &u, true); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Login exchanges credentials for a token. Rejected credentials return an
// error wrapping errs.ErrAuthenticationRejected whose Message is the
// server's explanation. Login never invokes the 401 hook.
func (c *Client) Login(ctx context.Context, username, password string) (model.LoginResponse, error) {
	body, err := json.Marshal(model.LoginRequest{Username: username, Password: password})
	if err != nil {
		return model.LoginResponse{}, fmt.Errorf("transport: encode login: %w", err)
	}
	var resp model.LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/login", nil, body, &resp, false); err != nil {
		return model.LoginResponse{}, err
	}
	return resp, nil
}

// Open starts an authenticated streaming GET of ref, which may be absolute
// or relative to the base URL. It returns the body and the Content-Length,
// or -1 when unknown. The caller must close the body.
func (c *Client) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	full, err := c.ResolveURL(ref)
	if err != nil {
		return nil, 0, err
	}
	op := "GET " + ref

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: %s: %w", op, errs.ErrInvalidURL)
	}
	resp, err := c.send(req, true)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: %s: %w: %w", op, errs.ErrDownloadFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, 0, c.statusError(op, resp, errs.ErrDownloadFailed, true)
	}
	return resp.Body, resp.ContentLength, nil
}

// Ping issues an unauthenticated GET of path and reports whether the
// server answered with a 2xx status.
func (c *Client) Ping(ctx context.Context, path string) error {
	full, err := c.ResolveURL(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return fmt.Errorf("transport: ping: %w", errs.ErrInvalidURL)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: ping: %w: %w", errs.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &errs.StatusError{Op: "GET " + path, Status: resp.StatusCode, Kind: errs.ErrInvalidResponse}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body []byte, out any, authed bool) error {
	op := method + " " + path

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	full := c.base + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, rdr)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", op, errs.ErrInvalidURL)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(req, authed)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("transport: %s: %w", op, ctxErr)
		}
		return fmt.Errorf("transport: %s: %w: %w", op, errs.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(op, resp, errs.ErrInvalidResponse, authed)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: %s: %w: %w", op, errs.ErrDecodingFailure, err)
	}
	return nil
}

func (c *Client) send(req *http.Request, authed bool) (*http.Response, error) {
	if authed {
		c.mu.RLock()
		ts := c.tokens
		c.mu.RUnlock()
		if ts != nil {
			if tok := ts.Token(); tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}
	}
	c.RequestsTotal.Add(1)
	c.logger.Debug("transport: request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
	)
	return c.http.Do(req)
}

// statusError classifies a non-2xx response. 401 becomes an authentication
// rejection and fires the hook when authed; 404 becomes ErrNotFound.
func (c *Client) statusError(op string, resp *http.Response, fallback error, authed bool) error {
	msg := readErrorMessage(resp.Body)
	se := &errs.StatusError{Op: op, Status: resp.StatusCode, Message: msg, Kind: fallback}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		se.Kind = errs.ErrAuthenticationRejected
		if se.Message == "" {
			se.Message = "unauthorized"
		}
		c.UnauthorizedTotal.Add(1)
		c.logger.Warn("transport: authentication rejected", slog.String("op", op))
		if authed {
			c.mu.RLock()
			fn := c.onUnauthorized
			c.mu.RUnlock()
			if fn != nil {
				fn()
			}
		}
	case http.StatusNotFound:
		se.Kind = errs.ErrNotFound
	}
	return se
}

// readErrorMessage extracts message, falling back to error, from a JSON
// error body. Non-JSON bodies yield "".
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var er model.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil {
		return ""
	}
	if er.Message != "" {
		return er.Message
	}
	return er.Error
}
