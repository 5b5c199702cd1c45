package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
	"github.com/ioteventfeed/feedsync/internal/transport"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newClient(t *testing.T, h http.Handler, opts ...transport.Option) (*transport.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := transport.New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var ts = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Construction and URL resolution
// ---------------------------------------------------------------------------

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, base := range []string{"", "localhost:8080", "ftp://x", "/api"} {
		if _, err := transport.New(base); !errors.Is(err, errs.ErrInvalidURL) {
			t.Errorf("New(%q) err = %v, want ErrInvalidURL", base, err)
		}
	}
}

func TestResolveURL(t *testing.T) {
	c, err := transport.New("http://feed.local:8080/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct{ in, want string }{
		{"/api/files/a.txt", "http://feed.local:8080/api/files/a.txt"},
		{"api/files/a.txt", "http://feed.local:8080/api/files/a.txt"},
		{"https://cdn.example.com/x.bin", "https://cdn.example.com/x.bin"},
	}
	for _, tc := range tests {
		got, err := c.ResolveURL(tc.in)
		if err != nil {
			t.Errorf("ResolveURL(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ResolveURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := c.ResolveURL(""); !errors.Is(err, errs.ErrInvalidURL) {
		t.Errorf("ResolveURL(\"\") err = %v, want ErrInvalidURL", err)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestListEvents_EncodesCursorQuery(t *testing.T) {
	var gotQuery atomic.Value
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotQuery.Store(r.URL.RawQuery)
		writeJSON(w, http.StatusOK, model.EventPage{
			Events:     []model.Event{{ID: "e1", Severity: model.SeverityInfo, Timestamp: ts}},
			HasNext:    true,
			NextCursor: &model.Cursor{TimestampMillis: ts.UnixMilli(), EventID: "e1"},
		})
	}))

	page, err := c.ListEvents(context.Background(), transport.EventQuery{
		Limit: 20,
		After: &model.Cursor{TimestampMillis: 1700, EventID: "e9"},
	})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if q := gotQuery.Load().(string); q != "after_id=e9&after_ts=1700&limit=20" {
		t.Errorf("query = %q", q)
	}
	if len(page.Events) != 1 || !page.Events[0].Timestamp.Equal(ts) {
		t.Errorf("page.Events = %+v", page.Events)
	}
	if !page.HasNext || page.NextCursor == nil || page.NextCursor.EventID != "e1" {
		t.Errorf("paging = (%v, %+v)", page.HasNext, page.NextCursor)
	}
}

func TestListEvents_BeforeQuery(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("before_ts") != "42" || q.Get("before_id") != "x" || q.Has("after_ts") {
			t.Errorf("query = %v", q)
		}
		writeJSON(w, http.StatusOK, model.EventPage{Events: []model.Event{}})
	}))
	if _, err := c.ListEvents(context.Background(), transport.EventQuery{
		Before: &model.Cursor{TimestampMillis: 42, EventID: "x"},
	}); err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
}

func TestNewEventsCount(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events/new/count" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("after_ts"); got != "1714564800000" {
			t.Errorf("after_ts = %q", got)
		}
		writeJSON(w, http.StatusOK, model.NewEventsCount{TotalCount: 3, CriticalCount: 1})
	}))
	n, err := c.NewEventsCount(context.Background(), ts)
	if err != nil {
		t.Fatalf("NewEventsCount: %v", err)
	}
	if n.TotalCount != 3 || n.CriticalCount != 1 {
		t.Errorf("count = %+v", n)
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, model.ErrorResponse{Error: "not_found", Message: "event not found", Code: 404})
	}))
	_, err := c.GetEvent(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if errs.StatusOf(err) != http.StatusNotFound {
		t.Errorf("StatusOf = %d", errs.StatusOf(err))
	}
}

func TestServerError_IsInvalidResponse(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	_, err := c.ListEvents(context.Background(), transport.EventQuery{})
	if !errors.Is(err, errs.ErrInvalidResponse) {
		t.Errorf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestMalformedBody_IsDecodingFailure(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"events": [`)
	}))
	_, err := c.ListEvents(context.Background(), transport.EventQuery{})
	if !errors.Is(err, errs.ErrDecodingFailure) {
		t.Errorf("err = %v, want ErrDecodingFailure", err)
	}
}

func TestUnreachableServer_IsNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := transport.New(base, transport.WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.ListEvents(context.Background(), transport.EventQuery{})
	if !errors.Is(err, errs.ErrNetworkUnavailable) {
		t.Errorf("err = %v, want ErrNetworkUnavailable", err)
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestBearerTokenAttached(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want Bearer tok-1", got)
		}
		writeJSON(w, http.StatusOK, model.User{ID: "1", Username: "admin"})
	}), transport.WithTokenSource(transport.TokenFunc(func() string { return "tok-1" })))

	u, err := c.GetUser(context.Background(), "1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Username != "admin" {
		t.Errorf("Username = %q", u.Username)
	}
}

func TestNoTokenNoHeader(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
		writeJSON(w, http.StatusOK, model.EventPage{})
	}), transport.WithTokenSource(transport.TokenFunc(func() string { return "" })))
	if _, err := c.ListEvents(context.Background(), transport.EventQuery{}); err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
}

func TestUnauthorized_FiresHookOnAnyEndpoint(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, model.ErrorResponse{Error: "unauthorized", Message: "token expired", Code: 401})
	}))
	var fired atomic.Int32
	c.OnUnauthorized(func() { fired.Add(1) })

	_, err := c.ListEvents(context.Background(), transport.EventQuery{})
	if !errs.IsAuthRejected(err) {
		t.Fatalf("ListEvents err = %v, want ErrAuthenticationRejected", err)
	}
	var se *errs.StatusError
	if !errors.As(err, &se) || se.Message != "token expired" {
		t.Errorf("StatusError = %+v, want message 'token expired'", se)
	}

	_, _, err = c.Open(context.Background(), "/api/files/a.txt")
	if !errs.IsAuthRejected(err) {
		t.Errorf("Open err = %v, want ErrAuthenticationRejected", err)
	}
	if n := fired.Load(); n != 2 {
		t.Errorf("hook fired %d times, want 2", n)
	}
	if c.UnauthorizedTotal.Load() != 2 {
		t.Errorf("UnauthorizedTotal = %d, want 2", c.UnauthorizedTotal.Load())
	}
}

func TestLogin(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/login" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login must not send a bearer token")
		}
		var req model.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Username != "admin" || req.Password != "admin123" {
			writeJSON(w, http.StatusUnauthorized, model.ErrorResponse{Error: "unauthorized", Message: "Invalid username or password", Code: 401})
			return
		}
		writeJSON(w, http.StatusOK, model.LoginResponse{Token: "jwt", User: model.User{ID: "1", Username: "admin"}})
	}), transport.WithTokenSource(transport.TokenFunc(func() string { return "stale" })))

	var fired atomic.Int32
	c.OnUnauthorized(func() { fired.Add(1) })

	resp, err := c.Login(context.Background(), "admin", "admin123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.Token != "jwt" || resp.User.ID != "1" {
		t.Errorf("resp = %+v", resp)
	}

	_, err = c.Login(context.Background(), "admin", "wrong")
	var se *errs.StatusError
	if !errors.As(err, &se) || !errs.IsAuthRejected(err) {
		t.Fatalf("err = %v, want auth rejection", err)
	}
	if se.Message != "Invalid username or password" {
		t.Errorf("Message = %q", se.Message)
	}
	if fired.Load() != 0 {
		t.Error("login rejection must not fire the unauthorized hook")
	}
}

func TestLogin_UnauthorizedFallbackMessage(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.Login(context.Background(), "a", "b")
	var se *errs.StatusError
	if !errors.As(err, &se) || se.Message != "unauthorized" {
		t.Errorf("err = %v, want message 'unauthorized'", err)
	}
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

func TestOpen_StreamsBodyWithLength(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "11")
		_, _ = io.WriteString(w, "hello world")
	}))
	body, n, err := c.Open(context.Background(), "/api/files/hello.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	if n != 11 {
		t.Errorf("content length = %d, want 11", n)
	}
	data, _ := io.ReadAll(body)
	if string(data) != "hello world" {
		t.Errorf("body = %q", data)
	}
}

func TestOpen_NonSuccessIsDownloadFailed(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, _, err := c.Open(context.Background(), "/api/files/x")
	if !errors.Is(err, errs.ErrDownloadFailed) {
		t.Errorf("err = %v, want ErrDownloadFailed", err)
	}
	if errs.StatusOf(err) != http.StatusBadGateway {
		t.Errorf("StatusOf = %d", errs.StatusOf(err))
	}
}

func TestPing(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/health") {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	if err := c.Ping(context.Background(), "/health"); err != nil {
		t.Errorf("Ping(/health): %v", err)
	}
	if err := c.Ping(context.Background(), "/down"); err == nil {
		t.Error("Ping(/down) = nil, want error")
	}
}
