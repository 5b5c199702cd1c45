package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ioteventfeed/feedsync/internal/model"
	"github.com/ioteventfeed/feedsync/internal/server/storage"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a model.ErrorResponse body.
func writeError(w http.ResponseWriter, code int, errMsg, detail string) {
	writeJSON(w, code, model.ErrorResponse{Error: errMsg, Message: detail, Code: code})
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store    Store
	tokens   *Tokens
	filesDir string
	logger   *slog.Logger
}

// NewServer creates a Server. filesDir is the directory served under
// /api/files; it may be empty, in which case every file is reported missing.
func NewServer(store Store, tokens *Tokens, filesDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, tokens: tokens, filesDir: filesDir, logger: logger}
}

// handleHealth responds to GET /health without authentication.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogin responds to POST /api/login.
//
// Unknown users and wrong passwords both yield the same 401 body so the
// response does not reveal which usernames exist.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid request", "username and password are required")
		return
	}

	acct, err := s.store.AccountByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("rest: account lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if err != nil || !storage.CheckPassword(req.Password, acct.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "Username or password is incorrect")
		return
	}

	token, err := s.tokens.Issue(acct.ID, acct.Username)
	if err != nil {
		s.logger.Error("rest: issue token failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	s.logger.Info("rest: login", slog.String("username", acct.Username))
	writeJSON(w, http.StatusOK, model.LoginResponse{Token: token, User: acct.User})
}

// handleGetEvents responds to GET /api/events.
//
// Supported query parameters:
//
//	limit      – page size (default 20, max 100)
//	after_ts   – Unix ms of the after cursor; returns older events
//	after_id   – event id tie-break for after_ts (optional)
//	before_ts  – Unix ms of the before cursor; returns newer events
//	before_id  – event id tie-break for before_ts (optional)
//
// After and before are mutually exclusive.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q, msg := parseEventQuery(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "Invalid request", msg)
		return
	}
	page, err := s.store.ListEvents(r.Context(), q)
	if err != nil {
		s.logger.Error("rest: list events failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if page.Events == nil {
		page.Events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, page)
}

// parseEventQuery validates the event list parameters. A non-empty message
// describes the first problem found.
func parseEventQuery(r *http.Request) (storage.Query, string) {
	v := r.URL.Query()
	var q storage.Query

	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, "limit must be a positive integer"
		}
		q.Limit = min(n, model.MaxPageLimit)
	} else {
		q.Limit = model.DefaultPageLimit
	}

	after, msg := parseCursor(v.Get("after_ts"), v.Get("after_id"), "after")
	if msg != "" {
		return q, msg
	}
	before, msg := parseCursor(v.Get("before_ts"), v.Get("before_id"), "before")
	if msg != "" {
		return q, msg
	}
	if after != nil && before != nil {
		return q, "after and before cannot be combined"
	}
	q.After, q.Before = after, before
	return q, ""
}

func parseCursor(ts, id, name string) (*model.Cursor, string) {
	if ts == "" {
		if id != "" {
			return nil, name + "_id requires " + name + "_ts"
		}
		return nil, ""
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, name + "_ts must be a Unix timestamp in milliseconds"
	}
	return &model.Cursor{TimestampMillis: ms, EventID: id}, ""
}

// handleGetEvent responds to GET /api/events/{id}.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Event not found", "")
	case err != nil:
		s.logger.Error("rest: get event failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
	default:
		writeJSON(w, http.StatusOK, e)
	}
}

// handleNewCount responds to GET /api/events/new/count?after_ts=<ms>.
func (s *Server) handleNewCount(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("after_ts")
	ms, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "after_ts is required and must be a Unix timestamp in milliseconds")
		return
	}
	n, err := s.store.CountNewer(r.Context(), time.UnixMilli(ms))
	if err != nil {
		s.logger.Error("rest: count new events failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleGetUser responds to GET /api/user/{id}. Callers may only read
// their own profile.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims, ok := ClaimsFromContext(r.Context())
	if !ok || claims.UserID != id {
		writeError(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	acct, err := s.store.AccountByID(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found", "")
	case err != nil:
		s.logger.Error("rest: get user failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
	default:
		writeJSON(w, http.StatusOK, acct.User)
	}
}

// handleDownloadFile responds to GET /api/files/{filename} with the raw
// file as an attachment. Names containing a path component are rejected.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		writeError(w, http.StatusBadRequest, "Invalid filename", "")
		return
	}
	if s.filesDir == "" {
		writeError(w, http.StatusNotFound, "File not found", "")
		return
	}

	f, err := os.Open(filepath.Join(s.filesDir, name))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found", "")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "File not found", "")
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
