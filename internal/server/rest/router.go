package rest

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the feed API.
//
// Route layout:
//
//	GET  /health                 – liveness probe (no authentication required)
//	POST /api/login              – exchange credentials for a token
//	GET  /api/user/{id}          – own profile (JWT required)
//	GET  /api/events             – cursor-paginated feed (JWT required)
//	GET  /api/events/new/count   – events newer than after_ts (JWT required)
//	GET  /api/events/{id}        – single event (JWT required)
//	GET  /api/files/{filename}   – attachment download (JWT required)
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(srv.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/health", srv.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", srv.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(JWTMiddleware(srv.tokens, srv.logger))

			r.Get("/user/{id}", srv.handleGetUser)
			r.Get("/events", srv.handleGetEvents)
			r.Get("/events/new/count", srv.handleNewCount)
			r.Get("/events/{id}", srv.handleGetEvent)
			r.Get("/files/{filename}", srv.handleDownloadFile)
		})
	})

	return r
}

// cors allows any origin and answers preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("rest: request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
