// Package rest provides the HTTP API of the development feed server.
// This file implements HS256 JWT issuing and bearer-token authentication
// middleware.
//
// # Authentication Flow
//
// POST /api/login exchanges a username and password for a signed token.
// All other /api routes require:
//
//	Authorization: Bearer <compact-JWT>
//
// The middleware extracts the token, verifies the HS256 signature and the
// expiry, and injects the verified [Claims] into the request context. On any
// failure it responds with HTTP 401 and a JSON error body and does not call
// the next handler.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ─── Context key ─────────────────────────────────────────────────────────────

type contextKey int

const claimsKey contextKey = 0

// ─── Claims ──────────────────────────────────────────────────────────────────

// Claims is the JWT payload issued at login.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ClaimsFromContext retrieves the verified [Claims] injected by
// [JWTMiddleware]. It returns (nil, false) on unauthenticated requests.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// ─── Token issuer ────────────────────────────────────────────────────────────

// Tokens signs and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a Tokens using secret, issuing tokens valid for ttl.
func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}
}

// Issue returns a signed token for the user.
func (t *Tokens) Issue(userID, username string) (string, error) {
	now := t.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns its claims. Only HS256 is accepted and
// an expiry is required.
func (t *Tokens) Parse(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user_id claim")
	}
	return &claims, nil
}

// ─── Middleware ──────────────────────────────────────────────────────────────

// JWTMiddleware returns chi-compatible middleware that enforces bearer-token
// authentication with tokens.
func JWTMiddleware(tokens *Tokens, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			parts := strings.Split(raw, " ")
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header format", "")
				return
			}

			claims, err := tokens.Parse(parts[1])
			if err != nil {
				logger.Warn("jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeError(w, http.StatusUnauthorized, "Invalid token", err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
