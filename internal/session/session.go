// Package session implements the client's authentication state machine.
//
// A Session is either logged out or logged in as a user. It moves to
// logged in on a successful Login or Restore, and back to logged out on
// Logout or when any remote call is rejected with a 401 (the transport's
// unauthorized hook is wired to HandleUnauthorized). The token and current
// user id live in a secret.Store; the user profile lives in the local
// cache. A stored token without a matching cached profile is treated as
// corrupted state and forces logged out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
	"github.com/ioteventfeed/feedsync/internal/observe"
	"github.com/ioteventfeed/feedsync/internal/secret"
)

// Secret store keys.
const (
	TokenKey  = "auth_token"
	UserIDKey = "user_id"
)

// ErrNotLoggedIn is returned by operations that need an authenticated user.
var ErrNotLoggedIn = errors.New("session: not logged in")

// Authenticator is the subset of the remote API the session needs. It is
// satisfied by *transport.Client.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (model.LoginResponse, error)
	GetUser(ctx context.Context, id string) (model.User, error)
}

// UserCache persists user profiles. It is satisfied by *cache.Cache.
type UserCache interface {
	SaveUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
}

// State is a snapshot of the session. User is meaningful only when LoggedIn.
type State struct {
	LoggedIn bool       `json:"logged_in"`
	User     model.User `json:"user"`
}

// Session is safe for concurrent use.
type Session struct {
	auth    Authenticator
	secrets secret.Store
	users   UserCache
	logger  *slog.Logger

	mu    sync.RWMutex
	token string
	state State

	b *observe.Broadcaster[State]
}

// New returns a logged-out Session. Call Restore to load persisted state.
func New(auth Authenticator, secrets secret.Store, users UserCache, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		auth:    auth,
		secrets: secrets,
		users:   users,
		logger:  logger,
		b:       observe.New[State](4),
	}
}

// Token returns the current bearer token, or "" when logged out. Session
// satisfies transport.TokenSource.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe delivers a snapshot after every transition until ctx is
// cancelled.
func (s *Session) Subscribe(ctx context.Context) <-chan State {
	return s.b.Subscribe(ctx)
}

// Restore loads the persisted token and user. A missing token leaves the
// session logged out without error. A token without a stored user id or
// without a cached profile is corrupted state: the stored secrets are
// removed and the session stays logged out.
func (s *Session) Restore(ctx context.Context) (State, error) {
	token, err := s.secrets.Get(TokenKey)
	if errors.Is(err, secret.ErrSecretNotFound) {
		s.logger.Debug("auth: no stored token")
		return s.set("", State{}), nil
	}
	if err != nil {
		return s.set("", State{}), fmt.Errorf("session: restore token: %w", err)
	}

	userID, err := s.secrets.Get(UserIDKey)
	if err != nil {
		s.logger.Warn("auth: stored token without user id, forcing logout", slog.Any("error", err))
		return s.set("", State{}), s.clearSecrets()
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			return s.set("", State{}), fmt.Errorf("session: restore user: %w", err)
		}
		s.logger.Warn("auth: stored token without cached user, forcing logout",
			slog.String("user_id", userID))
		return s.set("", State{}), s.clearSecrets()
	}

	s.logger.Info("auth: session restored", slog.String("user", u.Username))
	return s.set(token, State{LoggedIn: true, User: u}), nil
}

// Login authenticates against the remote source, persists the token, user
// id and profile, and transitions to logged in. On failure the session is
// unchanged; an authentication rejection wraps errs.ErrAuthenticationRejected.
func (s *Session) Login(ctx context.Context, username, password string) (model.User, error) {
	resp, err := s.auth.Login(ctx, username, password)
	if err != nil {
		s.logger.Warn("auth: login failed", slog.String("username", username), slog.Any("error", err))
		return model.User{}, fmt.Errorf("session: login: %w", err)
	}
	if resp.Token == "" || resp.User.ID == "" {
		return model.User{}, fmt.Errorf("session: login: empty token or user: %w", errs.ErrInvalidResponse)
	}

	if err := s.secrets.Set(TokenKey, resp.Token); err != nil {
		return model.User{}, fmt.Errorf("session: store token: %w", err)
	}
	if err := s.secrets.Set(UserIDKey, resp.User.ID); err != nil {
		_ = s.secrets.Delete(TokenKey)
		return model.User{}, fmt.Errorf("session: store user id: %w", err)
	}
	if err := s.users.SaveUser(ctx, resp.User); err != nil {
		s.logger.Warn("auth: cache user profile", slog.Any("error", err))
	}

	s.logger.Info("auth: logged in", slog.String("user", resp.User.Username))
	s.set(resp.Token, State{LoggedIn: true, User: resp.User})
	return resp.User, nil
}

// Logout clears the stored secrets and transitions to logged out. Logging
// out while already logged out is a no-op.
func (s *Session) Logout() error {
	s.mu.RLock()
	active := s.state.LoggedIn || s.token != ""
	s.mu.RUnlock()
	if !active {
		return nil
	}

	err := s.clearSecrets()
	s.set("", State{})
	s.logger.Info("auth: logged out")
	return err
}

// HandleUnauthorized is the global auto-logout rule. It is registered as
// the transport's unauthorized hook and may be called from any goroutine.
func (s *Session) HandleUnauthorized() {
	if !s.State().LoggedIn {
		return
	}
	s.logger.Warn("auth: request rejected by server, logging out")
	if err := s.Logout(); err != nil {
		s.logger.Error("auth: clear secrets after rejection", slog.Any("error", err))
	}
}

// RefreshProfile fetches the current user's profile from the remote
// source, caches it and publishes the updated state.
func (s *Session) RefreshProfile(ctx context.Context) (model.User, error) {
	st := s.State()
	if !st.LoggedIn {
		return model.User{}, ErrNotLoggedIn
	}

	u, err := s.auth.GetUser(ctx, st.User.ID)
	if err != nil {
		return model.User{}, fmt.Errorf("session: refresh profile: %w", err)
	}
	if err := s.users.SaveUser(ctx, u); err != nil {
		s.logger.Warn("auth: cache user profile", slog.Any("error", err))
	}

	s.mu.Lock()
	if !s.state.LoggedIn || s.state.User.ID != u.ID {
		// Logged out or switched user while the request was in flight.
		s.mu.Unlock()
		return u, nil
	}
	s.state.User = u
	next := s.state
	s.mu.Unlock()

	s.b.Publish(next)
	return u, nil
}

// Close ends all subscriptions.
func (s *Session) Close() { s.b.Close() }

func (s *Session) set(token string, st State) State {
	s.mu.Lock()
	changed := s.state != st || s.token != token
	s.token = token
	s.state = st
	s.mu.Unlock()

	if changed {
		s.b.Publish(st)
	}
	return st
}

func (s *Session) clearSecrets() error {
	return errors.Join(
		s.secrets.Delete(TokenKey),
		s.secrets.Delete(UserIDKey),
	)
}
