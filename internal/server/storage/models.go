// Package storage provides the persistence layer of the development feed
// server: a seeded in-memory store for local runs and tests, and a
// PostgreSQL store over a pgxpool connection pool. Both order events by
// (timestamp desc, id desc) and share the cursor semantics of
// model.Paginate.
package storage

import (
	"errors"

	"github.com/ioteventfeed/feedsync/internal/model"
)

// ErrNotFound is returned when an event or account does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an account username is already taken.
var ErrDuplicate = errors.New("storage: duplicate")

// Account is a user profile together with its bcrypt password hash.
type Account struct {
	model.User
	PasswordHash string `json:"-"`
}

// Query selects one page of events. At most one of After and Before is
// normally set; Limit is clamped with model.ClampLimit.
type Query struct {
	Limit  int
	After  *model.Cursor
	Before *model.Cursor
}
