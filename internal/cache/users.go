package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
)

// SaveUser inserts or refreshes the cached profile of u.
func (c *Cache) SaveUser(ctx context.Context, u model.User) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, name, role)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     username   = excluded.username,
		     email      = excluded.email,
		     name       = excluded.name,
		     role       = excluded.role,
		     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		u.ID, u.Username, u.Email, u.Name, u.Role,
	)
	if err != nil {
		return fmt.Errorf("cache: save user %q: %w", u.ID, err)
	}
	return nil
}

// GetUser returns the cached profile with id, or errs.ErrNotFound.
func (c *Cache) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := c.db.QueryRowContext(ctx,
		`SELECT id, username, email, name, role FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("cache: user %q: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("cache: get user %q: %w", id, err)
	}
	return u, nil
}
