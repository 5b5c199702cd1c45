package rest

import (
	"context"
	"time"

	"github.com/ioteventfeed/feedsync/internal/model"
	"github.com/ioteventfeed/feedsync/internal/server/storage"
)

// Store is the subset of the storage layer used by the REST handlers. Both
// storage.MemoryStore and storage.PostgresStore satisfy it.
type Store interface {
	// ListEvents returns one page of events in feed order.
	ListEvents(ctx context.Context, q storage.Query) (model.EventPage, error)

	// GetEvent returns one event or an error wrapping storage.ErrNotFound.
	GetEvent(ctx context.Context, id string) (model.Event, error)

	// CountNewer counts events strictly newer than after.
	CountNewer(ctx context.Context, after time.Time) (model.NewEventsCount, error)

	AccountByUsername(ctx context.Context, username string) (storage.Account, error)
	AccountByID(ctx context.Context, id string) (storage.Account, error)
}
