package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ioteventfeed/feedsync/internal/model"
)

// MemoryStore keeps events and accounts in memory. It is safe for
// concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []model.Event // feed order
	byID     map[string]int
	accounts map[string]Account // by username
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]int),
		accounts: make(map[string]Account),
	}
}

// NewSeededMemoryStore returns a store holding the demo accounts and the
// demo events relative to now. filesDir is scanned for attachments.
func NewSeededMemoryStore(now time.Time, filesDir string) (*MemoryStore, error) {
	s := NewMemoryStore()
	accounts, err := SeedAccounts()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if err := s.CreateAccount(context.Background(), a); err != nil {
			return nil, err
		}
	}
	if _, err := s.InsertEvents(context.Background(), SeedEvents(now, LogFiles(filesDir))); err != nil {
		return nil, err
	}
	return s, nil
}

// InsertEvents adds events whose id is not yet stored and returns how many
// were added.
func (s *MemoryStore) InsertEvents(_ context.Context, events []model.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range events {
		if _, ok := s.byID[e.ID]; ok {
			continue
		}
		s.events = append(s.events, e)
		s.byID[e.ID] = -1
		n++
	}
	if n > 0 {
		model.SortEvents(s.events)
		for i, e := range s.events {
			s.byID[e.ID] = i
		}
	}
	return n, nil
}

// AddEvent stores e unless its id is already present.
func (s *MemoryStore) AddEvent(ctx context.Context, e model.Event) error {
	_, err := s.InsertEvents(ctx, []model.Event{e})
	return err
}

// ListEvents returns one page of events.
func (s *MemoryStore) ListEvents(_ context.Context, q Query) (model.EventPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.Paginate(s.events, q.After, q.Before, q.Limit), nil
}

// GetEvent returns the event with id.
func (s *MemoryStore) GetEvent(_ context.Context, id string) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return model.Event{}, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	return s.events[i], nil
}

// CountNewer counts events strictly newer than after.
func (s *MemoryStore) CountNewer(_ context.Context, after time.Time) (model.NewEventsCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.CountNewer(s.events, after.UnixMilli()), nil
}

// CreateAccount stores a new account. Usernames are unique.
func (s *MemoryStore) CreateAccount(_ context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.Username]; ok {
		return fmt.Errorf("create account %s: %w", a.Username, ErrDuplicate)
	}
	s.accounts[a.Username] = a
	return nil
}

// AccountByUsername returns the account named username.
func (s *MemoryStore) AccountByUsername(_ context.Context, username string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[username]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", username, ErrNotFound)
	}
	return a, nil
}

// AccountByID returns the account with id.
func (s *MemoryStore) AccountByID(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
}

// Usernames returns the stored usernames, sorted.
func (s *MemoryStore) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.accounts))
	for n := range s.accounts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close is a no-op.
func (s *MemoryStore) Close() {}
