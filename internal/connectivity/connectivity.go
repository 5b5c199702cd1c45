// Package connectivity supplies the online/offline signal consulted by the
// sync engine and the download manager before any remote call.
package connectivity

import (
	"context"
	"sync/atomic"

	"github.com/ioteventfeed/feedsync/internal/observe"
)

// Monitor reports reachability of the remote source.
type Monitor interface {
	// Online reports the last known reachability.
	Online() bool
	// Subscribe delivers every transition until ctx is cancelled.
	Subscribe(ctx context.Context) <-chan bool
}

// Static is a Monitor whose state is set by hand. It backs the
// connectivity.disabled config option and tests.
type Static struct {
	online atomic.Bool
	b      *observe.Broadcaster[bool]
}

// NewStatic returns a Static monitor in the given state.
func NewStatic(online bool) *Static {
	s := &Static{b: observe.New[bool](4)}
	s.online.Store(online)
	return s
}

// Online implements Monitor.
func (s *Static) Online() bool { return s.online.Load() }

// Subscribe implements Monitor.
func (s *Static) Subscribe(ctx context.Context) <-chan bool { return s.b.Subscribe(ctx) }

// Set changes the state and publishes it if it differs from the previous one.
func (s *Static) Set(online bool) {
	if s.online.Swap(online) != online {
		s.b.Publish(online)
	}
}
