// Package observe provides the in-process fan-out used by the feedsync
// state containers (sync engine state, download progress, session state and
// connectivity). Presentation code observes changes through Subscribe
// instead of polling.
//
// Design notes
//
//   - Each subscriber has a dedicated buffered channel. Publish never blocks:
//     when a subscriber's buffer is full the oldest pending value is
//     discarded so the subscriber always ends up holding the newest state.
//   - Closing a subscription or the broadcaster closes the subscriber's
//     channel so consumer loops exit cleanly.
package observe

import (
	"context"
	"sync"
	"sync/atomic"
)

// defaultBufSize is the per-subscriber channel depth when none is given.
const defaultBufSize = 16

// Broadcaster fans values of type T out to all current subscribers. It is
// safe for concurrent use. The zero value is not usable; call New.
type Broadcaster[T any] struct {
	mu      sync.RWMutex
	subs    map[chan T]struct{}
	bufSize int
	closed  bool

	// Dropped counts values discarded because a subscriber fell behind.
	Dropped atomic.Int64
}

// New creates a Broadcaster. bufSize <= 0 selects the default depth.
func New[T any](bufSize int) *Broadcaster[T] {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Broadcaster[T]{
		subs:    make(map[chan T]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a subscriber and returns its channel. The
// subscription ends when ctx is cancelled, when Unsubscribe is called, or
// when the broadcaster is closed. A nil ctx never cancels.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, b.bufSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}
	return ch
}

// Unsubscribe removes the subscription for ch and closes it. Unknown
// channels are ignored.
func (b *Broadcaster[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		if (<-chan T)(c) == ch {
			delete(b.subs, c)
			close(c)
			return
		}
	}
}

// Publish delivers v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Buffer full: discard the oldest value and retry once.
		select {
		case <-ch:
			b.Dropped.Add(1)
		default:
		}
		select {
		case ch <- v:
		default:
			b.Dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. After Close, Publish is a no-op and
// Subscribe returns a closed channel. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
