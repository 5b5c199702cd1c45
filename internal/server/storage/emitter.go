package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ioteventfeed/feedsync/internal/model"
)

// EventAdder is implemented by every store.
type EventAdder interface {
	AddEvent(ctx context.Context, e model.Event) error
}

// Emitter appends a synthetic event to a store at a fixed interval so that
// polling clients see new events arrive.
type Emitter struct {
	store    EventAdder
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	seq    int
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEmitter returns an idle Emitter. Call Start to begin emitting.
func NewEmitter(store EventAdder, interval time.Duration, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, interval: interval, logger: logger, now: time.Now}
}

// Start launches the background goroutine. Calling Start on a running
// Emitter does nothing.
func (em *Emitter) Start() {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.stopCh != nil {
		return
	}
	em.stopCh = make(chan struct{})
	em.doneCh = make(chan struct{})
	go em.loop(em.stopCh, em.doneCh)
}

// Stop halts the goroutine and waits for it to exit. It is safe to call
// Stop more than once.
func (em *Emitter) Stop() {
	em.mu.Lock()
	stop, done := em.stopCh, em.doneCh
	em.stopCh, em.doneCh = nil, nil
	em.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (em *Emitter) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(em.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			em.EmitOnce(context.Background())
		}
	}
}

// EmitOnce stores one synthetic event and returns it.
func (em *Emitter) EmitOnce(ctx context.Context) model.Event {
	em.mu.Lock()
	em.seq++
	seq := em.seq
	em.mu.Unlock()

	e := NewSyntheticEvent(em.now(), seq)
	if err := em.store.AddEvent(ctx, e); err != nil {
		em.logger.Warn("emitter: failed to add event", slog.Any("error", err))
		return e
	}
	em.logger.Debug("emitter: event added",
		slog.String("id", e.ID),
		slog.String("severity", string(e.Severity)),
	)
	return e
}
