package feed

import (
	"context"
	"log/slog"
	"time"
)

// StartPolling starts the background poll of the new-event count. A running
// poll loop is stopped first, so there is never more than one.
func (e *Engine) StartPolling() {
	e.mu.Lock()
	if e.pollStop != nil {
		close(e.pollStop)
	}
	stop := make(chan struct{})
	e.pollStop = stop
	e.mu.Unlock()

	e.logger.Info("events: starting polling for new events",
		slog.Duration("interval", e.pollInterval))

	e.wg.Add(1)
	go e.pollLoop(stop)
}

// StopPolling stops the poll loop. An iteration already in flight is
// allowed to finish; no further request is issued. Stopping is idempotent.
func (e *Engine) StopPolling() {
	e.mu.Lock()
	stop := e.pollStop
	e.pollStop = nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		e.logger.Info("events: stopped polling for new events")
	}
}

func (e *Engine) pollLoop(stop <-chan struct{}) {
	defer e.wg.Done()

	t := time.NewTicker(e.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-e.baseCtx.Done():
			return
		case <-t.C:
		}
		// Re-check after waking: Stop may have raced the tick.
		select {
		case <-stop:
			return
		default:
		}
		e.pollOnce(e.baseCtx)
	}
}

// pollOnce queries the count of events newer than the newest loaded one.
// Failures are logged and otherwise ignored.
func (e *Engine) pollOnce(ctx context.Context) {
	if !e.online() {
		e.logger.Debug("events: polling skipped: offline")
		return
	}
	e.mu.Lock()
	first := e.st.firstTimestamp
	e.mu.Unlock()
	if first.IsZero() {
		return
	}

	e.logger.Debug("events: polling for new events")
	n, err := e.remote.NewEventsCount(ctx, first)
	if err != nil {
		e.logger.Error("events: polling for new events failed", slog.Any("error", err))
		return
	}

	e.commit(func(st *state) {
		// A refresh may have moved the pivot while the request was out.
		if !st.firstTimestamp.Equal(first) {
			return
		}
		st.newCount = n.TotalCount
		st.newCritical = n.CriticalCount
	})
	if n.TotalCount > 0 {
		e.logger.Info("events: new events available",
			slog.Int("total", n.TotalCount),
			slog.Int("critical", n.CriticalCount),
		)
	}
}
