package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ioteventfeed/feedsync/internal/observe"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultMaxBackoff    = 2 * time.Minute
	initialBackoff       = time.Second
	probeTimeout         = 5 * time.Second
)

// Pinger checks reachability of path on the remote source. It is satisfied
// by *transport.Client.
type Pinger interface {
	Ping(ctx context.Context, path string) error
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets the delay between probes while online.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxBackoff caps the exponential delay between probes while offline.
func WithMaxBackoff(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// Prober is a Monitor that probes the remote source periodically. While
// online it probes every interval; after a failed probe it retries with
// exponential backoff up to the configured maximum, so a dead server is not
// hammered.
type Prober struct {
	pinger     Pinger
	path       string
	interval   time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger

	online atomic.Bool
	b      *observe.Broadcaster[bool]

	// ProbesTotal counts probes issued.
	ProbesTotal atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewProber returns a Prober that pings path through p. The prober reports
// offline until the first probe succeeds.
func NewProber(p Pinger, path string, opts ...ProberOption) *Prober {
	pr := &Prober{
		pinger:     p,
		path:       path,
		interval:   defaultProbeInterval,
		maxBackoff: defaultMaxBackoff,
		logger:     slog.Default(),
		b:          observe.New[bool](4),
	}
	for _, o := range opts {
		o(pr)
	}
	return pr
}

// Online implements Monitor.
func (p *Prober) Online() bool { return p.online.Load() }

// Subscribe implements Monitor.
func (p *Prober) Subscribe(ctx context.Context) <-chan bool { return p.b.Subscribe(ctx) }

// Start performs one probe synchronously, so Online is meaningful on
// return, then continues probing in the background until Stop or ctx is
// cancelled.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("connectivity: prober already running")
	}
	p.running = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.probe(ctx)
	go p.run(ctx)
	return nil
}

// Stop ends probing and waits for the loop to exit. It is safe to call Stop
// multiple times.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = p.maxBackoff
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()

	for {
		wait := p.interval
		if !p.Online() {
			wait = bo.NextBackOff()
		} else {
			bo.Reset()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		p.probe(ctx)
	}
}

func (p *Prober) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	p.ProbesTotal.Add(1)
	err := p.pinger.Ping(ctx, p.path)
	online := err == nil

	if p.online.Swap(online) == online {
		return
	}
	if online {
		p.logger.Info("connectivity: remote source reachable", slog.String("path", p.path))
	} else {
		p.logger.Warn("connectivity: remote source unreachable",
			slog.String("path", p.path),
			slog.Any("error", err),
		)
	}
	p.b.Publish(online)
}
