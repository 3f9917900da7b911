package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"olarm-bridge/internal/state"
)

// DefaultPollInterval is the fallback refresh cadence when the stream
// is down.
const DefaultPollInterval = 300 * time.Second

// pollOfflineThreshold is the number of consecutive failed fetches
// after which the panel is marked unreachable.
const pollOfflineThreshold = 3

// FetchFunc retrieves the full panel state via request/response.
type FetchFunc func(ctx context.Context) (*state.Snapshot, error)

// Poller periodically fetches the panel state while the stream is not
// active. Activate and Deactivate are idempotent; together with the
// stream's connect/close handlers they enforce the streaming/polling
// mutual exclusion.
type Poller struct {
	fetch    FetchFunc
	sync     *state.Synchronizer
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc // nil when inactive
	failures int                // consecutive failed fetches
}

// NewPoller creates a poller. A zero interval selects the default.
func NewPoller(fetch FetchFunc, sync *state.Synchronizer, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fetch:    fetch,
		sync:     sync,
		interval: interval,
		logger:   logger.With("component", "poller"),
	}
}

// Activate starts the poll loop with an immediate first refresh. A
// no-op when already running.
func (p *Poller) Activate() {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("polling activated", "interval", p.interval)
	go p.run(ctx)
}

// Deactivate clears the poll timer. A no-op when not running.
func (p *Poller) Deactivate() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.logger.Info("polling deactivated")
	}
}

// Active reports whether the poll timer is running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context) {
	p.refreshOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshOnce(ctx)
		}
	}
}

// refreshOnce fetches and applies one snapshot. A single failed fetch
// is logged and leaves the reachability status untouched; a run of
// consecutive failures marks the panel unreachable.
func (p *Poller) refreshOnce(ctx context.Context) {
	snap, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		p.failures++
		failures := p.failures
		p.mu.Unlock()

		p.logger.Warn("poll fetch failed", "err", err, "consecutive", failures)
		if failures == pollOfflineThreshold {
			p.logger.Warn("panel unreachable, marking offline")
			p.sync.SetOnline(false)
		}
		return
	}

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
	p.sync.Apply(snap, state.SourcePoll)
}
