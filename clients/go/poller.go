package featureflags

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultPollInterval is used when a Poller is created with interval <= 0.
const DefaultPollInterval = 30 * time.Second

// AllFlagsFetcher fetches the enabled state of every flag for a user context.
// *http.Client satisfies it.
type AllFlagsFetcher interface {
	AllFlags(ctx context.Context, user UserContext) (map[string]bool, error)
}

// Poller keeps a local snapshot of all flag states, refreshed in the
// background on a fixed interval. Lookups never block on the network; between
// refreshes they serve the last good snapshot.
type Poller struct {
	fetcher  AllFlagsFetcher
	interval time.Duration
	user     UserContext

	mu       sync.RWMutex
	snapshot map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller for the given fetcher and user context.
// Pass interval <= 0 to use DefaultPollInterval.
func NewPoller(fetcher AllFlagsFetcher, interval time.Duration, user UserContext) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fetcher:  fetcher,
		interval: interval,
		user:     user,
	}
}

// Start performs an initial fetch and then refreshes in the background until
// ctx is cancelled or Stop is called. The initial fetch error is returned so
// callers can fail fast on startup misconfiguration.
func (p *Poller) Start(ctx context.Context) error {
	snapshot, err := p.fetcher.AllFlags(ctx, p.user)
	if err != nil {
		return fmt.Errorf("featureflags: initial fetch: %w", err)
	}
	p.setSnapshot(snapshot)

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx)
	return nil
}

// Stop halts background refreshes. The last snapshot remains readable.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// IsEnabled reports the snapshot state of a flag. Unknown flags are disabled.
func (p *Poller) IsEnabled(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot[key]
}

// Snapshot returns a copy of the current flag state map.
func (p *Poller) Snapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.snapshot))
	for k, v := range p.snapshot {
		out[k] = v
	}
	return out
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := p.fetcher.AllFlags(ctx, p.user)
			if err != nil {
				// Keep serving the previous snapshot.
				continue
			}
			p.setSnapshot(snapshot)
		}
	}
}

func (p *Poller) setSnapshot(snapshot map[string]bool) {
	if snapshot == nil {
		snapshot = map[string]bool{}
	}
	p.mu.Lock()
	p.snapshot = snapshot
	p.mu.Unlock()
}
