package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/events"
)

// StaleIntervals is the number of expected bar periods without data after
// which a feed is considered stale.
const StaleIntervals = 3

type feedKey struct {
	provider    string
	symbol      string
	granularity string
}

// Manager owns the provider pool and every bar buffer. Two strategies
// subscribing to the same (provider, symbol, granularity) share one buffer
// and one feed.
type Manager struct {
	clk       clock.Clock
	bus       *events.Bus
	log       zerolog.Logger
	providers map[string]domain.DataProvider

	mu    sync.Mutex
	feeds map[feedKey]*feed
}

// NewManager creates a data manager over a static provider registry.
func NewManager(providers []domain.DataProvider, clk clock.Clock, bus *events.Bus, log zerolog.Logger) *Manager {
	pool := make(map[string]domain.DataProvider, len(providers))
	for _, p := range providers {
		pool[p.Name()] = p
	}
	return &Manager{
		clk:       clk,
		bus:       bus,
		log:       log.With().Str("component", "data_manager").Logger(),
		providers: pool,
		feeds:     make(map[feedKey]*feed),
	}
}

// HasProvider reports whether a provider is registered under name.
func (m *Manager) HasProvider(name string) bool {
	_, ok := m.providers[name]
	return ok
}

// ProviderNames returns the registered provider names.
func (m *Manager) ProviderNames() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Subscribe attaches a consumer to the (provider, symbol, granularity)
// buffer, growing its capacity to the consumer's lookback and starting the
// feed if dormant. Idempotent: repeated subscriptions share the feed and are
// released by closing the returned handle.
func (m *Manager) Subscribe(provider, symbol string, gran domain.Granularity, lookback int) (*Handle, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, &domain.ConfigError{Field: "data_source", Detail: fmt.Sprintf("unknown provider %q", provider)}
	}
	if lookback <= 0 {
		return nil, &domain.ConfigError{Field: "lookback", Detail: "lookback must be positive"}
	}

	key := feedKey{provider: provider, symbol: symbol, granularity: gran.String()}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &feed{
			key:      key,
			provider: p,
			gran:     gran,
			buffer:   NewBarBuffer(lookback),
			clk:      m.clk,
			bus:      m.bus,
			cancel:   cancel,
			log: m.log.With().
				Str("provider", provider).
				Str("symbol", symbol).
				Str("granularity", gran.String()).
				Logger(),
		}
		m.feeds[key] = f
		go f.run(ctx)
	}

	f.buffer.EnsureCapacity(lookback)
	f.refs++

	return &Handle{feed: f, lookback: lookback, release: func() { m.release(key) }}, nil
}

func (m *Manager) release(key feedKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[key]
	if !ok {
		return
	}
	f.refs--
	if f.refs <= 0 {
		f.cancel()
		delete(m.feeds, key)
		m.log.Debug().
			Str("symbol", key.symbol).
			Str("provider", key.provider).
			Msg("Feed released")
	}
}

// StaleFeeds returns the keys of feeds that have not delivered a bar within
// three expected intervals. The maintenance scheduler calls this and emits
// FeedStale events; runners also observe staleness through their handles.
func (m *Manager) StaleFeeds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for key, f := range m.feeds {
		if f.stale() {
			stale = append(stale, fmt.Sprintf("%s/%s/%s", key.provider, key.symbol, key.granularity))
			m.bus.Emit(events.Event{
				Type:   events.FeedStale,
				Module: "data_manager",
				Data: events.FeedStaleData{
					Provider:    key.provider,
					Symbol:      key.symbol,
					Granularity: key.granularity,
					LastBar:     f.buffer.LastTimestamp(),
				},
			})
		}
	}
	return stale
}

// Stop cancels every feed.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, f := range m.feeds {
		f.cancel()
		delete(m.feeds, key)
	}
	m.log.Info().Msg("Data manager stopped")
}

// Handle is one consumer's view of a shared buffer. Closing it releases the
// feed refcount.
type Handle struct {
	feed     *feed
	lookback int
	release  func()
	closed   sync.Once
}

// Snapshot returns the most recent lookback bars, oldest first. It returns
// domain.ErrNotReady during warmup, the feed's fatal error if the provider
// rejected the subscription, and domain.ErrStale when the feed has gone
// quiet for three intervals.
func (h *Handle) Snapshot() ([]domain.Bar, error) {
	if err := h.feed.fatalErr(); err != nil {
		return nil, err
	}
	bars, err := h.feed.buffer.Snapshot(h.lookback)
	if err != nil {
		return nil, err
	}
	if h.feed.stale() {
		return nil, domain.ErrStale
	}
	return bars, nil
}

// Ready reports whether the buffer holds at least the subscriber's lookback.
// Warmup uses Ready so a provider with less history than requested still
// unblocks once the feed marks its seed complete.
func (h *Handle) Ready() bool {
	if h.feed.fatalErr() != nil {
		return false
	}
	if h.feed.buffer.Len() >= h.lookback {
		return true
	}
	// The provider returned its maximum history; don't block forever.
	return h.feed.seeded() && h.feed.buffer.Len() > 0
}

// EffectiveLookback returns the window length Snapshot would serve: the
// subscriber's lookback, shrunk to the seeded history when the provider had
// less.
func (h *Handle) EffectiveLookback() int {
	if n := h.feed.buffer.Len(); h.feed.seeded() && n < h.lookback && n > 0 {
		return n
	}
	return h.lookback
}

// SnapshotAvailable is Snapshot with the lookback relaxed to the available
// seeded history, used by runners whose provider has less history than the
// declared lookback.
func (h *Handle) SnapshotAvailable() ([]domain.Bar, error) {
	if err := h.feed.fatalErr(); err != nil {
		return nil, err
	}
	bars, err := h.feed.buffer.Snapshot(h.EffectiveLookback())
	if err != nil {
		return nil, err
	}
	if h.feed.stale() {
		return nil, domain.ErrStale
	}
	return bars, nil
}

// Stale reports whether the feed has gone quiet for three intervals.
func (h *Handle) Stale() bool { return h.feed.stale() }

// Close releases the subscription. Safe to call more than once.
func (h *Handle) Close() {
	h.closed.Do(h.release)
}
