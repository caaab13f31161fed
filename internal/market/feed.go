package market

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/events"
)

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 60 * time.Second
)

// feed is the task that owns one buffer: it seeds from a historical fetch,
// then consumes the provider's realtime stream, reconnecting with
// exponential backoff and backfilling the gap after each reconnect.
type feed struct {
	key      feedKey
	provider domain.DataProvider
	gran     domain.Granularity
	buffer   *BarBuffer
	clk      clock.Clock
	bus      *events.Bus
	cancel   context.CancelFunc
	log      zerolog.Logger

	// refs is guarded by the manager's mutex.
	refs int

	stateMu   sync.Mutex
	fatal     error
	seedDone  bool
	lastBarAt time.Time
}

func (f *feed) run(ctx context.Context) {
	if err := f.seed(ctx); err != nil {
		return
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		gotBars, err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if gotBars {
			attempt = 0
		}
		if domain.IsPermanentUpstream(err) {
			f.setFatal(err)
			f.log.Error().Err(err).Msg("Provider rejected subscription, feed stopped")
			return
		}

		attempt++
		delay := backoffDelay(attempt)
		f.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-f.clk.After(delay):
		}

		// Fetch the gap as a historical query and merge. Append drops
		// duplicates and rejects anything older than the tail, so the
		// merge cannot corrupt the buffer.
		f.backfill(ctx)
		f.bus.Emit(events.Event{
			Type:   events.FeedReconnected,
			Module: "data_manager",
			Data: events.FeedStaleData{
				Provider:    f.key.provider,
				Symbol:      f.key.symbol,
				Granularity: f.key.granularity,
				LastBar:     f.buffer.LastTimestamp(),
			},
		})
	}
}

// seed populates the buffer from a historical fetch, retrying transient
// failures. A permanent error is fatal for every subscriber of this feed.
func (f *feed) seed(ctx context.Context) error {
	attempt := 0
	for {
		bars, err := f.provider.FetchHistory(ctx, f.key.symbol, f.gran, f.buffer.Capacity())
		if err == nil {
			for _, bar := range bars {
				f.admit(bar)
			}
			f.stateMu.Lock()
			f.seedDone = true
			f.stateMu.Unlock()
			f.log.Info().Int("bars", len(bars)).Msg("Buffer seeded from history")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if domain.IsPermanentUpstream(err) {
			f.setFatal(err)
			f.log.Error().Err(err).Msg("History fetch rejected, feed stopped")
			return err
		}

		attempt++
		delay := backoffDelay(attempt)
		f.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("History fetch failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clk.After(delay):
		}
	}
}

// consume runs one stream session, admitting bars until the stream ends.
// Returns whether any bar arrived and the stream's error.
func (f *feed) consume(ctx context.Context) (bool, error) {
	out := make(chan domain.Bar, 64)
	errCh := make(chan error, 1)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		errCh <- f.provider.Stream(streamCtx, []string{f.key.symbol}, f.gran, out)
	}()

	gotBars := false
	for {
		select {
		case <-ctx.Done():
			return gotBars, ctx.Err()
		case bar := <-out:
			f.admit(bar)
			gotBars = true
		case err := <-errCh:
			// Drain bars the stream delivered before failing.
			for {
				select {
				case bar := <-out:
					f.admit(bar)
					gotBars = true
				default:
					return gotBars, err
				}
			}
		}
	}
}

// admit validates a bar and inserts it in timestamp order.
func (f *feed) admit(bar domain.Bar) {
	if err := bar.Validate(); err != nil {
		f.log.Warn().Err(err).Msg("Discarding invalid bar")
		return
	}

	switch f.buffer.Append(bar) {
	case Appended, Replaced:
		f.stateMu.Lock()
		f.lastBarAt = f.clk.Now()
		f.stateMu.Unlock()
		f.bus.Emit(events.Event{
			Type:   events.BarAppended,
			Module: "data_manager",
			Data:   bar,
		})
	case DroppedDuplicate:
		f.log.Debug().Time("ts", bar.Timestamp).Msg("Duplicate bar dropped")
	case RejectedOutOfOrder:
		f.log.Warn().
			Time("ts", bar.Timestamp).
			Time("tail", f.buffer.LastTimestamp()).
			Msg("Out-of-order bar rejected")
	}
}

func (f *feed) backfill(ctx context.Context) {
	bars, err := f.provider.FetchHistory(ctx, f.key.symbol, f.gran, f.buffer.Capacity())
	if err != nil {
		f.log.Warn().Err(err).Msg("Gap backfill failed, stream will fill forward")
		return
	}
	appended := 0
	for _, bar := range bars {
		if f.buffer.Append(bar) == Appended {
			appended++
			f.stateMu.Lock()
			f.lastBarAt = f.clk.Now()
			f.stateMu.Unlock()
		}
	}
	if appended > 0 {
		f.log.Info().Int("bars", appended).Msg("Gap backfilled from history")
	}
}

func (f *feed) setFatal(err error) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.fatal == nil {
		f.fatal = err
	}
}

func (f *feed) fatalErr() error {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.fatal
}

func (f *feed) seeded() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.seedDone
}

// stale reports whether no bar has arrived within three expected intervals.
// A feed still warming up is not stale.
func (f *feed) stale() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.lastBarAt.IsZero() {
		return false
	}
	return f.clk.Now().Sub(f.lastBarAt) > StaleIntervals*f.gran.Duration()
}

// backoffDelay is exponential backoff capped at maxReconnectDelay.
func backoffDelay(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
