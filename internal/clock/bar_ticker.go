package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/domain"
)

// DefaultSettleDelay gives the provider time to deliver the closing bar of a
// period before the strategy evaluates it.
const DefaultSettleDelay = 2 * time.Second

// Tick is one scheduled evaluation point for a strategy.
type Tick struct {
	// BarClose is the wall-clock boundary of the bar the tick represents.
	BarClose time.Time
	// Emitted is when the ticker fired (BarClose + settle delay).
	Emitted time.Time
}

// BarTicker emits one Tick per granularity period, aligned to wall-clock bar
// boundaries plus a settle delay. Ticks for a strategy are totally ordered
// and never emitted concurrently; a tick that arrives while the previous one
// is still unconsumed is dropped and counted.
type BarTicker struct {
	C <-chan Tick

	clk     Clock
	gran    domain.Granularity
	settle  time.Duration
	out     chan Tick
	stop    chan struct{}
	stopped sync.Once
	dropped atomic.Int64
	log     zerolog.Logger
}

// NewBarTicker starts a ticker for the given granularity. Stop releases it.
func NewBarTicker(clk Clock, gran domain.Granularity, settle time.Duration, log zerolog.Logger) *BarTicker {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	out := make(chan Tick, 1)
	t := &BarTicker{
		C:      out,
		clk:    clk,
		gran:   gran,
		settle: settle,
		out:    out,
		stop:   make(chan struct{}),
		log:    log.With().Str("component", "bar_ticker").Str("granularity", gran.String()).Logger(),
	}
	go t.run()
	return t
}

// Stop cancels the tick source. Safe to call more than once.
func (t *BarTicker) Stop() {
	t.stopped.Do(func() { close(t.stop) })
}

// Dropped returns the number of ticks dropped because the previous tick was
// still unconsumed.
func (t *BarTicker) Dropped() int64 { return t.dropped.Load() }

func (t *BarTicker) run() {
	for {
		now := t.clk.Now()
		barClose := nextBoundary(now, t.gran.Duration())
		fireAt := barClose.Add(t.settle)

		select {
		case <-t.stop:
			return
		case <-t.clk.After(fireAt.Sub(now)):
		}

		tick := Tick{BarClose: barClose, Emitted: t.clk.Now()}
		select {
		case t.out <- tick:
		default:
			t.dropped.Add(1)
			t.log.Debug().Time("bar_close", barClose).Msg("Tick dropped, previous tick still executing")
		}
	}
}

// nextBoundary returns the first bar boundary strictly after now.
func nextBoundary(now time.Time, period time.Duration) time.Time {
	b := now.Truncate(period)
	if !b.After(now) {
		b = b.Add(period)
	}
	return b
}
