// Package runner implements the per-strategy state machine: warmup, the
// single-flighted tick loop, signal evaluation, sizing, dispatch to the
// order gateway, and the stop/liquidate sequence.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/engine"
	"github.com/stratequeue/stratequeue/internal/events"
	"github.com/stratequeue/stratequeue/internal/gateway"
	"github.com/stratequeue/stratequeue/internal/market"
	"github.com/stratequeue/stratequeue/internal/portfolio"
)

const (
	// warmupPollInterval is how often warmup re-checks buffer readiness.
	warmupPollInterval = 200 * time.Millisecond
	// DefaultStopTimeout bounds waiting for open orders during STOPPING.
	DefaultStopTimeout = 30 * time.Second
	// maxSignalHistory bounds the retained per-strategy signal history.
	maxSignalHistory = 64
)

// Config wires one runner.
type Config struct {
	Record    domain.StrategyRecord
	Evaluator domain.SignalEvaluator
	Engine    *engine.Engine
	// Handles maps each of the strategy's symbols to its data subscription.
	Handles   map[string]*market.Handle
	Portfolio *portfolio.Manager
	// Gateway is nil in signals mode: the runner records signals but never
	// submits.
	Gateway       *gateway.Gateway
	Caps          domain.BrokerCapabilities
	Bus           *events.Bus
	Clock         clock.Clock
	WarmupTimeout time.Duration
	SettleDelay   time.Duration
	MaxErrors     int
	Duration      time.Duration // 0 = unbounded
	StopTimeout   time.Duration
	// OnStopped fires once when the runner reaches STOPPED, with the final
	// record.
	OnStopped func(domain.StrategyRecord)
}

// Runner drives one deployed strategy.
type Runner struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	record     domain.StrategyRecord
	errCount   int
	evalStates map[string]interface{}
	signals    []domain.Signal // bounded recent history
	ticker     *clock.BarTicker

	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}
	stopOnce  sync.Once
}

// New creates a runner in INITIALIZING. Start launches it.
func New(cfg Config, log zerolog.Logger) *Runner {
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = time.Minute
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 5
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	cfg.Record.Status = domain.StatusInitializing

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:        cfg,
		log:        log.With().Str("component", "runner").Str("strategy_id", cfg.Record.ID).Logger(),
		record:     cfg.Record,
		evalStates: make(map[string]interface{}),
		runCtx:     ctx,
		runCancel:  cancel,
		loopDone:   make(chan struct{}),
	}
}

// Start launches the warmup and tick loop.
func (r *Runner) Start() {
	go r.run()
}

// Record returns a copy of the strategy record with current status.
func (r *Runner) Record() domain.StrategyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record
	rec.Symbols = append([]string(nil), r.record.Symbols...)
	return rec
}

// Status returns the current lifecycle state.
func (r *Runner) Status() domain.StrategyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Status
}

// Signals returns the bounded recent signal history, oldest first.
func (r *Runner) Signals() []domain.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

// DroppedTicks returns how many ticks were dropped because the previous tick
// was still executing.
func (r *Runner) DroppedTicks() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker == nil {
		return 0
	}
	return r.ticker.Dropped()
}

// Pause stops tick consumption, keeping subscriptions and open orders.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.Status != domain.StatusRunning {
		return fmt.Errorf("cannot pause strategy in %s", r.record.Status)
	}
	r.setStatusLocked(domain.StatusPaused)
	return nil
}

// Resume restarts tick consumption. Ticks missed during pause were dropped
// by design.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.Status != domain.StatusPaused {
		return fmt.Errorf("cannot resume strategy in %s", r.record.Status)
	}
	r.setStatusLocked(domain.StatusRunning)
	return nil
}

// Stop drives the strategy to STOPPED: cancels the tick source, waits for
// open orders to terminate (cancelling them first when force is set),
// optionally liquidates positions, releases data handles, and emits the
// final snapshot. Stopping an already-stopped strategy returns nil.
func (r *Runner) Stop(ctx context.Context, liquidate, force bool) error {
	r.mu.Lock()
	switch r.record.Status {
	case domain.StatusStopped, domain.StatusErrored:
		r.mu.Unlock()
		return nil
	case domain.StatusStopping:
		r.mu.Unlock()
		return nil
	}
	r.setStatusLocked(domain.StatusStopping)
	r.mu.Unlock()

	r.shutdownLoop()

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()

	if r.cfg.Gateway != nil {
		r.settleOpenOrders(waitCtx, force)
		if liquidate {
			r.liquidate(waitCtx)
		}
	}

	r.releaseHandles()

	r.mu.Lock()
	r.setStatusLocked(domain.StatusStopped)
	rec := r.record
	r.mu.Unlock()

	if r.cfg.OnStopped != nil {
		r.cfg.OnStopped(rec)
	}
	r.log.Info().Msg("Strategy stopped")
	return nil
}

func (r *Runner) run() {
	defer close(r.loopDone)

	if !r.warmup() {
		return
	}

	r.mu.Lock()
	now := r.cfg.Clock.Now()
	r.record.StartedAt = &now
	r.setStatusLocked(domain.StatusRunning)
	r.ticker = clock.NewBarTicker(r.cfg.Clock, r.record.Granularity, r.cfg.SettleDelay, r.log)
	ticker := r.ticker
	r.mu.Unlock()

	defer ticker.Stop()
	r.log.Info().Msg("Warmup complete, strategy running")

	var durationCh <-chan time.Time
	if r.cfg.Duration > 0 {
		durationCh = r.cfg.Clock.After(r.cfg.Duration)
	}

	for {
		select {
		case <-r.runCtx.Done():
			return
		case <-durationCh:
			durationCh = nil
			r.log.Info().Dur("duration", r.cfg.Duration).Msg("Strategy duration expired, stopping")
			// Stop blocks on this loop exiting; run it elsewhere.
			go func() {
				_ = r.Stop(context.Background(), false, false)
			}()
		case tick, ok := <-ticker.C:
			if !ok {
				return
			}
			if r.Status() != domain.StatusRunning {
				continue
			}
			r.processTick(tick)
		}
	}
}

// warmup blocks until every symbol's buffer is ready, the warmup timeout
// expires, or a subscription fails permanently. Returns whether the runner
// may enter RUNNING.
func (r *Runner) warmup() bool {
	deadline := r.cfg.Clock.Now().Add(r.cfg.WarmupTimeout)
	for {
		ready := true
		for sym, h := range r.cfg.Handles {
			if _, err := h.Snapshot(); err != nil {
				if domain.IsPermanentUpstream(err) {
					r.log.Error().Err(err).Str("symbol", sym).Msg("Subscription rejected during warmup")
					r.fail(err)
					return false
				}
			}
			if !h.Ready() {
				ready = false
			}
		}
		if ready {
			return true
		}
		if r.cfg.Clock.Now().After(deadline) {
			r.log.Error().Dur("timeout", r.cfg.WarmupTimeout).Msg("Warmup timed out")
			r.fail(fmt.Errorf("warmup timed out after %s", r.cfg.WarmupTimeout))
			return false
		}
		select {
		case <-r.runCtx.Done():
			return false
		case <-r.cfg.Clock.After(warmupPollInterval):
		}
	}
}

// processTick runs one evaluation cycle: window, signal, sizing, dispatch.
// Symbols are processed in stable order; everything inside a tick is serial.
func (r *Runner) processTick(tick clock.Tick) {
	symbols := make([]string, 0, len(r.cfg.Handles))
	for sym := range r.cfg.Handles {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		if r.runCtx.Err() != nil || r.Status() != domain.StatusRunning {
			return
		}
		r.processSymbol(tick, sym)
	}
}

func (r *Runner) processSymbol(tick clock.Tick, sym string) {
	h := r.cfg.Handles[sym]

	window, err := h.SnapshotAvailable()
	switch {
	case errors.Is(err, domain.ErrNotReady):
		r.log.Debug().Str("symbol", sym).Msg("Window not ready, tick skipped")
		return
	case errors.Is(err, domain.ErrStale):
		r.log.Warn().Str("symbol", sym).Msg("Feed stale, tick skipped")
		return
	case domain.IsPermanentUpstream(err):
		r.fail(err)
		return
	case err != nil:
		r.log.Warn().Err(err).Str("symbol", sym).Msg("Snapshot failed, tick skipped")
		return
	}

	last := window[len(window)-1]
	r.cfg.Portfolio.Mark(sym, last.Close, last.Timestamp)

	r.mu.Lock()
	state := r.evalStates[sym]
	rec := r.record
	r.mu.Unlock()

	sig, newState, err := r.cfg.Engine.Evaluate(r.runCtx, rec.ID, r.cfg.Evaluator, window, rec.Params, state)
	if err != nil {
		if r.runCtx.Err() != nil {
			return
		}
		r.recordError(err)
		return
	}

	r.mu.Lock()
	r.errCount = 0
	r.evalStates[sym] = newState
	ts := sig.Timestamp
	r.record.LastSignalTS = &ts
	r.record.LastSignalType = sig.Type
	r.signals = append(r.signals, sig)
	if len(r.signals) > maxSignalHistory {
		r.signals = r.signals[len(r.signals)-maxSignalHistory:]
	}
	r.mu.Unlock()

	r.cfg.Bus.Emit(events.Event{
		Type:       events.SignalGenerated,
		Module:     "runner",
		StrategyID: rec.ID,
		Data:       events.SignalGeneratedData{Signal: sig},
	})

	if sig.Type == domain.SignalHold {
		return
	}
	if rec.Mode == domain.ModeSignals || r.cfg.Gateway == nil {
		r.log.Info().
			Str("symbol", sym).
			Str("signal", string(sig.Type)).
			Float64("price", sig.Price).
			Msg("Signal recorded (signals mode)")
		return
	}

	req, rejection, err := r.cfg.Portfolio.Size(rec.ID, sig, r.cfg.Caps)
	if err != nil {
		r.recordError(err)
		return
	}
	if rejection != nil {
		return
	}

	if _, err := r.cfg.Gateway.Submit(r.runCtx, req); err != nil {
		if r.runCtx.Err() == nil {
			r.log.Error().Err(err).Str("symbol", sym).Msg("Order submission failed")
		}
	}
}

// recordError counts a strategy error; MaxErrors consecutive failures move
// the runner to ERRORED.
func (r *Runner) recordError(err error) {
	r.mu.Lock()
	r.errCount++
	count := r.errCount
	r.mu.Unlock()

	r.log.Warn().Err(err).Int("consecutive", count).Msg("Strategy error")
	r.cfg.Bus.Emit(events.Event{
		Type:       events.RunnerError,
		Module:     "runner",
		StrategyID: r.cfg.Record.ID,
		Data:       events.RunnerErrorData{Err: err.Error(), Consecutive: count},
	})

	if count >= r.cfg.MaxErrors {
		r.fail(fmt.Errorf("%d consecutive strategy errors, last: %w", count, err))
	}
}

// fail transitions to ERRORED from any non-terminal state and tears the
// runner down. Other strategies are unaffected.
func (r *Runner) fail(err error) {
	r.mu.Lock()
	if r.record.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.setStatusLocked(domain.StatusErrored)
	r.mu.Unlock()

	r.log.Error().Err(err).Msg("Strategy errored")
	r.runCancel()
	r.releaseHandles()
}

// shutdownLoop cancels the tick loop and waits for it to exit.
func (r *Runner) shutdownLoop() {
	r.stopOnce.Do(func() {
		r.runCancel()
		<-r.loopDone
	})
}

// settleOpenOrders waits for the strategy's open orders to reach terminal
// states, cancelling them first when force is set.
func (r *Runner) settleOpenOrders(ctx context.Context, force bool) {
	open := r.cfg.Gateway.OpenOrdersFor(r.cfg.Record.ID)
	if force {
		for _, ord := range open {
			if err := r.cfg.Gateway.Cancel(ctx, ord.ID); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
				r.log.Warn().Err(err).Str("order_id", ord.ID).Msg("Cancel failed during stop")
			}
		}
	}
	for _, ord := range open {
		if _, err := r.cfg.Gateway.WaitTerminal(ctx, ord.ID); err != nil {
			r.log.Warn().Err(err).Str("order_id", ord.ID).Msg("Order did not settle before stop timeout")
		}
	}
}

// liquidate submits closing market orders for every open position and waits
// for their terminal states.
func (r *Runner) liquidate(ctx context.Context) {
	led, ok := r.cfg.Portfolio.Ledger(r.cfg.Record.ID)
	if !ok {
		return
	}

	snap := led.Snapshot()
	for sym, pos := range snap.Positions {
		if pos.Quantity == 0 {
			continue
		}
		side := domain.SideSell
		qty := pos.Quantity
		if qty < 0 {
			side = domain.SideBuy
			qty = -qty
		}
		price := pos.AverageCost
		if pos.Quantity != 0 && pos.MarketValue != 0 {
			price = pos.MarketValue / pos.Quantity
		}

		req := domain.OrderRequest{
			StrategyID: r.cfg.Record.ID,
			Symbol:     sym,
			Side:       side,
			Type:       domain.OrderMarket,
			Qty:        qty,
			RefPrice:   price,
		}
		ord, err := r.cfg.Gateway.Submit(ctx, req)
		if err != nil {
			r.log.Error().Err(err).Str("symbol", sym).Msg("Liquidation order failed")
			continue
		}
		if _, err := r.cfg.Gateway.WaitTerminal(ctx, ord.ID); err != nil {
			r.log.Warn().Err(err).Str("order_id", ord.ID).Msg("Liquidation order did not settle in time")
		}
	}
}

func (r *Runner) releaseHandles() {
	for _, h := range r.cfg.Handles {
		h.Close()
	}
}

// setStatusLocked transitions the record status and emits the change.
// Caller holds r.mu.
func (r *Runner) setStatusLocked(next domain.StrategyStatus) {
	prev := r.record.Status
	if prev == next {
		return
	}
	r.record.Status = next
	r.cfg.Bus.Emit(events.Event{
		Type:       events.StrategyStatusChanged,
		Module:     "runner",
		StrategyID: r.record.ID,
		Data:       events.StatusChangedData{Prev: prev, Next: next},
	})
}
