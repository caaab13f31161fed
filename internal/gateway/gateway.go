// Package gateway owns all broker I/O: order submission and cancellation,
// the open-order table, fill ingestion (push stream when the broker has one,
// status polling otherwise), and reconciliation of local state against the
// broker's authoritative view.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/events"
)

const (
	// DefaultPollInterval is the status poll cadence for working orders.
	DefaultPollInterval = time.Second
	// DefaultRPCTimeout bounds a single broker call.
	DefaultRPCTimeout = 10 * time.Second
	// maxDedupEntries bounds the (broker_id, seq) dedup set.
	maxDedupEntries = 8192
	// fillQtyTolerance treats an order as fully filled within this slack.
	fillQtyTolerance = 1e-9
)

// ApplyFillFunc routes an ingested fill into the portfolio. It returns
// whether the fill was applied (false for duplicates).
type ApplyFillFunc func(domain.Fill) bool

// Options tune the gateway.
type Options struct {
	PollInterval time.Duration
	RPCTimeout   time.Duration
	// RPS rate-limits broker calls; zero disables limiting.
	RPS   float64
	Burst int
}

// openOrder pairs the public order with gateway-internal fill bookkeeping.
type openOrder struct {
	order     domain.Order
	done      chan struct{}
	polledSeq int64 // sequence source for fills synthesized from polls
}

// Gateway is the single writer to the order table. Ledger updates happen in
// response to the fills it publishes through ApplyFillFunc and the bus.
type Gateway struct {
	broker    domain.Broker
	applyFill ApplyFillFunc
	bus       *events.Bus
	clk       clock.Clock
	log       zerolog.Logger
	limiter   *rate.Limiter
	opts      Options

	mu       sync.Mutex
	open     map[string]*openOrder // by local id
	byBroker map[string]string     // broker id -> local id
	terminal map[string]*openOrder // retained after terminal state
	dedup    map[string]struct{}
	dedupLog []string
	hasPush  bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a gateway over one broker instance. Paper and live endpoints
// are different broker instances; the gateway does not know about modes.
func New(broker domain.Broker, applyFill ApplyFillFunc, bus *events.Bus, clk clock.Clock, opts Options, log zerolog.Logger) *Gateway {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(math.Ceil(opts.RPS))
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Gateway{
		broker:    broker,
		applyFill: applyFill,
		bus:       bus,
		clk:       clk,
		log:       log.With().Str("component", "order_gateway").Str("broker", broker.Name()).Logger(),
		limiter:   limiter,
		opts:      opts,
		open:      make(map[string]*openOrder),
		byBroker:  make(map[string]string),
		terminal:  make(map[string]*openOrder),
		dedup:     make(map[string]struct{}),
	}
}

// Start launches the fill-stream consumer (when the broker streams) and the
// status poll loop.
func (g *Gateway) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	fills, err := g.broker.Fills(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open fill stream: %w", err)
	}
	if fills != nil {
		g.mu.Lock()
		g.hasPush = true
		g.mu.Unlock()
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case fill, ok := <-fills:
					if !ok {
						return
					}
					g.ingestFill(fill)
				}
			}
		}()
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-g.clk.After(g.opts.PollInterval):
				g.pollOnce(runCtx)
			}
		}
	}()

	g.log.Info().Bool("push_fills", fills != nil).Msg("Order gateway started")
	return nil
}

// Stop halts background loops. Open orders keep their state; a later
// reconcile adopts whatever the broker did meanwhile.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
		g.log.Info().Msg("Order gateway stopped")
	})
}

// Submit places an order with the broker. The returned order is PENDING
// until the broker acknowledges it, WORKING after.
func (g *Gateway) Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	order := domain.Order{
		ID:         uuid.NewString(),
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		State:      domain.OrderPending,
		SubmitTS:   g.clk.Now(),
	}

	oo := &openOrder{order: order, done: make(chan struct{})}
	g.mu.Lock()
	g.open[order.ID] = oo
	g.mu.Unlock()

	if err := g.waitLimiter(ctx); err != nil {
		g.transition(order.ID, domain.OrderRejected, "cancelled before submission")
		return g.snapshot(order.ID), err
	}

	rpcCtx, cancelRPC := context.WithTimeout(ctx, g.opts.RPCTimeout)
	brokerID, err := g.broker.SubmitOrder(rpcCtx, req)
	cancelRPC()

	if err != nil {
		if domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			// Submission timed out: the broker may or may not have the
			// order. Leave it PENDING; the reconcile sweep rejects it once
			// the RPC timeout has passed, without querying the broker.
			g.log.Warn().Err(err).Str("order_id", order.ID).Msg("Submission timed out, scheduled for reconciliation")
			return g.snapshot(order.ID), nil
		}
		g.transition(order.ID, domain.OrderRejected, err.Error())
		g.log.Warn().Err(err).Str("order_id", order.ID).Str("symbol", req.Symbol).Msg("Broker rejected order")
		return g.snapshot(order.ID), nil
	}

	g.mu.Lock()
	if oo, ok := g.open[order.ID]; ok {
		oo.order.BrokerID = brokerID
		g.byBroker[brokerID] = order.ID
	}
	g.mu.Unlock()
	g.transition(order.ID, domain.OrderWorking, "")

	g.bus.Emit(events.Event{
		Type:       events.OrderSubmitted,
		Module:     "gateway",
		StrategyID: req.StrategyID,
		Data:       g.snapshot(order.ID),
	})
	g.log.Info().
		Str("order_id", order.ID).
		Str("broker_id", brokerID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("qty", req.Qty).
		Msg("Order submitted")
	return g.snapshot(order.ID), nil
}

// Cancel asks the broker to cancel a working order.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	g.mu.Lock()
	oo, ok := g.open[orderID]
	var brokerID string
	if ok {
		brokerID = oo.order.BrokerID
	}
	g.mu.Unlock()
	if !ok {
		return domain.ErrOrderNotFound
	}
	if brokerID == "" {
		g.transition(orderID, domain.OrderCanceled, "cancelled before broker acknowledgement")
		return nil
	}

	if err := g.waitLimiter(ctx); err != nil {
		return err
	}
	rpcCtx, cancelRPC := context.WithTimeout(ctx, g.opts.RPCTimeout)
	defer cancelRPC()
	if err := g.broker.CancelOrder(rpcCtx, brokerID); err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	// The terminal CANCELED state arrives via fills/poll/reconcile.
	return nil
}

// Order returns the current view of an order, open or terminal.
func (g *Gateway) Order(orderID string) (domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if oo, ok := g.open[orderID]; ok {
		return oo.order, nil
	}
	if oo, ok := g.terminal[orderID]; ok {
		return oo.order, nil
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// OpenOrders returns every non-terminal order.
func (g *Gateway) OpenOrders() []domain.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Order, 0, len(g.open))
	for _, oo := range g.open {
		out = append(out, oo.order)
	}
	return out
}

// OpenOrdersFor returns a strategy's non-terminal orders.
func (g *Gateway) OpenOrdersFor(strategyID string) []domain.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Order
	for _, oo := range g.open {
		if oo.order.StrategyID == strategyID {
			out = append(out, oo.order)
		}
	}
	return out
}

// WaitTerminal blocks until the order reaches a terminal state or ctx ends.
func (g *Gateway) WaitTerminal(ctx context.Context, orderID string) (domain.Order, error) {
	g.mu.Lock()
	oo, ok := g.open[orderID]
	if !ok {
		if t, isTerminal := g.terminal[orderID]; isTerminal {
			g.mu.Unlock()
			return t.order, nil
		}
		g.mu.Unlock()
		return domain.Order{}, domain.ErrOrderNotFound
	}
	done := oo.done
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return g.snapshot(orderID), ctx.Err()
	case <-done:
		return g.Order(orderID)
	}
}

// Reconcile sweeps the open table against the broker. An order whose
// submission timed out has no broker id: it is rejected once RPCTimeout has
// passed since submission, and the broker is not queried for it, so an order
// the broker did accept is not adopted. Acknowledged orders adopt the
// broker's authoritative state.
func (g *Gateway) Reconcile(ctx context.Context) {
	for _, ord := range g.OpenOrders() {
		if ord.BrokerID == "" {
			if g.clk.Now().Sub(ord.SubmitTS) > g.opts.RPCTimeout {
				g.transition(ord.ID, domain.OrderRejected, "submission unacknowledged after timeout")
			}
			continue
		}
		g.adoptBrokerState(ctx, ord.ID)
	}
}

// PruneTerminal drops terminal orders older than the retention window.
func (g *Gateway) PruneTerminal(retention time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clk.Now().Add(-retention)
	pruned := 0
	for id, oo := range g.terminal {
		if oo.order.TerminalTS != nil && oo.order.TerminalTS.Before(cutoff) {
			delete(g.terminal, id)
			pruned++
		}
	}
	return pruned
}

// pollOnce polls status for every acknowledged open order.
func (g *Gateway) pollOnce(ctx context.Context) {
	for _, ord := range g.OpenOrders() {
		if ord.BrokerID == "" {
			continue
		}
		if ord.State != domain.OrderWorking && ord.State != domain.OrderPartial {
			continue
		}
		g.adoptBrokerState(ctx, ord.ID)
	}
}

// adoptBrokerState queries the broker for one order and folds the result
// into the local table. With a push stream attached, fill quantities come
// from the stream (push is authoritative) and polling only adopts terminal
// transitions; without one, missing quantity is synthesized as a fill.
func (g *Gateway) adoptBrokerState(ctx context.Context, orderID string) {
	g.mu.Lock()
	oo, ok := g.open[orderID]
	if !ok {
		g.mu.Unlock()
		return
	}
	brokerID := oo.order.BrokerID
	localFilled := oo.order.FilledQty
	localAvg := oo.order.AvgFillPrice
	nextSeq := oo.polledSeq + 1
	hasPush := g.hasPush
	strategyID := oo.order.StrategyID
	symbol := oo.order.Symbol
	side := oo.order.Side
	g.mu.Unlock()

	if err := g.waitLimiter(ctx); err != nil {
		return
	}
	rpcCtx, cancelRPC := context.WithTimeout(ctx, g.opts.RPCTimeout)
	status, err := g.broker.OrderStatus(rpcCtx, brokerID)
	cancelRPC()
	if err != nil {
		g.log.Debug().Err(err).Str("order_id", orderID).Msg("Status poll failed")
		return
	}

	if !hasPush {
		if delta := status.FilledQty - localFilled; delta > fillQtyTolerance {
			price := status.AvgFillPrice
			if localFilled > 0 && delta > 0 {
				// Back out the price of the delta so the weighted mean
				// matches the broker's average.
				price = (status.FilledQty*status.AvgFillPrice - localFilled*localAvg) / delta
			}
			g.mu.Lock()
			if cur, ok := g.open[orderID]; ok {
				cur.polledSeq = nextSeq
			}
			g.mu.Unlock()
			g.ingestFill(domain.Fill{
				OrderID:    orderID,
				BrokerID:   brokerID,
				Seq:        nextSeq,
				StrategyID: strategyID,
				Symbol:     symbol,
				Side:       side,
				Qty:        delta,
				Price:      price,
				Timestamp:  g.clk.Now(),
			})
		}
	}

	if status.State.Terminal() {
		g.mu.Lock()
		caughtUp := true
		if cur, ok := g.open[orderID]; ok {
			caughtUp = cur.order.FilledQty >= status.FilledQty-fillQtyTolerance
		}
		g.mu.Unlock()
		// With a push stream the fills may still be in flight; adopt the
		// terminal state only once the quantities agree, except for
		// states that cannot carry more fills.
		if caughtUp || status.State != domain.OrderFilled {
			g.transition(orderID, status.State, status.Reason)
		}
	}
}

// ingestFill applies one fill exactly once: dedup by (broker_id, seq),
// update the order's fill accounting, hand the fill to the portfolio, and
// release the order from the open table on its terminal transition.
func (g *Gateway) ingestFill(fill domain.Fill) {
	g.mu.Lock()
	key := fill.Key()
	if _, dup := g.dedup[key]; dup {
		g.mu.Unlock()
		g.log.Debug().Str("fill", key).Msg("Duplicate fill dropped")
		return
	}
	g.dedup[key] = struct{}{}
	g.dedupLog = append(g.dedupLog, key)
	if len(g.dedupLog) > maxDedupEntries {
		drop := g.dedupLog[0]
		g.dedupLog = g.dedupLog[1:]
		delete(g.dedup, drop)
	}

	localID := fill.OrderID
	if localID == "" {
		localID = g.byBroker[fill.BrokerID]
	}
	oo, ok := g.open[localID]
	if !ok {
		// Forget the dedup entry so a later redelivery can apply once the
		// order is known.
		delete(g.dedup, key)
		g.mu.Unlock()
		g.log.Warn().Str("fill", key).Str("broker_id", fill.BrokerID).Msg("Fill for unknown order dropped")
		return
	}
	fill.OrderID = localID
	if fill.StrategyID == "" {
		fill.StrategyID = oo.order.StrategyID
	}

	prevFilled := oo.order.FilledQty
	newFilled := prevFilled + fill.Qty
	oo.order.AvgFillPrice = (prevFilled*oo.order.AvgFillPrice + fill.Qty*fill.Price) / newFilled
	oo.order.FilledQty = newFilled
	fullyFilled := newFilled >= oo.order.Qty-fillQtyTolerance
	g.mu.Unlock()

	// The ledger update is the synchronisation edge: it happens before the
	// terminal transition releases the order.
	if g.applyFill != nil {
		g.applyFill(fill)
	}

	if fullyFilled {
		g.transition(localID, domain.OrderFilled, "")
	} else {
		g.transition(localID, domain.OrderPartial, "")
	}
}

// transition moves an order through its state machine, emitting the change
// and releasing terminal orders from the open table.
func (g *Gateway) transition(orderID string, next domain.OrderState, reason string) {
	g.mu.Lock()
	oo, ok := g.open[orderID]
	if !ok {
		g.mu.Unlock()
		return
	}
	prev := oo.order.State
	if prev == next {
		g.mu.Unlock()
		return
	}
	// A fill can beat the submit acknowledgement with an in-process
	// broker; fold the implied WORKING step in.
	if prev == domain.OrderPending && (next == domain.OrderPartial || next == domain.OrderFilled) {
		oo.order.State = domain.OrderWorking
		prev = domain.OrderWorking
	}
	if !prev.CanTransition(next) {
		g.mu.Unlock()
		g.log.Warn().
			Str("order_id", orderID).
			Str("from", string(prev)).
			Str("to", string(next)).
			Msg("Order state transition refused")
		return
	}

	oo.order.State = next
	if reason != "" {
		oo.order.Reason = reason
	}
	if next.Terminal() {
		now := g.clk.Now()
		oo.order.TerminalTS = &now
		delete(g.open, orderID)
		if oo.order.BrokerID != "" {
			delete(g.byBroker, oo.order.BrokerID)
		}
		g.terminal[orderID] = oo
		close(oo.done)
	}
	order := oo.order
	g.mu.Unlock()

	g.bus.Emit(events.Event{
		Type:       events.OrderStateChanged,
		Module:     "gateway",
		StrategyID: order.StrategyID,
		Data:       events.OrderStateChangedData{Order: order, Prev: prev},
	})
	g.log.Info().
		Str("order_id", orderID).
		Str("from", string(prev)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("Order state changed")
}

func (g *Gateway) snapshot(orderID string) domain.Order {
	ord, _ := g.Order(orderID)
	return ord
}

func (g *Gateway) waitLimiter(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}
