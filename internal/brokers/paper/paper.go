// Package paper implements the in-process simulated broker used by paper
// mode and by the runtime's own tests. Orders fill immediately and fully at
// the reference price (market orders) or the limit price (limit orders);
// fills are pushed on the broker's fill stream with monotonic sequence
// numbers.
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
)

// DefaultCapabilities mirrors a typical equities paper account.
func DefaultCapabilities() domain.BrokerCapabilities {
	return domain.BrokerCapabilities{
		MinNotional:      1,
		MinLotSize:       1,
		StepSize:         1,
		FractionalShares: false,
		SupportedOrderTypes: []domain.OrderType{
			domain.OrderMarket, domain.OrderLimit, domain.OrderStop, domain.OrderStopLimit,
		},
	}
}

// Options configure the simulated account.
type Options struct {
	Name         string
	Equity       float64
	Capabilities domain.BrokerCapabilities
	// FeePerFill is charged on every fill.
	FeePerFill float64
	// FillParts splits each order into this many sequential fills; <= 1
	// fills in one piece. Used to exercise partial-fill handling.
	FillParts int
}

type orderState struct {
	req      domain.OrderRequest
	status   domain.OrderStatus
	brokerID string
}

// Broker is the simulated broker instance.
type Broker struct {
	name string
	caps domain.BrokerCapabilities
	opts Options
	clk  clock.Clock
	log  zerolog.Logger

	mu      sync.Mutex
	nextID  int64
	nextSeq int64
	orders  map[string]*orderState
	fills   chan domain.Fill
}

// New creates a paper broker.
func New(opts Options, clk clock.Clock, log zerolog.Logger) *Broker {
	if opts.Name == "" {
		opts.Name = "paper"
	}
	if opts.Equity <= 0 {
		opts.Equity = 100000
	}
	caps := opts.Capabilities
	if len(caps.SupportedOrderTypes) == 0 {
		caps = DefaultCapabilities()
	}
	return &Broker{
		name:   opts.Name,
		caps:   caps,
		opts:   opts,
		clk:    clk,
		log:    log.With().Str("component", "paper_broker").Logger(),
		orders: make(map[string]*orderState),
		fills:  make(chan domain.Fill, 256),
	}
}

// Name returns the registry name of this broker instance.
func (b *Broker) Name() string { return b.name }

// Capabilities returns the account constraints.
func (b *Broker) Capabilities() domain.BrokerCapabilities { return b.caps }

// AccountEquity returns the configured paper equity.
func (b *Broker) AccountEquity(context.Context) (float64, error) {
	return b.opts.Equity, nil
}

// SubmitOrder accepts the order and fills it immediately.
func (b *Broker) SubmitOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	if req.Qty <= 0 {
		return "", &domain.PermanentUpstreamError{Upstream: b.name, Cause: fmt.Errorf("non-positive quantity %.6f", req.Qty)}
	}

	price := req.RefPrice
	if req.Type == domain.OrderLimit || req.Type == domain.OrderStopLimit {
		if req.LimitPrice == nil {
			return "", &domain.PermanentUpstreamError{Upstream: b.name, Cause: fmt.Errorf("limit order without limit price")}
		}
		price = *req.LimitPrice
	}
	if price <= 0 {
		return "", &domain.PermanentUpstreamError{Upstream: b.name, Cause: fmt.Errorf("no usable price for %s", req.Symbol)}
	}

	b.mu.Lock()
	b.nextID++
	brokerID := fmt.Sprintf("%s-%d", b.name, b.nextID)
	st := &orderState{
		req:      req,
		brokerID: brokerID,
		status:   domain.OrderStatus{BrokerID: brokerID, State: domain.OrderWorking},
	}
	b.orders[brokerID] = st
	b.mu.Unlock()

	go b.fill(brokerID, price)
	return brokerID, nil
}

// fill executes the order in one or more parts.
func (b *Broker) fill(brokerID string, price float64) {
	b.mu.Lock()
	st, ok := b.orders[brokerID]
	if !ok {
		b.mu.Unlock()
		return
	}
	parts := b.opts.FillParts
	if parts < 1 {
		parts = 1
	}
	qty := st.req.Qty
	b.mu.Unlock()

	remaining := qty
	per := qty / float64(parts)
	for i := 0; i < parts; i++ {
		part := per
		if i == parts-1 {
			part = remaining
		}
		remaining -= part

		b.mu.Lock()
		st, ok := b.orders[brokerID]
		if !ok || st.status.State.Terminal() && st.status.State != domain.OrderFilled {
			// cancelled between parts
			b.mu.Unlock()
			return
		}
		b.nextSeq++
		seq := b.nextSeq
		filled := st.status.FilledQty + part
		st.status.AvgFillPrice = (st.status.FilledQty*st.status.AvgFillPrice + part*price) / filled
		st.status.FilledQty = filled
		if filled >= st.req.Qty-1e-9 {
			st.status.State = domain.OrderFilled
		} else {
			st.status.State = domain.OrderPartial
		}
		fill := domain.Fill{
			BrokerID:   brokerID,
			Seq:        seq,
			StrategyID: st.req.StrategyID,
			Symbol:     st.req.Symbol,
			Side:       st.req.Side,
			Qty:        part,
			Price:      price,
			Fees:       b.opts.FeePerFill,
			Timestamp:  b.clk.Now(),
		}
		b.mu.Unlock()

		b.fills <- fill
	}
}

// CancelOrder cancels a not-yet-terminal order.
func (b *Broker) CancelOrder(_ context.Context, brokerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.orders[brokerID]
	if !ok {
		return &domain.PermanentUpstreamError{Upstream: b.name, Cause: fmt.Errorf("unknown order %s", brokerID)}
	}
	if !st.status.State.Terminal() {
		st.status.State = domain.OrderCanceled
	}
	return nil
}

// OrderStatus returns the simulated order's authoritative state.
func (b *Broker) OrderStatus(_ context.Context, brokerID string) (domain.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.orders[brokerID]
	if !ok {
		return domain.OrderStatus{}, &domain.PermanentUpstreamError{Upstream: b.name, Cause: fmt.Errorf("unknown order %s", brokerID)}
	}
	return st.status, nil
}

// Fills returns the push stream of executions.
func (b *Broker) Fills(context.Context) (<-chan domain.Fill, error) {
	return b.fills, nil
}
