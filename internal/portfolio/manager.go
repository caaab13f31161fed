package portfolio

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/events"
)

// Manager owns every sub-ledger and is the single writer to all of them.
// Fills arrive from the order gateway through ApplyFill; statistics and the
// supervisor read copied snapshots and consume events from the bus.
type Manager struct {
	bus *events.Bus
	log zerolog.Logger

	mu      sync.RWMutex
	ledgers map[string]*SubLedger
}

// NewManager creates a portfolio manager.
func NewManager(bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus:     bus,
		log:     log.With().Str("component", "portfolio").Logger(),
		ledgers: make(map[string]*SubLedger),
	}
}

// CreateLedger funds a new sub-ledger for a strategy. Creating an existing
// id returns the existing ledger unchanged.
func (m *Manager) CreateLedger(strategyID string, initialCash float64) *SubLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if led, ok := m.ledgers[strategyID]; ok {
		return led
	}
	led := NewSubLedger(strategyID, initialCash)
	m.ledgers[strategyID] = led
	m.log.Info().Str("strategy_id", strategyID).Float64("initial_cash", initialCash).Msg("Sub-ledger created")
	return led
}

// Ledger returns the sub-ledger for a strategy.
func (m *Manager) Ledger(strategyID string) (*SubLedger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	led, ok := m.ledgers[strategyID]
	return led, ok
}

// RemoveLedger drops a stopped strategy's ledger from the aggregate. The
// final snapshot is the caller's to keep.
func (m *Manager) RemoveLedger(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledgers, strategyID)
}

// Size converts a signal into a gated order request against the strategy's
// ledger. Rejections are emitted on the bus and returned; they are not
// errors.
func (m *Manager) Size(strategyID string, sig domain.Signal, caps domain.BrokerCapabilities) (domain.OrderRequest, *Rejection, error) {
	led, ok := m.Ledger(strategyID)
	if !ok {
		return domain.OrderRequest{}, nil, domain.ErrStrategyNotFound
	}

	req, rejection, err := SizeAndGate(sig, led, caps)
	if err != nil {
		return domain.OrderRequest{}, nil, err
	}
	if rejection != nil {
		m.log.Info().
			Str("strategy_id", strategyID).
			Str("symbol", sig.Symbol).
			Str("code", rejection.Code).
			Str("detail", rejection.Detail).
			Msg("Order proposal rejected")
		m.bus.Emit(events.Event{
			Type:       events.OrderRejected,
			Module:     "portfolio",
			StrategyID: strategyID,
			Data: events.OrderRejectedData{
				Symbol: sig.Symbol,
				Code:   rejection.Code,
				Detail: rejection.Detail,
				Qty:    rejection.Qty,
				Price:  rejection.Price,
			},
		})
	}
	return req, rejection, nil
}

// ApplyFill routes a gateway fill into the owning sub-ledger and publishes
// the applied fill. Duplicate (broker_id, seq) pairs are no-ops.
func (m *Manager) ApplyFill(fill domain.Fill) bool {
	led, ok := m.Ledger(fill.StrategyID)
	if !ok {
		m.log.Warn().
			Str("strategy_id", fill.StrategyID).
			Str("fill", fill.Key()).
			Msg("Fill for unknown strategy dropped")
		return false
	}

	result := led.ApplyFill(fill)
	if !result.Applied {
		m.log.Debug().Str("fill", fill.Key()).Msg("Duplicate fill ignored")
		return false
	}

	m.log.Info().
		Str("strategy_id", fill.StrategyID).
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Float64("qty", fill.Qty).
		Float64("price", fill.Price).
		Float64("realized_pnl", result.RealizedPnL).
		Msg("Fill applied")

	m.bus.Emit(events.Event{
		Type:       events.FillApplied,
		Module:     "portfolio",
		StrategyID: fill.StrategyID,
		Data: events.FillAppliedData{
			Fill:          fill,
			RealizedPnL:   result.RealizedPnL,
			PositionAfter: result.PositionAfter,
			AvgCostAfter:  result.AvgCostAfter,
			ClosedTrade:   result.Closed,
		},
	})
	return true
}

// Mark records a mark price on every ledger holding the symbol and
// publishes it for statistics.
func (m *Manager) Mark(symbol string, price float64, ts time.Time) {
	m.mu.RLock()
	for _, led := range m.ledgers {
		led.SetMark(symbol, price)
	}
	m.mu.RUnlock()

	m.bus.Emit(events.Event{
		Type:   events.MarkPrice,
		Module: "portfolio",
		Data:   events.MarkPriceData{Symbol: symbol, Price: price, Timestamp: ts},
	})
}

// AggregateSnapshot sums every sub-ledger into the account view. The sum of
// sub-ledger cash and positions never exceeds what the broker holds; the
// surplus is unallocated house cash.
type AggregateSnapshot struct {
	Cash          float64             `json:"cash"`
	Equity        float64             `json:"equity"`
	RealizedPnL   float64             `json:"realized_pnl"`
	UnrealizedPnL float64             `json:"unrealized_pnl"`
	Strategies    map[string]Snapshot `json:"strategies"`
}

// Aggregate returns the cross-strategy account view.
func (m *Manager) Aggregate() AggregateSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := AggregateSnapshot{Strategies: make(map[string]Snapshot, len(m.ledgers))}
	for id, led := range m.ledgers {
		snap := led.Snapshot()
		agg.Cash += snap.Cash
		agg.Equity += snap.Equity
		agg.RealizedPnL += snap.RealizedPnL
		agg.UnrealizedPnL += snap.UnrealizedPnL
		agg.Strategies[id] = snap
	}
	return agg
}

// AllocatedEquity returns the sum of sub-ledger equity, used by the
// supervisor's allocation arithmetic at deploy time.
func (m *Manager) AllocatedEquity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, led := range m.ledgers {
		total += led.Equity()
	}
	return total
}
