// Package portfolio implements the portfolio manager: per-strategy
// sub-ledgers, an aggregate view, sizing of abstract intents into concrete
// quantities, the broker-capability gate chain, and fill application.
package portfolio

import (
	"math"
	"sync"
	"time"

	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/events"
)

// maxRetainedFills bounds the per-ledger fill history.
const maxRetainedFills = 1000

// identityTolerance is the relative tolerance for the ledger identity
// check: cash + market value must equal initial + realised + unrealised.
const identityTolerance = 1e-9

// SubLedger is one strategy's slice of the portfolio: cash, positions and
// realised P&L. Single writer (the portfolio manager); readers receive
// copied snapshots.
//
// Fees are folded into realised P&L as they occur, so the ledger identity
// holds exactly: cash + market value == initial + realised + unrealised.
type SubLedger struct {
	mu          sync.Mutex
	strategyID  string
	initialCash float64
	cash        float64
	realized    float64
	positions   map[string]*domain.Position
	marks       map[string]float64
	applied     map[string]struct{}
	fills       []domain.Fill
}

// NewSubLedger creates a ledger funded with the strategy's allocation.
func NewSubLedger(strategyID string, initialCash float64) *SubLedger {
	return &SubLedger{
		strategyID:  strategyID,
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]*domain.Position),
		marks:       make(map[string]float64),
		applied:     make(map[string]struct{}),
	}
}

// StrategyID returns the owning strategy.
func (l *SubLedger) StrategyID() string { return l.strategyID }

// Snapshot is a consistent copy of a ledger's state.
type Snapshot struct {
	StrategyID    string                     `json:"strategy_id"`
	InitialCash   float64                    `json:"initial_cash"`
	Cash          float64                    `json:"cash"`
	RealizedPnL   float64                    `json:"realized_pnl"`
	UnrealizedPnL float64                    `json:"unrealized_pnl"`
	Equity        float64                    `json:"equity"`
	Positions     map[string]domain.Position `json:"positions"`
	FillCount     int                        `json:"fill_count"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// Snapshot returns a consistent copy of the ledger.
func (l *SubLedger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *SubLedger) snapshotLocked() Snapshot {
	positions := make(map[string]domain.Position, len(l.positions))
	for sym, pos := range l.positions {
		p := *pos
		p.MarketValue = pos.Quantity * l.markLocked(sym)
		positions[sym] = p
	}
	return Snapshot{
		StrategyID:    l.strategyID,
		InitialCash:   l.initialCash,
		Cash:          l.cash,
		RealizedPnL:   l.realized,
		UnrealizedPnL: l.unrealizedLocked(),
		Equity:        l.equityLocked(),
		Positions:     positions,
		FillCount:     len(l.fills),
		Timestamp:     time.Now(),
	}
}

// Cash returns the ledger's free cash.
func (l *SubLedger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// Equity returns cash plus marked position value.
func (l *SubLedger) Equity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equityLocked()
}

// PositionQty returns the signed quantity held in symbol.
func (l *SubLedger) PositionQty(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// PositionValue returns the marked value of the holding in symbol.
func (l *SubLedger) PositionValue(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[symbol]; ok {
		return pos.Quantity * l.markLocked(symbol)
	}
	return 0
}

// SetMark records a mark price for unrealised P&L and market values.
func (l *SubLedger) SetMark(symbol string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[symbol] = price
}

// FillResult describes what an applied fill did to the ledger.
type FillResult struct {
	Applied       bool
	RealizedPnL   float64 // P&L credited by this fill, net of fees
	PositionAfter float64
	AvgCostAfter  float64
	Closed        *events.ClosedTrade
}

// ApplyFill updates the ledger atomically: cash by -qty*price - fees,
// position quantity, realised P&L on reducing fills using average cost,
// average cost recomputed on increasing fills. At-most-once by
// (broker_id, seq): a duplicate returns Applied == false and changes
// nothing.
func (l *SubLedger) ApplyFill(fill domain.Fill) FillResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := fill.Key()
	if _, dup := l.applied[key]; dup {
		return FillResult{Applied: false, PositionAfter: l.positionQtyLocked(fill.Symbol)}
	}
	l.applied[key] = struct{}{}

	signedQty := fill.SignedQty()
	pos, ok := l.positions[fill.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: fill.Symbol}
		l.positions[fill.Symbol] = pos
	}

	// Cash moves by the traded notional plus fees.
	l.cash -= signedQty*fill.Price + fill.Fees

	var realized float64
	reduced := false
	q0 := pos.Quantity
	switch {
	case q0 == 0 || sameSign(q0, signedQty):
		// Increasing: recompute average cost over the combined quantity.
		total := math.Abs(q0) + math.Abs(signedQty)
		pos.AverageCost = (math.Abs(q0)*pos.AverageCost + math.Abs(signedQty)*fill.Price) / total
		pos.Quantity = q0 + signedQty
	default:
		// Reducing: credit realised P&L on the closed slice at average
		// cost; any remainder flips into a new position at the fill price.
		reduced = true
		reduce := math.Min(math.Abs(signedQty), math.Abs(q0))
		direction := 1.0
		if q0 < 0 {
			direction = -1.0
		}
		realized = (fill.Price - pos.AverageCost) * reduce * direction
		pos.Quantity = q0 + signedQty
		if pos.Quantity == 0 {
			pos.AverageCost = 0
		} else if !sameSign(q0, pos.Quantity) {
			pos.AverageCost = fill.Price
		}
	}

	// Fees reduce realised P&L as they occur.
	realized -= fill.Fees
	l.realized += realized

	// Mark at the fill price so the identity holds immediately.
	l.marks[fill.Symbol] = fill.Price

	if pos.Quantity == 0 {
		delete(l.positions, fill.Symbol)
	}

	l.fills = append(l.fills, fill)
	if len(l.fills) > maxRetainedFills {
		l.fills = l.fills[len(l.fills)-maxRetainedFills:]
	}

	l.checkIdentityLocked()

	result := FillResult{
		Applied:       true,
		RealizedPnL:   realized,
		PositionAfter: l.positionQtyLocked(fill.Symbol),
	}
	if p, ok := l.positions[fill.Symbol]; ok {
		result.AvgCostAfter = p.AverageCost
	}
	if reduced {
		result.Closed = &events.ClosedTrade{Qty: math.Min(math.Abs(signedQty), math.Abs(q0)), Return: realized}
	}
	return result
}

// Fills returns the retained fill history, oldest first.
func (l *SubLedger) Fills() []domain.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

func (l *SubLedger) positionQtyLocked(symbol string) float64 {
	if pos, ok := l.positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// markLocked returns the last mark for symbol, falling back to average cost
// before any mark arrives.
func (l *SubLedger) markLocked(symbol string) float64 {
	if m, ok := l.marks[symbol]; ok {
		return m
	}
	if pos, ok := l.positions[symbol]; ok {
		return pos.AverageCost
	}
	return 0
}

func (l *SubLedger) equityLocked() float64 {
	total := l.cash
	for sym, pos := range l.positions {
		total += pos.Quantity * l.markLocked(sym)
	}
	return total
}

func (l *SubLedger) unrealizedLocked() float64 {
	var total float64
	for sym, pos := range l.positions {
		total += (l.markLocked(sym) - pos.AverageCost) * pos.Quantity
	}
	return total
}

// checkIdentityLocked verifies cash + market value == initial + realised +
// unrealised within tolerance. A violation indicates corrupted arithmetic
// and crashes the process.
func (l *SubLedger) checkIdentityLocked() {
	lhs := l.equityLocked()
	rhs := l.initialCash + l.realized + l.unrealizedLocked()
	scale := math.Max(1, math.Abs(rhs))
	if math.Abs(lhs-rhs) > identityTolerance*scale {
		domain.Invariantf("ledger %s identity broken: equity %.12f != initial %.2f + realised %.12f + unrealised %.12f",
			l.strategyID, lhs, l.initialCash, l.realized, l.unrealizedLocked())
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
