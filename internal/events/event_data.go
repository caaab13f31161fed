package events

import (
	"time"

	"github.com/stratequeue/stratequeue/internal/domain"
)

// FillAppliedData carries an applied fill from the portfolio manager to
// statistics and the journal.
type FillAppliedData struct {
	Fill domain.Fill `json:"fill"`
	// RealizedPnL is the P&L credited by this fill, net of its fees (minus
	// the fees for increasing fills).
	RealizedPnL float64 `json:"realized_pnl"`
	// PositionAfter is the strategy's position in the fill's symbol after
	// application.
	PositionAfter float64 `json:"position_after"`
	// AvgCostAfter is the position's average cost after application, the
	// basis statistics marks unrealised P&L against.
	AvgCostAfter float64 `json:"avg_cost_after"`
	// ClosedTrade is set when the fill reduced a position, carrying the
	// quantity and realised P&L of the closed slice for trade statistics.
	ClosedTrade *ClosedTrade `json:"closed_trade,omitempty"`
}

// ClosedTrade summarises a position reduction for trade statistics.
type ClosedTrade struct {
	Qty    float64 `json:"qty"`
	Return float64 `json:"return"` // realised P&L of the reduction
}

// MarkPriceData carries a mark-price update for unrealised P&L.
type MarkPriceData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalGeneratedData carries a freshly evaluated signal.
type SignalGeneratedData struct {
	Signal domain.Signal `json:"signal"`
}

// OrderRejectedData carries a sizing-gate rejection. Rejections are
// observability events, not errors.
type OrderRejectedData struct {
	Symbol string  `json:"symbol"`
	Code   string  `json:"code"`
	Detail string  `json:"detail"`
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price"`
}

// OrderStateChangedData carries an order lifecycle transition.
type OrderStateChangedData struct {
	Order domain.Order `json:"order"`
	Prev  domain.OrderState
}

// StatusChangedData carries a runner lifecycle transition.
type StatusChangedData struct {
	Prev domain.StrategyStatus `json:"prev"`
	Next domain.StrategyStatus `json:"next"`
}

// FeedStaleData identifies a stale feed.
type FeedStaleData struct {
	Provider    string    `json:"provider"`
	Symbol      string    `json:"symbol"`
	Granularity string    `json:"granularity"`
	LastBar     time.Time `json:"last_bar"`
}

// RunnerErrorData carries a per-strategy error with its consecutive count.
type RunnerErrorData struct {
	Err         string `json:"error"`
	Consecutive int    `json:"consecutive"`
}
