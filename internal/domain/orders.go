package domain

import (
	"fmt"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// OrderTypeFor maps a signal type to the broker order type it executes as.
// HOLD has no order type.
func OrderTypeFor(t SignalType) (OrderType, OrderSide, error) {
	switch t {
	case SignalBuy:
		return OrderMarket, SideBuy, nil
	case SignalSell, SignalClose:
		return OrderMarket, SideSell, nil
	case SignalLimitBuy:
		return OrderLimit, SideBuy, nil
	case SignalLimitSell:
		return OrderLimit, SideSell, nil
	case SignalStopBuy:
		return OrderStop, SideBuy, nil
	case SignalStopSell:
		return OrderStop, SideSell, nil
	case SignalStopLimitBuy:
		return OrderStopLimit, SideBuy, nil
	case SignalStopLimitSell:
		return OrderStopLimit, SideSell, nil
	}
	return "", "", fmt.Errorf("signal type %s does not map to an order", t)
}

// OrderState is the lifecycle state of an order.
//
// State machine: PENDING -> WORKING -> (PARTIAL)* -> terminal, where
// terminal is FILLED, CANCELED, REJECTED or EXPIRED.
type OrderState string

const (
	OrderPending  OrderState = "PENDING"
	OrderWorking  OrderState = "WORKING"
	OrderPartial  OrderState = "PARTIAL"
	OrderFilled   OrderState = "FILLED"
	OrderCanceled OrderState = "CANCELED"
	OrderRejected OrderState = "REJECTED"
	OrderExpired  OrderState = "EXPIRED"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// CanTransition reports whether the order state machine admits from -> to.
func (s OrderState) CanTransition(to OrderState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OrderPending:
		return to == OrderWorking || to == OrderRejected || to == OrderCanceled || to == OrderExpired
	case OrderWorking:
		return to == OrderPartial || to.Terminal()
	case OrderPartial:
		return to == OrderPartial || to.Terminal()
	}
	return false
}

// OrderRequest is the sized, gated order proposal handed to the gateway.
type OrderRequest struct {
	StrategyID  string      `json:"strategy_id"`
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Qty         float64     `json:"qty"`
	LimitPrice  *float64    `json:"limit_price,omitempty"`
	StopPrice   *float64    `json:"stop_price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
	// RefPrice is the signal price the order was sized against, used for
	// marking and paper fills.
	RefPrice float64 `json:"ref_price"`
}

// Order is the gateway's view of one order from submission to terminal
// state.
type Order struct {
	ID           string     `json:"id"` // local id, assigned at submission
	BrokerID     string     `json:"broker_id,omitempty"`
	StrategyID   string     `json:"strategy_id"`
	Symbol       string     `json:"symbol"`
	Side         OrderSide  `json:"side"`
	Type         OrderType  `json:"type"`
	Qty          float64    `json:"qty"`
	LimitPrice   *float64   `json:"limit_price,omitempty"`
	StopPrice    *float64   `json:"stop_price,omitempty"`
	State        OrderState `json:"state"`
	FilledQty    float64    `json:"filled_qty"`
	AvgFillPrice float64    `json:"avg_fill_price"`
	SubmitTS     time.Time  `json:"submit_ts"`
	TerminalTS   *time.Time `json:"terminal_ts,omitempty"`
	Reason       string     `json:"reason,omitempty"` // rejection/cancel reason
}

// Fill is one execution against an order. Fills are identified by
// (BrokerID, Seq); applying the same pair twice is a no-op everywhere.
type Fill struct {
	OrderID    string    `json:"order_id"` // local order id
	BrokerID   string    `json:"broker_id"`
	Seq        int64     `json:"seq"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price"`
	Fees       float64   `json:"fees"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the dedup identity of the fill.
func (f Fill) Key() string {
	return fmt.Sprintf("%s#%d", f.BrokerID, f.Seq)
}

// SignedQty returns the quantity with the side's sign applied (buys
// positive, sells negative).
func (f Fill) SignedQty() float64 {
	if f.Side == SideSell {
		return -f.Qty
	}
	return f.Qty
}

// OrderStatus is a broker's authoritative view of an order, returned by
// status polls and reconciliation queries.
type OrderStatus struct {
	BrokerID     string     `json:"broker_id"`
	State        OrderState `json:"state"`
	FilledQty    float64    `json:"filled_qty"`
	AvgFillPrice float64    `json:"avg_fill_price"`
	Reason       string     `json:"reason,omitempty"`
}

// BrokerCapabilities describes the static constraints of a broker instance.
// Fixed for the runtime's lifetime.
type BrokerCapabilities struct {
	MinNotional         float64     `json:"min_notional"`
	MaxPositionSize     *float64    `json:"max_position_size,omitempty"`
	MinLotSize          float64     `json:"min_lot_size"`
	StepSize            float64     `json:"step_size"`
	FractionalShares    bool        `json:"fractional_shares"`
	ShortSelling        bool        `json:"short_selling"`
	SupportedOrderTypes []OrderType `json:"supported_order_types"`
}

// Supports reports whether the broker accepts the given order type.
func (c BrokerCapabilities) Supports(t OrderType) bool {
	for _, s := range c.SupportedOrderTypes {
		if s == t {
			return true
		}
	}
	return false
}

// RoundQty rounds a quantity down to the broker's step size, then floors it
// to a whole number when fractional shares are unsupported. The sign is
// preserved.
func (c BrokerCapabilities) RoundQty(qty float64) float64 {
	neg := qty < 0
	if neg {
		qty = -qty
	}
	if c.StepSize > 0 {
		steps := float64(int64(qty / c.StepSize))
		qty = steps * c.StepSize
	}
	if !c.FractionalShares {
		qty = float64(int64(qty))
	}
	if neg {
		qty = -qty
	}
	return qty
}
