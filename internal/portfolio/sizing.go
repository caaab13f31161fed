package portfolio

import (
	"fmt"
	"math"

	"github.com/stratequeue/stratequeue/internal/domain"
)

// DefaultEquityPct sizes BUY/SELL signals that carry no intent.
const DefaultEquityPct = 0.10

// Rejection codes. Rejections are observability events, not errors.
const (
	RejectUnsupportedOrderType = "UNSUPPORTED_ORDER_TYPE"
	RejectBelowMinNotional     = "BELOW_MIN_NOTIONAL"
	RejectInsufficientCash     = "INSUFFICIENT_CASH"
	RejectInsufficientPosition = "INSUFFICIENT_POSITION"
	RejectShortNotEnabled      = "SHORT_NOT_ENABLED"
	RejectMaxPositionExceeded  = "MAX_POSITION_EXCEEDED"
	RejectBelowMinLot          = "BELOW_MIN_LOT"
	RejectNoQuantity           = "NO_QUANTITY"
)

// Rejection is the structured reason an order proposal was not submitted.
type Rejection struct {
	Code   string  `json:"code"`
	Detail string  `json:"detail"`
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price"`
}

func (r *Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// resolveQty converts a signal's sizing intent into a signed desired
// quantity (positive buys, negative sells) using the intent table. Target
// intents derive direction from the gap between target and current holding.
func resolveQty(sig domain.Signal, led *SubLedger, price float64) (float64, error) {
	equity := led.Equity()
	currentQty := led.PositionQty(sig.Symbol)
	currentValue := led.PositionValue(sig.Symbol)

	direction := 1.0
	if sig.Type.IsExit() {
		direction = -1.0
	}

	intent := sig.Sizing
	switch intent.Kind {
	case domain.SizingUnits:
		return direction * intent.Value, nil

	case domain.SizingNotional:
		return direction * intent.Value / price, nil

	case domain.SizingEquityPct, domain.SizingLegacyFraction:
		// legacy_fraction is documented as a fraction of equity.
		return direction * (intent.Value * equity) / price, nil

	case domain.SizingTargetUnits:
		return intent.Value - currentQty, nil

	case domain.SizingTargetNotional:
		return (intent.Value - currentValue) / price, nil

	case domain.SizingTargetEquityPct:
		return (intent.Value*equity - currentValue) / price, nil

	case domain.SizingNone, "":
		if sig.Type == domain.SignalClose {
			return -currentQty, nil
		}
		// Default: 10% of strategy equity.
		return direction * (DefaultEquityPct * equity) / price, nil
	}

	return 0, fmt.Errorf("unknown sizing intent %q", intent.Kind)
}

// SizeAndGate converts a non-HOLD signal into an order request, validating
// it against the broker's capabilities and the strategy's sub-ledger. The
// gates run in a fixed order; the first failure produces the rejection.
func SizeAndGate(sig domain.Signal, led *SubLedger, caps domain.BrokerCapabilities) (domain.OrderRequest, *Rejection, error) {
	orderType, side, err := domain.OrderTypeFor(sig.Type)
	if err != nil {
		return domain.OrderRequest{}, nil, err
	}

	price := sig.Price
	if sig.LimitPrice != nil {
		price = *sig.LimitPrice
	}
	if price <= 0 {
		return domain.OrderRequest{}, nil, fmt.Errorf("signal %s %s: no usable price", sig.Type, sig.Symbol)
	}

	signedQty, err := resolveQty(sig, led, price)
	if err != nil {
		return domain.OrderRequest{}, nil, err
	}

	// Target intents may point the other way than the signal's nominal
	// side; the delta decides.
	if signedQty < 0 {
		side = domain.SideSell
	} else if signedQty > 0 {
		side = domain.SideBuy
	}

	qty := math.Abs(caps.RoundQty(signedQty))
	reject := func(code, detail string) (domain.OrderRequest, *Rejection, error) {
		return domain.OrderRequest{}, &Rejection{Code: code, Detail: detail, Qty: qty, Price: price}, nil
	}

	// Gate 1: order type supported by the broker.
	if !caps.Supports(orderType) {
		return reject(RejectUnsupportedOrderType, fmt.Sprintf("broker does not support %s orders", orderType))
	}

	if qty == 0 {
		return reject(RejectNoQuantity, "sized quantity rounds to zero")
	}

	// Gate 2: absolute notional above the broker minimum.
	if notional := qty * price; notional < caps.MinNotional {
		return reject(RejectBelowMinNotional, fmt.Sprintf("notional %.2f below minimum %.2f", notional, caps.MinNotional))
	}

	// Gate 3: cash for buys, position for sells; shorts only when enabled.
	currentQty := led.PositionQty(sig.Symbol)
	if side == domain.SideBuy {
		if cost := qty * price; cost > led.Cash()+identityTolerance {
			return reject(RejectInsufficientCash, fmt.Sprintf("cost %.2f exceeds cash %.2f", cost, led.Cash()))
		}
	} else {
		if qty > currentQty+identityTolerance {
			if !caps.ShortSelling {
				if currentQty <= 0 {
					return reject(RejectShortNotEnabled, "short selling is not enabled")
				}
				return reject(RejectInsufficientPosition, fmt.Sprintf("selling %.4f exceeds position %.4f", qty, currentQty))
			}
		}
	}

	// Gate 4: resulting position within the broker's cap.
	if caps.MaxPositionSize != nil {
		resulting := currentQty + qty
		if side == domain.SideSell {
			resulting = currentQty - qty
		}
		if math.Abs(resulting) > *caps.MaxPositionSize+identityTolerance {
			return reject(RejectMaxPositionExceeded, fmt.Sprintf("resulting position %.4f exceeds cap %.4f", resulting, *caps.MaxPositionSize))
		}
	}

	// Gate 5: quantity at or above the broker's lot size after rounding.
	if qty < caps.MinLotSize {
		return reject(RejectBelowMinLot, fmt.Sprintf("quantity %.6f below lot size %.6f", qty, caps.MinLotSize))
	}

	req := domain.OrderRequest{
		StrategyID:  led.StrategyID(),
		Symbol:      sig.Symbol,
		Side:        side,
		Type:        orderType,
		Qty:         qty,
		LimitPrice:  sig.LimitPrice,
		StopPrice:   sig.StopPrice,
		TimeInForce: sig.TimeInForce,
		RefPrice:    sig.Price,
	}
	return req, nil, nil
}
