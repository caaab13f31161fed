package builtin

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/stratequeue/stratequeue/internal/domain"
)

// rsiThreshold buys when RSI drops below the oversold line and closes when
// it rises above the overbought line.
type rsiThreshold struct {
	period     int
	oversold   float64
	overbought float64
	size       domain.SizingIntent
}

func newRSIThreshold(params map[string]string) (domain.SignalEvaluator, error) {
	period, err := intParam(params, "period", 14)
	if err != nil {
		return nil, err
	}
	oversold, err := floatParam(params, "oversold", 30)
	if err != nil {
		return nil, err
	}
	overbought, err := floatParam(params, "overbought", 70)
	if err != nil {
		return nil, err
	}
	if oversold >= overbought {
		return nil, fmt.Errorf("param oversold (%v) must be below overbought (%v)", oversold, overbought)
	}
	size, err := sizing(params)
	if err != nil {
		return nil, err
	}
	return &rsiThreshold{period: period, oversold: oversold, overbought: overbought, size: size}, nil
}

// rsiState tracks whether the strategy considers itself in a position, so
// oversold bars don't fire a BUY every tick.
type rsiState struct {
	InPosition bool
}

func (r *rsiThreshold) Evaluate(_ context.Context, window []domain.Bar, _ map[string]string, state interface{}) (domain.Signal, interface{}, error) {
	if len(window) < r.period+1 {
		return domain.Signal{}, state, fmt.Errorf("window of %d bars is below RSI period %d", len(window), r.period)
	}

	series := closes(window)
	rsi := talib.Rsi(series, r.period)
	value := rsi[len(rsi)-1]

	last := window[len(window)-1]
	st, _ := state.(rsiState)

	sig := domain.Signal{
		Type:      domain.SignalHold,
		Symbol:    last.Symbol,
		Price:     last.Close,
		Timestamp: last.Timestamp,
		Sizing:    domain.NoSizing(),
		Metadata:  map[string]string{"rsi": fmt.Sprintf("%.2f", value)},
	}

	switch {
	case !st.InPosition && value < r.oversold:
		sig.Type = domain.SignalBuy
		sig.Sizing = r.size
		st.InPosition = true
	case st.InPosition && value > r.overbought:
		sig.Type = domain.SignalClose
		st.InPosition = false
	}

	return sig, st, nil
}
