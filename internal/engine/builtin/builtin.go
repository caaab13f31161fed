// Package builtin provides the indicator evaluators that ship with the
// runtime. They cover the common moving-average and oscillator strategies so
// a deployment works out of the box without a user-supplied engine.
package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/engine"
)

// Register adds every built-in evaluator to the registry.
func Register(reg *engine.Registry) {
	reg.Register("sma-cross", "Simple moving average crossover", newSMACross)
	reg.Register("ema-cross", "Exponential moving average crossover", newEMACross)
	reg.Register("rsi-threshold", "RSI oversold/overbought mean reversion", newRSIThreshold)
	reg.Register("hold", "No-op baseline, always holds", newHold)
}

// closes extracts the close series from a window.
func closes(window []domain.Bar) []float64 {
	out := make([]float64, len(window))
	for i, bar := range window {
		out[i] = bar.Close
	}
	return out
}

// intParam reads an integer strategy parameter with a default.
func intParam(params map[string]string, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("param %s: want positive integer, got %q", key, raw)
	}
	return v, nil
}

// floatParam reads a float strategy parameter with a default.
func floatParam(params map[string]string, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: want number, got %q", key, raw)
	}
	return v, nil
}

// sizing builds the intent the built-ins attach to entries: equity_pct from
// the "equity_pct" param, defaulting to the portfolio manager's default when
// unset.
func sizing(params map[string]string) (domain.SizingIntent, error) {
	pct, err := floatParam(params, "equity_pct", 0)
	if err != nil {
		return domain.SizingIntent{}, err
	}
	if pct <= 0 {
		return domain.NoSizing(), nil
	}
	if pct > 1 {
		return domain.SizingIntent{}, fmt.Errorf("param equity_pct: want fraction in (0, 1], got %v", pct)
	}
	return domain.SizingIntent{Kind: domain.SizingEquityPct, Value: pct}, nil
}

// hold is the no-op baseline evaluator.
type hold struct{}

func newHold(map[string]string) (domain.SignalEvaluator, error) { return hold{}, nil }

func (hold) Evaluate(_ context.Context, window []domain.Bar, _ map[string]string, state interface{}) (domain.Signal, interface{}, error) {
	last := window[len(window)-1]
	return domain.Signal{
		Type:      domain.SignalHold,
		Symbol:    last.Symbol,
		Price:     last.Close,
		Timestamp: last.Timestamp,
	}, state, nil
}
