package builtin

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/stratequeue/stratequeue/internal/domain"
)

// maCross implements moving-average crossover: fast crossing above slow buys,
// crossing below closes. The state carries the previous fast/slow
// relationship so a signal fires only on the crossing bar.
type maCross struct {
	fast int
	slow int
	size domain.SizingIntent
	ma   func(series []float64, period int) []float64
}

func newSMACross(params map[string]string) (domain.SignalEvaluator, error) {
	return newMACross(params, talib.Sma)
}

func newEMACross(params map[string]string) (domain.SignalEvaluator, error) {
	return newMACross(params, talib.Ema)
}

func newMACross(params map[string]string, ma func([]float64, int) []float64) (domain.SignalEvaluator, error) {
	fast, err := intParam(params, "fast", 10)
	if err != nil {
		return nil, err
	}
	slow, err := intParam(params, "slow", 30)
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("param fast (%d) must be below slow (%d)", fast, slow)
	}
	size, err := sizing(params)
	if err != nil {
		return nil, err
	}
	return &maCross{fast: fast, slow: slow, size: size, ma: ma}, nil
}

// crossState is the evaluator's threaded state: whether fast was above slow
// on the previous evaluation.
type crossState struct {
	FastAbove bool
	Primed    bool
}

func (m *maCross) Evaluate(_ context.Context, window []domain.Bar, _ map[string]string, state interface{}) (domain.Signal, interface{}, error) {
	if len(window) < m.slow+1 {
		return domain.Signal{}, state, fmt.Errorf("window of %d bars is below slow period %d", len(window), m.slow)
	}

	series := closes(window)
	fastMA := m.ma(series, m.fast)
	slowMA := m.ma(series, m.slow)

	last := window[len(window)-1]
	idx := len(series) - 1
	fastAbove := fastMA[idx] > slowMA[idx]

	prev, primed := crossStateFrom(state)
	next := crossState{FastAbove: fastAbove, Primed: true}

	sig := domain.Signal{
		Type:      domain.SignalHold,
		Symbol:    last.Symbol,
		Price:     last.Close,
		Timestamp: last.Timestamp,
		Sizing:    domain.NoSizing(),
	}

	// Only act on a change of relationship, never on the first look.
	if primed && fastAbove != prev {
		if fastAbove {
			sig.Type = domain.SignalBuy
			sig.Sizing = m.size
		} else {
			sig.Type = domain.SignalClose
		}
	}

	return sig, next, nil
}

func crossStateFrom(state interface{}) (fastAbove, primed bool) {
	s, ok := state.(crossState)
	if !ok {
		return false, false
	}
	return s.FastAbove, s.Primed
}
