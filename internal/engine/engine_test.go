package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratequeue/stratequeue/internal/domain"
)

type scriptedEvaluator struct {
	signal domain.Signal
	err    error
	delay  time.Duration
	panics bool
	calls  int
}

func (s *scriptedEvaluator) Evaluate(ctx context.Context, window []domain.Bar, params map[string]string, state interface{}) (domain.Signal, interface{}, error) {
	s.calls++
	if s.panics {
		panic("evaluator exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return domain.Signal{}, state, ctx.Err()
		}
	}
	count, _ := state.(int)
	return s.signal, count + 1, s.err
}

func window() []domain.Bar {
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	return []domain.Bar{{Symbol: "AAPL", Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}}
}

func validSignal() domain.Signal {
	return domain.Signal{Type: domain.SignalBuy, Symbol: "AAPL", Price: 100, Timestamp: time.Now()}
}

func TestEngineEvaluateThreadsState(t *testing.T) {
	e := New(time.Second, zerolog.Nop())
	eval := &scriptedEvaluator{signal: validSignal()}

	sig, state, err := e.Evaluate(context.Background(), "s1", eval, window(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalBuy, sig.Type)
	assert.Equal(t, 1, state)

	_, state, err = e.Evaluate(context.Background(), "s1", eval, window(), nil, state)
	require.NoError(t, err)
	assert.Equal(t, 2, state)
}

func TestEngineEvaluateTimeout(t *testing.T) {
	e := New(20*time.Millisecond, zerolog.Nop())
	eval := &scriptedEvaluator{signal: validSignal(), delay: time.Second}

	_, state, err := e.Evaluate(context.Background(), "s1", eval, window(), nil, 7)

	var stratErr *domain.StrategyError
	require.ErrorAs(t, err, &stratErr)
	assert.Equal(t, "s1", stratErr.StrategyID)
	// State is unchanged on failure
	assert.Equal(t, 7, state)
}

func TestEngineEvaluateRecoversPanic(t *testing.T) {
	e := New(time.Second, zerolog.Nop())
	eval := &scriptedEvaluator{panics: true}

	_, _, err := e.Evaluate(context.Background(), "s1", eval, window(), nil, nil)
	var stratErr *domain.StrategyError
	require.ErrorAs(t, err, &stratErr)
	assert.Contains(t, stratErr.Error(), "panicked")
}

func TestEngineEvaluateRejectsInvalidSignal(t *testing.T) {
	e := New(time.Second, zerolog.Nop())
	eval := &scriptedEvaluator{signal: domain.Signal{Type: domain.SignalBuy, Symbol: "AAPL"}} // no price

	_, _, err := e.Evaluate(context.Background(), "s1", eval, window(), nil, nil)
	var stratErr *domain.StrategyError
	require.ErrorAs(t, err, &stratErr)
	assert.Contains(t, stratErr.Error(), "invalid signal")
}

func TestEngineEvaluateCancellation(t *testing.T) {
	e := New(time.Minute, zerolog.Nop())
	eval := &scriptedEvaluator{signal: validSignal(), delay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := e.Evaluate(ctx, "s1", eval, window(), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineEvaluatorErrorWrapped(t *testing.T) {
	e := New(time.Second, zerolog.Nop())
	boom := errors.New("boom")
	eval := &scriptedEvaluator{err: boom}

	_, _, err := e.Evaluate(context.Background(), "s1", eval, window(), nil, nil)
	var stratErr *domain.StrategyError
	require.ErrorAs(t, err, &stratErr)
	assert.ErrorIs(t, err, boom)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Has("sma-cross"))

	reg.Register("sma-cross", "test", func(map[string]string) (domain.SignalEvaluator, error) {
		return &scriptedEvaluator{signal: validSignal()}, nil
	})
	reg.Register("hold", "test", func(map[string]string) (domain.SignalEvaluator, error) {
		return &scriptedEvaluator{}, nil
	})

	assert.True(t, reg.Has("sma-cross"))

	_, err := reg.New("missing", nil)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	eval, err := reg.New("sma-cross", nil)
	require.NoError(t, err)
	assert.NotNil(t, eval)

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "hold", infos[0].Name) // sorted
	assert.True(t, infos[0].Available)
}
