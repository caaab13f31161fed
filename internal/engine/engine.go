// Package engine wraps pluggable signal evaluators behind a registry and a
// timeout-enforcing dispatcher. The engine itself is stateless; evaluators
// thread their own opaque per-strategy state, and calls for a single
// strategy are serial (the runner is the only caller).
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/domain"
)

// DefaultEvaluatorTimeout bounds a single evaluator call.
const DefaultEvaluatorTimeout = 5 * time.Second

// Factory builds an evaluator instance for one strategy deployment.
type Factory func(params map[string]string) (domain.SignalEvaluator, error)

// Info describes a registered engine for the control plane.
type Info struct {
	Name        string `json:"name"`
	Available   bool   `json:"available"`
	Description string `json:"description,omitempty"`
}

// Registry maps engine names to evaluator factories. Implementations are
// registered statically at build time and resolved by name at deploy.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	infos     map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		infos:     make(map[string]Info),
	}
}

// Register adds an engine under name. Re-registering a name replaces it.
func (r *Registry) Register(name, description string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	r.infos[name] = Info{Name: name, Available: true, Description: description}
}

// Has reports whether an engine is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New builds an evaluator for the named engine.
func (r *Registry) New(name string, params map[string]string) (domain.SignalEvaluator, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.ConfigError{Field: "engine", Detail: fmt.Sprintf("unknown engine %q", name)}
	}
	return f(params)
}

// List returns the registered engines sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Engine dispatches evaluator calls with a timeout and panic recovery.
type Engine struct {
	timeout time.Duration
	log     zerolog.Logger
}

// New creates an engine. A non-positive timeout uses the default.
func New(timeout time.Duration, log zerolog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultEvaluatorTimeout
	}
	return &Engine{
		timeout: timeout,
		log:     log.With().Str("component", "signal_engine").Logger(),
	}
}

type evalResult struct {
	signal domain.Signal
	state  interface{}
	err    error
}

// Evaluate runs one evaluator call bounded by the engine timeout. Panics and
// timeouts come back as *domain.StrategyError so the runner counts them
// against the strategy's error budget. The returned signal is validated.
func (e *Engine) Evaluate(ctx context.Context, strategyID string, eval domain.SignalEvaluator, window []domain.Bar, params map[string]string, state interface{}) (domain.Signal, interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan evalResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resultCh <- evalResult{err: fmt.Errorf("evaluator panicked: %v", p)}
			}
		}()
		sig, newState, err := eval.Evaluate(callCtx, window, params, state)
		resultCh <- evalResult{signal: sig, state: newState, err: err}
	}()

	select {
	case <-callCtx.Done():
		// Cancelled by STOPPING propagation or timed out. Either way the
		// tick is skipped; the evaluator goroutine exits on its own when
		// it observes the context.
		err := callCtx.Err()
		if ctx.Err() != nil {
			return domain.Signal{}, state, ctx.Err()
		}
		e.log.Warn().Str("strategy_id", strategyID).Dur("timeout", e.timeout).Msg("Evaluator call timed out")
		return domain.Signal{}, state, &domain.StrategyError{StrategyID: strategyID, Cause: fmt.Errorf("evaluator timeout after %s: %w", e.timeout, err)}
	case res := <-resultCh:
		if res.err != nil {
			return domain.Signal{}, state, &domain.StrategyError{StrategyID: strategyID, Cause: res.err}
		}
		if err := res.signal.Validate(); err != nil {
			return domain.Signal{}, state, &domain.StrategyError{StrategyID: strategyID, Cause: fmt.Errorf("invalid signal: %w", err)}
		}
		return res.signal, res.state, nil
	}
}
