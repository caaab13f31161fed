package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrNotReady is returned by a buffer snapshot while fewer bars are
	// buffered than the subscriber's lookback.
	ErrNotReady = errors.New("buffer not ready")

	// ErrStale marks a feed that has not delivered a bar within three
	// expected intervals.
	ErrStale = errors.New("feed stale")

	// ErrStrategyNotFound is returned by registry lookups for unknown ids.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrOrderNotFound is returned by order-table lookups for unknown ids.
	ErrOrderNotFound = errors.New("order not found")
)

// ConfigError is a malformed spec, unknown engine/broker/provider or missing
// credential. Surfaced at deploy; never reaches the runtime.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Detail)
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Detail)
}

// TransientUpstreamError is a provider or broker timeout, disconnect or 5xx.
// Retried with bounded exponential backoff.
type TransientUpstreamError struct {
	Upstream string
	Cause    error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error (%s): %v", e.Upstream, e.Cause)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Cause }

// PermanentUpstreamError is a 4xx, invalid symbol or rejected credentials.
// Stops the owning runner with ERRORED; other strategies are unaffected.
type PermanentUpstreamError struct {
	Upstream string
	Cause    error
}

func (e *PermanentUpstreamError) Error() string {
	return fmt.Sprintf("permanent upstream error (%s): %v", e.Upstream, e.Cause)
}

func (e *PermanentUpstreamError) Unwrap() error { return e.Cause }

// StrategyError is an evaluator failure: a raised error, a timeout, or an
// invalid signal. Counted per strategy; after N consecutive errors the
// runner transitions to ERRORED.
type StrategyError struct {
	StrategyID string
	Cause      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.StrategyID, e.Cause)
}

func (e *StrategyError) Unwrap() error { return e.Cause }

// IsTransient reports whether err should be retried locally.
func IsTransient(err error) bool {
	var t *TransientUpstreamError
	return errors.As(err, &t)
}

// IsPermanentUpstream reports whether err should stop the owning runner.
func IsPermanentUpstream(err error) bool {
	var p *PermanentUpstreamError
	return errors.As(err, &p)
}

// Invariantf panics with an invariant-violation message. Ledger arithmetic,
// ordering or buffer monotonicity breaking indicates a bug; the process
// crashes and restarts cleanly rather than trading on corrupt state.
func Invariantf(format string, args ...interface{}) {
	panic(fmt.Sprintf("invariant violation: "+format, args...))
}
