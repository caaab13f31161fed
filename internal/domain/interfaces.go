package domain

import "context"

// SignalEvaluator evaluates a strategy over a window of bars and returns a
// signal. Implementations are registered statically and resolved by name at
// deploy. The evaluator threads its own opaque per-strategy state; calls for
// a single strategy are serial.
type SignalEvaluator interface {
	// Evaluate computes a signal from the window. state is the value
	// returned by the previous call for this strategy (nil on the first
	// call). The window is ordered oldest-first and at least the
	// strategy's lookback long.
	Evaluate(ctx context.Context, window []Bar, params map[string]string, state interface{}) (Signal, interface{}, error)
}

// DataProvider supplies historical bars and a realtime feed for a set of
// symbols. The data manager owns the provider pool; runners never talk to
// providers directly.
type DataProvider interface {
	// Name returns the registry name of the provider.
	Name() string

	// FetchHistory returns up to lookback bars ending at the most recent
	// completed period, ordered oldest-first. Providers with less history
	// than requested return what they have.
	FetchHistory(ctx context.Context, symbol string, granularity Granularity, lookback int) ([]Bar, error)

	// Stream delivers realtime bars for the symbols on out until ctx is
	// cancelled or the connection fails. A non-nil return other than
	// ctx.Err() is a stream error the data manager retries with backoff.
	Stream(ctx context.Context, symbols []string, granularity Granularity, out chan<- Bar) error
}

// Broker places and inspects orders. Paper and live endpoints are separate
// broker instances; the runtime is unaware of the distinction beyond the
// instance's configuration.
type Broker interface {
	// Name returns the registry name of the broker.
	Name() string

	// Capabilities returns the broker's static constraints.
	Capabilities() BrokerCapabilities

	// AccountEquity returns the account's total equity, used to normalise
	// allocations at deploy time.
	AccountEquity(ctx context.Context) (float64, error)

	// SubmitOrder places an order and returns the broker-assigned id.
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder cancels a working order by broker id.
	CancelOrder(ctx context.Context, brokerID string) error

	// OrderStatus returns the broker's authoritative view of an order.
	OrderStatus(ctx context.Context, brokerID string) (OrderStatus, error)

	// Fills returns a channel of streamed fills, or nil if the broker only
	// supports polling. When both streams and polls deliver the same fill,
	// the (BrokerID, Seq) dedup makes the poll a no-op.
	Fills(ctx context.Context) (<-chan Fill, error)
}
