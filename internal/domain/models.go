// Package domain holds the shared value types and adapter interfaces of the
// live trading runtime. It is pure: no infrastructure dependencies, so every
// other package can import it without cycles.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Granularity is a bar period (1m, 5m, 1h, 1d, ...).
type Granularity struct {
	value    string
	duration time.Duration
}

// ParseGranularity parses strings like "1m", "5m", "1h", "1d".
func ParseGranularity(s string) (Granularity, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return Granularity{}, fmt.Errorf("invalid granularity %q", s)
	}

	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Granularity{}, fmt.Errorf("invalid granularity %q", s)
	}

	var d time.Duration
	switch unit {
	case 's':
		d = time.Duration(n) * time.Second
	case 'm':
		d = time.Duration(n) * time.Minute
	case 'h':
		d = time.Duration(n) * time.Hour
	case 'd':
		d = time.Duration(n) * 24 * time.Hour
	default:
		return Granularity{}, fmt.Errorf("invalid granularity unit in %q", s)
	}

	return Granularity{value: s, duration: d}, nil
}

// MustGranularity is ParseGranularity that panics on error. For tests and
// static tables only.
func MustGranularity(s string) Granularity {
	g, err := ParseGranularity(s)
	if err != nil {
		panic(err)
	}
	return g
}

// String returns the canonical form ("1m", "1h", ...).
func (g Granularity) String() string { return g.value }

// Duration returns the bar period as a time.Duration.
func (g Granularity) Duration() time.Duration { return g.duration }

// IsZero reports whether the granularity was never set.
func (g Granularity) IsZero() bool { return g.duration == 0 }

// Bar is one OHLCV record at a given granularity. Immutable once admitted
// into a buffer.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"` // close time of the period
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	// Canonical marks a bar as the provider's authoritative close for its
	// period. A canonical bar may replace an in-progress bar with the same
	// timestamp at the buffer tail.
	Canonical bool `json:"canonical,omitempty"`
}

// Validate checks the OHLCV invariants: low <= open/close <= high and
// volume >= 0.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar has empty symbol")
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s has zero timestamp", b.Symbol)
	}
	if b.Low > b.High {
		return fmt.Errorf("bar %s@%s: low %.6f > high %.6f", b.Symbol, b.Timestamp.Format(time.RFC3339), b.Low, b.High)
	}
	if b.Open < b.Low || b.Open > b.High {
		return fmt.Errorf("bar %s@%s: open %.6f outside [low, high]", b.Symbol, b.Timestamp.Format(time.RFC3339), b.Open)
	}
	if b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("bar %s@%s: close %.6f outside [low, high]", b.Symbol, b.Timestamp.Format(time.RFC3339), b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume %.6f", b.Symbol, b.Timestamp.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// SignalType is the engine-agnostic trading intent emitted by an evaluator.
type SignalType string

const (
	SignalBuy           SignalType = "BUY"
	SignalSell          SignalType = "SELL"
	SignalHold          SignalType = "HOLD"
	SignalClose         SignalType = "CLOSE"
	SignalLimitBuy      SignalType = "LIMIT_BUY"
	SignalLimitSell     SignalType = "LIMIT_SELL"
	SignalStopBuy       SignalType = "STOP_BUY"
	SignalStopSell      SignalType = "STOP_SELL"
	SignalStopLimitBuy  SignalType = "STOP_LIMIT_BUY"
	SignalStopLimitSell SignalType = "STOP_LIMIT_SELL"
)

// IsEntry reports whether the signal buys.
func (t SignalType) IsEntry() bool {
	switch t {
	case SignalBuy, SignalLimitBuy, SignalStopBuy, SignalStopLimitBuy:
		return true
	}
	return false
}

// IsExit reports whether the signal sells or closes.
func (t SignalType) IsExit() bool {
	switch t {
	case SignalSell, SignalLimitSell, SignalStopSell, SignalStopLimitSell, SignalClose:
		return true
	}
	return false
}

// RequiresLimitPrice reports whether the type needs a limit price attached.
func (t SignalType) RequiresLimitPrice() bool {
	switch t {
	case SignalLimitBuy, SignalLimitSell, SignalStopLimitBuy, SignalStopLimitSell:
		return true
	}
	return false
}

// RequiresStopPrice reports whether the type needs a stop price attached.
func (t SignalType) RequiresStopPrice() bool {
	switch t {
	case SignalStopBuy, SignalStopSell, SignalStopLimitBuy, SignalStopLimitSell:
		return true
	}
	return false
}

// SizingKind distinguishes the abstract quantity specifications an evaluator
// may attach to a signal.
type SizingKind string

const (
	SizingNone            SizingKind = "none"
	SizingUnits           SizingKind = "units"
	SizingNotional        SizingKind = "notional"
	SizingEquityPct       SizingKind = "equity_pct"
	SizingTargetUnits     SizingKind = "target_units"
	SizingTargetNotional  SizingKind = "target_notional"
	SizingTargetEquityPct SizingKind = "target_equity_pct"
	// SizingLegacyFraction is kept for strategies written against the old
	// sizing API. Resolved as a fraction of strategy equity.
	SizingLegacyFraction SizingKind = "legacy_fraction"
)

// SizingIntent is an abstract quantity specification, resolved to a concrete
// order quantity by the portfolio manager.
type SizingIntent struct {
	Kind  SizingKind `json:"kind"`
	Value float64    `json:"value"`
}

// NoSizing is the zero intent: the portfolio manager applies its default.
func NoSizing() SizingIntent { return SizingIntent{Kind: SizingNone} }

// TimeInForce controls how long a resting order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// Signal is an engine-agnostic trading intent with optional sizing and
// execution-style hints. Signals are per-tick values; only the latest and a
// bounded history are retained.
type Signal struct {
	Type        SignalType        `json:"type"`
	Symbol      string            `json:"symbol"`
	Price       float64           `json:"price"`
	Timestamp   time.Time         `json:"timestamp"`
	Sizing      SizingIntent      `json:"sizing"`
	LimitPrice  *float64          `json:"limit_price,omitempty"`
	StopPrice   *float64          `json:"stop_price,omitempty"`
	TimeInForce TimeInForce       `json:"time_in_force,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the signal invariants: positive price, limit/stop prices
// present for the matching types. HOLD signals are always valid.
func (s Signal) Validate() error {
	if s.Type == SignalHold {
		return nil
	}
	if s.Price <= 0 {
		return fmt.Errorf("signal %s %s: price must be positive, got %.6f", s.Type, s.Symbol, s.Price)
	}
	if s.Type.RequiresLimitPrice() && (s.LimitPrice == nil || *s.LimitPrice <= 0) {
		return fmt.Errorf("signal %s %s: limit price required", s.Type, s.Symbol)
	}
	if s.Type.RequiresStopPrice() && (s.StopPrice == nil || *s.StopPrice <= 0) {
		return fmt.Errorf("signal %s %s: stop price required", s.Type, s.Symbol)
	}
	return nil
}

// Position is a signed holding in one symbol. Quantity sign encodes
// long/short.
type Position struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	AverageCost float64 `json:"average_cost"`
	MarketValue float64 `json:"market_value"`
}

// Mode selects how far a strategy's signals travel: observed only, routed to
// a simulated broker, or routed to a live broker.
type Mode string

const (
	ModeSignals Mode = "signals"
	ModePaper   Mode = "paper"
	ModeLive    Mode = "live"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeSignals:
		return ModeSignals, nil
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("unknown mode %q (want signals, paper or live)", s)
}

// StrategyStatus is the lifecycle state of a deployed strategy.
type StrategyStatus string

const (
	StatusInitializing StrategyStatus = "INITIALIZING"
	StatusRunning      StrategyStatus = "RUNNING"
	StatusPaused       StrategyStatus = "PAUSED"
	StatusStopping     StrategyStatus = "STOPPING"
	StatusStopped      StrategyStatus = "STOPPED"
	StatusErrored      StrategyStatus = "ERRORED"
)

// Terminal reports whether the status admits no further transitions.
func (s StrategyStatus) Terminal() bool {
	return s == StatusStopped || s == StatusErrored
}

// Allocation is a strategy's share of account equity, either a fraction in
// (0, 1] or an absolute currency amount. Mixed forms are normalised against
// the broker's account equity at deploy time and held constant thereafter.
type Allocation struct {
	Fraction float64 `json:"fraction,omitempty"` // (0, 1] when set
	Amount   float64 `json:"amount,omitempty"`   // absolute currency when set
}

// IsZero reports whether neither form is set.
func (a Allocation) IsZero() bool { return a.Fraction == 0 && a.Amount == 0 }

// Validate enforces that exactly one form is set and in range.
func (a Allocation) Validate() error {
	switch {
	case a.Fraction != 0 && a.Amount != 0:
		return fmt.Errorf("allocation: set either a fraction or an amount, not both")
	case a.Fraction != 0 && (a.Fraction <= 0 || a.Fraction > 1):
		return fmt.Errorf("allocation fraction %.4f outside (0, 1]", a.Fraction)
	case a.Amount < 0:
		return fmt.Errorf("allocation amount %.2f is negative", a.Amount)
	case a.IsZero():
		return fmt.Errorf("allocation is required")
	}
	return nil
}

// StrategyRecord is the supervisor's authoritative view of one deployed
// strategy.
type StrategyRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	SourcePath     string            `json:"source_path,omitempty"`
	Engine         string            `json:"engine"`
	Symbols        []string          `json:"symbols"`
	Granularity    Granularity       `json:"-"`
	GranularityStr string            `json:"granularity"`
	Lookback       int               `json:"lookback"`
	Allocation     Allocation        `json:"allocation"`
	Mode           Mode              `json:"mode"`
	Status         StrategyStatus    `json:"status"`
	DataSource     string            `json:"data_source"`
	Broker         string            `json:"broker,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	LastSignalTS   *time.Time        `json:"last_signal,omitempty"`
	LastSignalType SignalType        `json:"last_signal_type,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
}

// DeploySpec is the request accepted by the supervisor to start a strategy.
type DeploySpec struct {
	Strategy    string            `json:"strategy" yaml:"strategy"`
	StrategyID  string            `json:"strategy_id,omitempty" yaml:"strategy_id,omitempty"`
	Engine      string            `json:"engine,omitempty" yaml:"engine,omitempty"`
	Symbols     []string          `json:"symbols" yaml:"symbols"`
	Granularity string            `json:"granularity" yaml:"granularity"`
	Lookback    int               `json:"lookback" yaml:"lookback"`
	Duration    int               `json:"duration,omitempty" yaml:"duration,omitempty"` // minutes; 0 = unbounded
	Allocation  float64           `json:"allocation" yaml:"allocation"`                 // (0,1] fraction, or absolute currency if > 1
	DataSource  string            `json:"data_source" yaml:"data_source"`
	Broker      string            `json:"broker,omitempty" yaml:"broker,omitempty"`
	Mode        string            `json:"mode" yaml:"mode"`
	Params      map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// NormalizedAllocation splits the raw allocation number into the structured
// form: values in (0, 1] are fractions, values above 1 are absolute currency.
func (d DeploySpec) NormalizedAllocation() Allocation {
	if d.Allocation > 0 && d.Allocation <= 1 {
		return Allocation{Fraction: d.Allocation}
	}
	return Allocation{Amount: d.Allocation}
}

// Validate performs the deploy-time structural checks. Engine, broker and
// provider existence is checked by the supervisor against its registries.
func (d DeploySpec) Validate() []string {
	var errs []string
	if len(d.Symbols) == 0 {
		errs = append(errs, "at least one symbol is required")
	}
	for _, sym := range d.Symbols {
		if strings.TrimSpace(sym) == "" {
			errs = append(errs, "symbols must be non-empty")
			break
		}
	}
	if _, err := ParseGranularity(d.Granularity); err != nil {
		errs = append(errs, err.Error())
	}
	if d.Lookback <= 0 {
		errs = append(errs, "lookback must be positive")
	}
	if d.Duration < 0 {
		errs = append(errs, "duration must not be negative")
	}
	if err := d.NormalizedAllocation().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := ParseMode(d.Mode); err != nil {
		errs = append(errs, err.Error())
	}
	if d.DataSource == "" {
		errs = append(errs, "data_source is required")
	}
	return errs
}
