package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"1m", time.Minute, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"30s", 30 * time.Second, false},
		{"1M", time.Minute, false}, // case-insensitive
		{"", 0, true},
		{"m", 0, true},
		{"0m", 0, true},
		{"-5m", 0, true},
		{"1x", 0, true},
	}

	for _, tt := range tests {
		g, err := ParseGranularity(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.expected, g.Duration(), "input %q", tt.input)
	}
}

func TestBarValidate(t *testing.T) {
	ts := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)

	valid := Bar{Symbol: "AAPL", Timestamp: ts, Open: 100, High: 102, Low: 99, Close: 101, Volume: 5000}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		bar  Bar
	}{
		{"empty symbol", Bar{Timestamp: ts, Open: 100, High: 102, Low: 99, Close: 101}},
		{"zero timestamp", Bar{Symbol: "AAPL", Open: 100, High: 102, Low: 99, Close: 101}},
		{"low above high", Bar{Symbol: "AAPL", Timestamp: ts, Open: 100, High: 99, Low: 102, Close: 100}},
		{"open above high", Bar{Symbol: "AAPL", Timestamp: ts, Open: 103, High: 102, Low: 99, Close: 101}},
		{"close below low", Bar{Symbol: "AAPL", Timestamp: ts, Open: 100, High: 102, Low: 99, Close: 98}},
		{"negative volume", Bar{Symbol: "AAPL", Timestamp: ts, Open: 100, High: 102, Low: 99, Close: 101, Volume: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.bar.Validate())
		})
	}
}

func TestSignalValidate(t *testing.T) {
	ts := time.Now()
	limit := 99.5

	// Market buy with a price is valid
	sig := Signal{Type: SignalBuy, Symbol: "AAPL", Price: 100, Timestamp: ts}
	assert.NoError(t, sig.Validate())

	// HOLD needs nothing
	assert.NoError(t, Signal{Type: SignalHold}.Validate())

	// Zero price rejected
	assert.Error(t, Signal{Type: SignalBuy, Symbol: "AAPL"}.Validate())

	// Limit type without limit price rejected
	assert.Error(t, Signal{Type: SignalLimitBuy, Symbol: "AAPL", Price: 100, Timestamp: ts}.Validate())
	assert.NoError(t, Signal{Type: SignalLimitBuy, Symbol: "AAPL", Price: 100, Timestamp: ts, LimitPrice: &limit}.Validate())

	// Stop-limit needs both
	assert.Error(t, Signal{Type: SignalStopLimitSell, Symbol: "AAPL", Price: 100, Timestamp: ts, LimitPrice: &limit}.Validate())
	stop := 98.0
	assert.NoError(t, Signal{Type: SignalStopLimitSell, Symbol: "AAPL", Price: 100, Timestamp: ts, LimitPrice: &limit, StopPrice: &stop}.Validate())
}

func TestAllocationValidate(t *testing.T) {
	assert.NoError(t, Allocation{Fraction: 0.25}.Validate())
	assert.NoError(t, Allocation{Fraction: 1.0}.Validate())
	assert.NoError(t, Allocation{Amount: 5000}.Validate())

	assert.Error(t, Allocation{}.Validate())
	assert.Error(t, Allocation{Fraction: 1.5}.Validate())
	assert.Error(t, Allocation{Fraction: -0.1}.Validate())
	assert.Error(t, Allocation{Fraction: 0.5, Amount: 1000}.Validate())
}

func TestDeploySpecValidate(t *testing.T) {
	valid := DeploySpec{
		Strategy:    "strategies/sma.yaml",
		Symbols:     []string{"AAPL"},
		Granularity: "1m",
		Lookback:    20,
		Allocation:  0.5,
		DataSource:  "synthetic",
		Mode:        "signals",
	}
	assert.Empty(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*DeploySpec)
	}{
		{"no symbols", func(d *DeploySpec) { d.Symbols = nil }},
		{"blank symbol", func(d *DeploySpec) { d.Symbols = []string{" "} }},
		{"bad granularity", func(d *DeploySpec) { d.Granularity = "fortnight" }},
		{"zero lookback", func(d *DeploySpec) { d.Lookback = 0 }},
		{"negative duration", func(d *DeploySpec) { d.Duration = -1 }},
		{"zero allocation", func(d *DeploySpec) { d.Allocation = 0 }},
		{"bad mode", func(d *DeploySpec) { d.Mode = "shadow" }},
		{"no data source", func(d *DeploySpec) { d.DataSource = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			spec.Symbols = append([]string(nil), valid.Symbols...)
			tt.mutate(&spec)
			assert.NotEmpty(t, spec.Validate())
		})
	}
}

func TestDeploySpecNormalizedAllocation(t *testing.T) {
	assert.Equal(t, Allocation{Fraction: 0.25}, DeploySpec{Allocation: 0.25}.NormalizedAllocation())
	assert.Equal(t, Allocation{Fraction: 1.0}, DeploySpec{Allocation: 1.0}.NormalizedAllocation())
	assert.Equal(t, Allocation{Amount: 2500}, DeploySpec{Allocation: 2500}.NormalizedAllocation())
}
