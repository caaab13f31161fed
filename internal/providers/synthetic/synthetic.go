// Package synthetic provides a deterministic in-process data provider. It
// generates a seeded random walk per symbol, which makes it useful both as a
// demo data source and as the provider the runtime's own tests run against.
package synthetic

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
)

// Provider generates bars from a deterministic walk keyed by symbol. The
// same symbol always produces the same series for the same timestamps.
type Provider struct {
	name string
	clk  clock.Clock
}

// New creates a synthetic provider.
func New(clk clock.Clock) *Provider {
	return &Provider{name: "synthetic", clk: clk}
}

// Name returns the registry name.
func (p *Provider) Name() string { return p.name }

// FetchHistory returns lookback bars ending at the most recent completed
// period.
func (p *Provider) FetchHistory(ctx context.Context, symbol string, gran domain.Granularity, lookback int) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	period := gran.Duration()
	end := p.clk.Now().Truncate(period)
	bars := make([]domain.Bar, 0, lookback)
	for i := lookback; i >= 1; i-- {
		ts := end.Add(-period * time.Duration(i-1))
		bars = append(bars, barAt(symbol, ts))
	}
	return bars, nil
}

// Stream emits one bar per period boundary until ctx is cancelled.
func (p *Provider) Stream(ctx context.Context, symbols []string, gran domain.Granularity, out chan<- domain.Bar) error {
	period := gran.Duration()
	for {
		now := p.clk.Now()
		next := now.Truncate(period).Add(period)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clk.After(next.Sub(now)):
		}
		for _, symbol := range symbols {
			bar := barAt(symbol, next)
			bar.Canonical = true
			select {
			case out <- bar:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// barAt derives a bar deterministically from (symbol, ts).
func barAt(symbol string, ts time.Time) domain.Bar {
	base := 50 + float64(seed(symbol)%200)
	t := float64(ts.Unix() / 60)

	// A smooth pseudo-random walk: overlapping sine waves seeded by the
	// symbol, always positive.
	s := float64(seed(symbol) % 97)
	price := base * (1 + 0.05*math.Sin(t/13+s) + 0.02*math.Sin(t/5+s*2))

	spread := price * 0.002
	open := price - spread/2
	close := price + spread/2
	return domain.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      open,
		High:      close + spread,
		Low:       open - spread,
		Close:     close,
		Volume:    1000 + float64(seed(symbol)%1000),
	}
}

func seed(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32()
}
