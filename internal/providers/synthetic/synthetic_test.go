package synthetic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
)

func TestFetchHistoryDeterministicAndValid(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC))
	p := New(fc)

	bars, err := p.FetchHistory(context.Background(), "AAPL", domain.MustGranularity("1m"), 20)
	require.NoError(t, err)
	require.Len(t, bars, 20)

	for i, bar := range bars {
		assert.NoError(t, bar.Validate())
		if i > 0 {
			assert.Equal(t, time.Minute, bar.Timestamp.Sub(bars[i-1].Timestamp))
		}
	}
	// Ends at the last completed boundary
	assert.Equal(t, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), bars[19].Timestamp)

	// Same request, same series
	again, err := p.FetchHistory(context.Background(), "AAPL", domain.MustGranularity("1m"), 20)
	require.NoError(t, err)
	assert.Equal(t, bars, again)

	// Different symbol, different series
	other, err := p.FetchHistory(context.Background(), "MSFT", domain.MustGranularity("1m"), 20)
	require.NoError(t, err)
	assert.NotEqual(t, bars[0].Close, other[0].Close)
}

func TestStreamEmitsAtBoundaries(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	p := New(fc)

	out := make(chan domain.Bar, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Stream(ctx, []string{"AAPL"}, domain.MustGranularity("1m"), out) }()

	// Wait for the stream to block on the clock, then advance a minute.
	require.Eventually(t, func() bool { return fc.WaiterCount() > 0 }, 2*time.Second, time.Millisecond)
	fc.Advance(time.Minute)

	select {
	case bar := <-out:
		assert.Equal(t, "AAPL", bar.Symbol)
		assert.True(t, bar.Canonical)
		assert.Equal(t, time.Date(2025, 6, 2, 10, 1, 0, 0, time.UTC), bar.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no bar streamed")
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
