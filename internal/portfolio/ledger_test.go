package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratequeue/stratequeue/internal/domain"
)

func fill(broker string, seq int64, side domain.OrderSide, qty, price, fees float64) domain.Fill {
	return domain.Fill{
		OrderID:    "o-" + broker,
		BrokerID:   broker,
		Seq:        seq,
		StrategyID: "s1",
		Symbol:     "SYM",
		Side:       side,
		Qty:        qty,
		Price:      price,
		Fees:       fees,
		Timestamp:  time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestApplyFillBuyThenMark(t *testing.T) {
	// After a 10 @ 100 buy against 10k cash, the ledger holds 9k cash
	// and 10 shares at average cost 100.
	led := NewSubLedger("s1", 10000)

	res := led.ApplyFill(fill("B1", 1, domain.SideBuy, 10, 100, 0))
	require.True(t, res.Applied)
	assert.Equal(t, 0.0, res.RealizedPnL)
	assert.Equal(t, 10.0, res.PositionAfter)

	snap := led.Snapshot()
	assert.InDelta(t, 9000, snap.Cash, 1e-9)
	assert.InDelta(t, 10, snap.Positions["SYM"].Quantity, 1e-9)
	assert.InDelta(t, 100, snap.Positions["SYM"].AverageCost, 1e-9)
	assert.InDelta(t, 10000, snap.Equity, 1e-9)

	led.SetMark("SYM", 110)
	assert.InDelta(t, 10100, led.Equity(), 1e-9)
	assert.InDelta(t, 100, led.Snapshot().UnrealizedPnL, 1e-9)
}

func TestApplyFillAverageCostOnIncrease(t *testing.T) {
	led := NewSubLedger("s1", 10000)
	led.ApplyFill(fill("B1", 1, domain.SideBuy, 10, 100, 0))
	led.ApplyFill(fill("B2", 1, domain.SideBuy, 10, 120, 0))

	snap := led.Snapshot()
	assert.InDelta(t, 20, snap.Positions["SYM"].Quantity, 1e-9)
	assert.InDelta(t, 110, snap.Positions["SYM"].AverageCost, 1e-9)
	assert.InDelta(t, 7800, snap.Cash, 1e-9)
}

func TestApplyFillRealizesOnReduction(t *testing.T) {
	led := NewSubLedger("s1", 10000)
	led.ApplyFill(fill("B1", 1, domain.SideBuy, 20, 50, 0))

	res := led.ApplyFill(fill("B2", 1, domain.SideSell, 10, 60, 1.5))
	require.True(t, res.Applied)
	// (60 - 50) * 10 - fees
	assert.InDelta(t, 98.5, res.RealizedPnL, 1e-9)
	assert.Equal(t, 10.0, res.PositionAfter)
	require.NotNil(t, res.Closed)
	assert.InDelta(t, 10, res.Closed.Qty, 1e-9)

	snap := led.Snapshot()
	assert.InDelta(t, 50, snap.Positions["SYM"].AverageCost, 1e-9, "average cost unchanged on reduction")
	assert.InDelta(t, 98.5, snap.RealizedPnL, 1e-9)
}

func TestApplyFillFlipsThroughZero(t *testing.T) {
	led := NewSubLedger("s1", 10000)
	led.ApplyFill(fill("B1", 1, domain.SideBuy, 10, 100, 0))
	res := led.ApplyFill(fill("B2", 1, domain.SideSell, 15, 110, 0))

	require.True(t, res.Applied)
	assert.InDelta(t, 100, res.RealizedPnL, 1e-9) // closed 10 @ +10 each
	assert.Equal(t, -5.0, res.PositionAfter)

	snap := led.Snapshot()
	assert.InDelta(t, -5, snap.Positions["SYM"].Quantity, 1e-9)
	assert.InDelta(t, 110, snap.Positions["SYM"].AverageCost, 1e-9, "flipped position opens at fill price")
}

func TestApplyFillClosingRemovesPosition(t *testing.T) {
	led := NewSubLedger("s1", 10000)
	led.ApplyFill(fill("B1", 1, domain.SideBuy, 10, 100, 0))
	led.ApplyFill(fill("B2", 1, domain.SideSell, 10, 100, 0))

	snap := led.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.InDelta(t, 10000, snap.Cash, 1e-9)
	assert.InDelta(t, 10000, snap.Equity, 1e-9)
}

func TestApplyFillDuplicateIsNoOp(t *testing.T) {
	// At-most-once at the ledger level: the same (broker_id, seq) applied twice
	// updates the ledger exactly once.
	led := NewSubLedger("s1", 10000)

	first := led.ApplyFill(fill("X", 1, domain.SideBuy, 10, 100, 0))
	require.True(t, first.Applied)

	dup := led.ApplyFill(fill("X", 1, domain.SideBuy, 10, 100, 0))
	assert.False(t, dup.Applied)

	snap := led.Snapshot()
	assert.InDelta(t, 9000, snap.Cash, 1e-9)
	assert.InDelta(t, 10, snap.Positions["SYM"].Quantity, 1e-9)
	assert.Equal(t, 1, snap.FillCount)
}

func TestLedgerIdentityHoldsThroughSequence(t *testing.T) {
	// Invariant 3: cash + market value == initial + realised + unrealised
	// after every fill. checkIdentityLocked panics if it breaks, so a
	// completed sequence is itself the assertion; spot-check one point.
	led := NewSubLedger("s1", 50000)
	led.ApplyFill(fill("A", 1, domain.SideBuy, 100, 25, 2))
	led.SetMark("SYM", 27)
	led.ApplyFill(fill("A", 2, domain.SideBuy, 50, 30, 2))
	led.ApplyFill(fill("B", 1, domain.SideSell, 120, 28, 3))
	led.SetMark("SYM", 26)

	snap := led.Snapshot()
	assert.InDelta(t, snap.Equity, snap.InitialCash+snap.RealizedPnL+snap.UnrealizedPnL, 1e-6)
}
