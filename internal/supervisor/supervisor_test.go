package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratequeue/stratequeue/internal/brokers/paper"
	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/engine"
	"github.com/stratequeue/stratequeue/internal/engine/builtin"
	"github.com/stratequeue/stratequeue/internal/events"
	"github.com/stratequeue/stratequeue/internal/gateway"
	"github.com/stratequeue/stratequeue/internal/journal"
	"github.com/stratequeue/stratequeue/internal/market"
	"github.com/stratequeue/stratequeue/internal/portfolio"
	"github.com/stratequeue/stratequeue/internal/providers/synthetic"
	"github.com/stratequeue/stratequeue/internal/stats"
)

type fixture struct {
	fc  *clock.FakeClock
	sup *Supervisor
	pm  *portfolio.Manager
	st  *stats.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	bus := events.NewBus(zerolog.Nop())

	mkt := market.NewManager([]domain.DataProvider{synthetic.New(fc)}, fc, bus, zerolog.Nop())
	t.Cleanup(mkt.Stop)

	pm := portfolio.NewManager(bus, zerolog.Nop())
	st := stats.NewManager(bus, zerolog.Nop())
	t.Cleanup(st.Stop)

	broker := paper.New(paper.Options{Equity: 100000}, fc, zerolog.Nop())
	gw := gateway.New(broker, pm.ApplyFill, bus, fc, gateway.Options{PollInterval: time.Minute}, zerolog.Nop())
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(gw.Stop)

	reg := engine.NewRegistry()
	builtin.Register(reg)

	snaps, err := journal.NewSnapshotStore(t.TempDir())
	require.NoError(t, err)

	sup := New(Config{
		Engines:          reg,
		Market:           mkt,
		Portfolio:        pm,
		Stats:            st,
		Brokers:          map[string]BrokerSet{"paper": {Broker: broker, Gateway: gw}},
		Snapshots:        snaps,
		Bus:              bus,
		Clock:            fc,
		EvaluatorTimeout: time.Second,
		WarmupTimeout:    30 * time.Second,
		SettleDelay:      time.Second,
		MaxErrors:        3,
		StopTimeout:      5 * time.Second,
	}, zerolog.Nop())

	return &fixture{fc: fc, sup: sup, pm: pm, st: st}
}

func validSpec() domain.DeploySpec {
	return domain.DeploySpec{
		Strategy:    "strategies/hold.yaml",
		StrategyID:  "hold-1",
		Engine:      "hold",
		Symbols:     []string{"AAPL"},
		Granularity: "1m",
		Lookback:    10,
		Allocation:  0.25,
		DataSource:  "synthetic",
		Broker:      "paper",
		Mode:        "paper",
	}
}

func advanceUntil(t *testing.T, fc *clock.FakeClock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		fc.Advance(step)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func TestValidateCatchesRegistryErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Empty(t, f.sup.Validate(ctx, validSpec()))

	spec := validSpec()
	spec.Engine = "nope"
	assert.NotEmpty(t, f.sup.Validate(ctx, spec))

	spec = validSpec()
	spec.DataSource = "nope"
	assert.NotEmpty(t, f.sup.Validate(ctx, spec))

	spec = validSpec()
	spec.Broker = "nope"
	assert.NotEmpty(t, f.sup.Validate(ctx, spec))

	spec = validSpec()
	spec.Mode = "signals"
	spec.Broker = ""
	assert.Empty(t, f.sup.Validate(ctx, spec), "signals mode needs no broker")
}

func TestDeployListGetRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := validSpec()
	id, err := f.sup.Deploy(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "hold-1", id)

	// Deploy -> list -> get returns the submitted fields.
	records := f.sup.List()
	require.Len(t, records, 1)
	rec, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, records[0].ID, rec.ID)
	assert.Equal(t, spec.Symbols, rec.Symbols)
	assert.Equal(t, spec.Granularity, rec.GranularityStr)
	assert.Equal(t, spec.Lookback, rec.Lookback)
	assert.Equal(t, domain.ModePaper, rec.Mode)
	assert.Equal(t, "hold", rec.Engine)
	assert.Equal(t, domain.Allocation{Fraction: 0.25}, rec.Allocation)
	assert.False(t, rec.CreatedAt.IsZero())

	// The ledger was funded with fraction x account equity.
	led, ok := f.pm.Ledger(id)
	require.True(t, ok)
	assert.InDelta(t, 25000, led.Cash(), 1e-9)

	// Statistics registered at the same equity.
	snap, err := f.sup.Statistics(id)
	require.NoError(t, err)
	assert.InDelta(t, 25000, snap.InitialEquity, 1e-9)

	_ = f.sup.Stop(ctx, id, false, true)
}

func TestDeployRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Deploy(ctx, validSpec())
	require.NoError(t, err)

	_, err = f.sup.Deploy(ctx, validSpec())
	require.Error(t, err)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_ = f.sup.Stop(ctx, "hold-1", false, true)
}

func TestAllocationArithmetic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 60% + 50% does not fit into one account.
	spec1 := validSpec()
	spec1.StrategyID = "a"
	spec1.Allocation = 0.6
	_, err := f.sup.Deploy(ctx, spec1)
	require.NoError(t, err)

	spec2 := validSpec()
	spec2.StrategyID = "b"
	spec2.Allocation = 0.5
	_, err = f.sup.Deploy(ctx, spec2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allocation")

	// Absolute form mixes with fractions against the same equity.
	spec3 := validSpec()
	spec3.StrategyID = "c"
	spec3.Allocation = 30000 // absolute; 60000 + 30000 <= 100000
	_, err = f.sup.Deploy(ctx, spec3)
	require.NoError(t, err)

	// Stopping a strategy frees its allocation.
	advanceUntil(t, f.fc, 200*time.Millisecond, func() bool {
		rec, err := f.sup.Get("a")
		return err == nil && rec.Status == domain.StatusRunning
	})
	require.NoError(t, f.sup.Stop(ctx, "a", false, true))

	spec4 := validSpec()
	spec4.StrategyID = "d"
	spec4.Allocation = 0.5
	_, err = f.sup.Deploy(ctx, spec4)
	assert.NoError(t, err)

	f.sup.StopAll(ctx)
}

func TestStopPersistsFinalSnapshotAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.sup.Deploy(ctx, validSpec())
	require.NoError(t, err)

	advanceUntil(t, f.fc, 200*time.Millisecond, func() bool {
		rec, err := f.sup.Get(id)
		return err == nil && rec.Status == domain.StatusRunning
	})

	require.NoError(t, f.sup.Stop(ctx, id, false, false))
	require.NoError(t, f.sup.Stop(ctx, id, false, false), "stop is idempotent")

	rec, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, rec.Status)

	// Final snapshot persisted and statistics still served after stop.
	snap, err := f.sup.Snapshots().Read(id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.Record.ID)

	_, err = f.sup.Statistics(id)
	assert.NoError(t, err)

	// Ledger released, registry retains the record until removal.
	_, ok := f.pm.Ledger(id)
	assert.False(t, ok)
	assert.Len(t, f.sup.List(), 1)

	require.NoError(t, f.sup.Remove(id))
	assert.Empty(t, f.sup.List())
	_, err = f.sup.Get(id)
	assert.ErrorIs(t, err, domain.ErrStrategyNotFound)
}

func TestPauseResumeUnknownAndRemoveRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.sup.Pause("nope"), domain.ErrStrategyNotFound)
	assert.ErrorIs(t, f.sup.Resume("nope"), domain.ErrStrategyNotFound)
	assert.ErrorIs(t, f.sup.Stop(ctx, "nope", false, false), domain.ErrStrategyNotFound)

	id, err := f.sup.Deploy(ctx, validSpec())
	require.NoError(t, err)

	advanceUntil(t, f.fc, 200*time.Millisecond, func() bool {
		rec, _ := f.sup.Get(id)
		return rec.Status == domain.StatusRunning
	})

	// A running strategy cannot be removed.
	assert.Error(t, f.sup.Remove(id))

	require.NoError(t, f.sup.Pause(id))
	rec, _ := f.sup.Get(id)
	assert.Equal(t, domain.StatusPaused, rec.Status)
	require.NoError(t, f.sup.Resume(id))

	f.sup.StopAll(ctx)
}
