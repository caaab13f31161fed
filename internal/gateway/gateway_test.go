package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/events"
)

// mockBroker scripts submit/cancel/status behaviour and optionally streams
// fills.
type mockBroker struct {
	mu          sync.Mutex
	nextID      int
	submitErr   error
	cancelErr   error
	statuses    map[string]domain.OrderStatus
	fillCh      chan domain.Fill // nil = poll-only
	submitted   []domain.OrderRequest
	statusCalls int
}

func newMockBroker(push bool) *mockBroker {
	b := &mockBroker{statuses: make(map[string]domain.OrderStatus)}
	if push {
		b.fillCh = make(chan domain.Fill, 16)
	}
	return b
}

func (b *mockBroker) Name() string { return "mock" }

func (b *mockBroker) Capabilities() domain.BrokerCapabilities {
	return domain.BrokerCapabilities{
		MinLotSize: 1, StepSize: 1,
		SupportedOrderTypes: []domain.OrderType{domain.OrderMarket, domain.OrderLimit},
	}
}

func (b *mockBroker) AccountEquity(context.Context) (float64, error) { return 100000, nil }

func (b *mockBroker) SubmitOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.nextID++
	id := fmt.Sprintf("BRK-%d", b.nextID)
	b.submitted = append(b.submitted, req)
	b.statuses[id] = domain.OrderStatus{BrokerID: id, State: domain.OrderWorking}
	return id, nil
}

func (b *mockBroker) CancelOrder(_ context.Context, brokerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	st := b.statuses[brokerID]
	st.State = domain.OrderCanceled
	b.statuses[brokerID] = st
	return nil
}

func (b *mockBroker) OrderStatus(_ context.Context, brokerID string) (domain.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	st, ok := b.statuses[brokerID]
	if !ok {
		return domain.OrderStatus{}, &domain.PermanentUpstreamError{Upstream: "mock", Cause: errors.New("unknown order")}
	}
	return st, nil
}

func (b *mockBroker) Fills(context.Context) (<-chan domain.Fill, error) {
	if b.fillCh == nil {
		return nil, nil
	}
	return b.fillCh, nil
}

func (b *mockBroker) setStatus(brokerID string, st domain.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st.BrokerID = brokerID
	b.statuses[brokerID] = st
}

// fillSink records fills routed into the portfolio, deduplicating like the
// real ledger does.
type fillSink struct {
	mu      sync.Mutex
	applied []domain.Fill
	seen    map[string]struct{}
}

func newFillSink() *fillSink { return &fillSink{seen: make(map[string]struct{})} }

func (s *fillSink) apply(f domain.Fill) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[f.Key()]; dup {
		return false
	}
	s.seen[f.Key()] = struct{}{}
	s.applied = append(s.applied, f)
	return true
}

func (s *fillSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func req(strategy string, qty float64) domain.OrderRequest {
	return domain.OrderRequest{
		StrategyID: strategy,
		Symbol:     "SYM",
		Side:       domain.SideBuy,
		Type:       domain.OrderMarket,
		Qty:        qty,
		RefPrice:   100,
	}
}

func newTestGateway(t *testing.T, broker domain.Broker, sink *fillSink) (*Gateway, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	bus := events.NewBus(zerolog.Nop())
	g := New(broker, sink.apply, bus, fc, Options{PollInterval: time.Second, RPCTimeout: 10 * time.Second}, zerolog.Nop())
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Stop)
	return g, fc
}

func TestSubmitAssignsIDsAndTransitionsToWorking(t *testing.T) {
	broker := newMockBroker(true)
	g, _ := newTestGateway(t, broker, newFillSink())

	ord, err := g.Submit(context.Background(), req("s1", 10))
	require.NoError(t, err)
	assert.NotEmpty(t, ord.ID)
	assert.Equal(t, "BRK-1", ord.BrokerID)
	assert.Equal(t, domain.OrderWorking, ord.State)

	open := g.OpenOrdersFor("s1")
	require.Len(t, open, 1)
}

func TestSubmitBrokerRejection(t *testing.T) {
	broker := newMockBroker(true)
	broker.submitErr = &domain.PermanentUpstreamError{Upstream: "mock", Cause: errors.New("insufficient buying power")}
	g, _ := newTestGateway(t, broker, newFillSink())

	ord, err := g.Submit(context.Background(), req("s1", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, ord.State)
	assert.Contains(t, ord.Reason, "insufficient buying power")
	assert.Empty(t, g.OpenOrders())
}

func TestPushFillsFlowAndDuplicateDropped(t *testing.T) {
	// The same (broker_id, seq) delivered twice applies exactly once.
	broker := newMockBroker(true)
	sink := newFillSink()
	g, _ := newTestGateway(t, broker, sink)

	ord, err := g.Submit(context.Background(), req("s1", 10))
	require.NoError(t, err)

	fill := domain.Fill{
		BrokerID: ord.BrokerID, Seq: 1, Symbol: "SYM",
		Side: domain.SideBuy, Qty: 10, Price: 100, Timestamp: time.Now(),
	}
	broker.fillCh <- fill
	broker.fillCh <- fill // duplicate

	require.Eventually(t, func() bool {
		o, err := g.Order(ord.ID)
		return err == nil && o.State == domain.OrderFilled
	}, 2*time.Second, time.Millisecond)

	// Give the duplicate a moment to (not) land.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	final, err := g.Order(ord.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, final.FilledQty)
	assert.Equal(t, 100.0, final.AvgFillPrice)
	require.NotNil(t, final.TerminalTS)
	assert.Empty(t, g.OpenOrders(), "terminal order released from open table")
}

func TestPartialFillsAccumulateWeightedAverage(t *testing.T) {
	// Invariant 2: filled_qty is the fill sum and avg_fill_price the
	// quantity-weighted mean.
	broker := newMockBroker(true)
	sink := newFillSink()
	g, _ := newTestGateway(t, broker, sink)

	ord, err := g.Submit(context.Background(), req("s1", 10))
	require.NoError(t, err)

	broker.fillCh <- domain.Fill{BrokerID: ord.BrokerID, Seq: 1, Symbol: "SYM", Side: domain.SideBuy, Qty: 4, Price: 100, Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		o, _ := g.Order(ord.ID)
		return o.State == domain.OrderPartial
	}, 2*time.Second, time.Millisecond)

	broker.fillCh <- domain.Fill{BrokerID: ord.BrokerID, Seq: 2, Symbol: "SYM", Side: domain.SideBuy, Qty: 6, Price: 110, Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		o, _ := g.Order(ord.ID)
		return o.State == domain.OrderFilled
	}, 2*time.Second, time.Millisecond)

	final, _ := g.Order(ord.ID)
	assert.InDelta(t, 10.0, final.FilledQty, 1e-9)
	assert.InDelta(t, 106.0, final.AvgFillPrice, 1e-9) // (4*100 + 6*110) / 10
	assert.Equal(t, 2, sink.count())
}

func TestPollOnlyBrokerSynthesizesFills(t *testing.T) {
	broker := newMockBroker(false)
	sink := newFillSink()
	g, fc := newTestGateway(t, broker, sink)

	ord, err := g.Submit(context.Background(), req("s1", 10))
	require.NoError(t, err)

	broker.setStatus(ord.BrokerID, domain.OrderStatus{State: domain.OrderFilled, FilledQty: 10, AvgFillPrice: 101})

	// Drive the poll loop.
	require.Eventually(t, func() bool {
		fc.Advance(time.Second)
		o, _ := g.Order(ord.ID)
		return o.State == domain.OrderFilled
	}, 2*time.Second, 5*time.Millisecond)

	final, _ := g.Order(ord.ID)
	assert.InDelta(t, 10, final.FilledQty, 1e-9)
	assert.InDelta(t, 101, final.AvgFillPrice, 1e-9)
	assert.Equal(t, 1, sink.count())
}

func TestSubmissionTimeoutReconciliation(t *testing.T) {
	// A submission that timed out stays PENDING; the reconcile sweep
	// rejects it once the RPC timeout has elapsed since submission.
	broker := newMockBroker(true)
	broker.submitErr = &domain.TransientUpstreamError{Upstream: "mock", Cause: errors.New("deadline exceeded")}
	sink := newFillSink()
	g, fc := newTestGateway(t, broker, sink)

	ord, err := g.Submit(context.Background(), req("s1", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, ord.State)
	assert.Empty(t, ord.BrokerID)

	// Before the RPC timeout elapses the sweep leaves it alone.
	g.Reconcile(context.Background())
	cur, _ := g.Order(ord.ID)
	assert.Equal(t, domain.OrderPending, cur.State)

	fc.Advance(11 * time.Second)
	g.Reconcile(context.Background())

	cur, _ = g.Order(ord.ID)
	assert.Equal(t, domain.OrderRejected, cur.State)
}

func TestCancelAdoptedViaPoll(t *testing.T) {
	broker := newMockBroker(false)
	sink := newFillSink()
	g, fc := newTestGateway(t, broker, sink)

	ord, err := g.Submit(context.Background(), req("s1", 10))
	require.NoError(t, err)

	require.NoError(t, g.Cancel(context.Background(), ord.ID))

	require.Eventually(t, func() bool {
		fc.Advance(time.Second)
		o, _ := g.Order(ord.ID)
		return o.State == domain.OrderCanceled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWaitTerminal(t *testing.T) {
	broker := newMockBroker(true)
	sink := newFillSink()
	g, _ := newTestGateway(t, broker, sink)

	ord, err := g.Submit(context.Background(), req("s1", 5))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		broker.fillCh <- domain.Fill{BrokerID: ord.BrokerID, Seq: 1, Symbol: "SYM", Side: domain.SideBuy, Qty: 5, Price: 100, Timestamp: time.Now()}
	}()

	final, err := g.WaitTerminal(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, final.State)

	// Waiting on an already-terminal order returns immediately.
	again, err := g.WaitTerminal(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, again.State)
}

func TestPruneTerminal(t *testing.T) {
	broker := newMockBroker(true)
	sink := newFillSink()
	g, fc := newTestGateway(t, broker, sink)

	ord, err := g.Submit(context.Background(), req("s1", 5))
	require.NoError(t, err)
	broker.fillCh <- domain.Fill{BrokerID: ord.BrokerID, Seq: 1, Symbol: "SYM", Side: domain.SideBuy, Qty: 5, Price: 100, Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		o, _ := g.Order(ord.ID)
		return o.State == domain.OrderFilled
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 0, g.PruneTerminal(time.Hour))
	fc.Advance(2 * time.Hour)
	assert.Equal(t, 1, g.PruneTerminal(time.Hour))

	_, err = g.Order(ord.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
