// Package stats implements the statistics manager: rolling per-strategy
// performance accounting fed by fill and mark-price events. It is a pure
// consumer of the event bus and never calls back into the portfolio or the
// runners.
package stats

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/stratequeue/stratequeue/internal/events"
)

// maxTradeReturns caps the rolling per-trade return list used for averages
// and the Sharpe estimate, keeping statistics memory bounded.
const maxTradeReturns = 512

// Snapshot is a consistent view of one strategy's performance. Readers never
// see torn values: the whole struct is copied under the manager's lock.
type Snapshot struct {
	StrategyID    string    `json:"strategy_id"`
	InitialEquity float64   `json:"initial_equity"`
	Equity        float64   `json:"equity"`
	PeakEquity    float64   `json:"peak_equity"`
	MaxDrawdown   float64   `json:"max_drawdown"` // fraction of peak equity
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	NetPnL        float64   `json:"net_pnl"`
	TotalReturn   float64   `json:"total_return"` // fraction of initial equity
	FillCount     int       `json:"fill_count"`
	TradeCount    int       `json:"trade_count"` // closed trades
	WinCount      int       `json:"win_count"`
	LossCount     int       `json:"loss_count"`
	WinRate       float64   `json:"win_rate"`
	AvgWin        float64   `json:"avg_win"`
	AvgLoss       float64   `json:"avg_loss"`
	Sharpe        float64   `json:"sharpe"` // per-trade return mean over stddev
	LastUpdate    time.Time `json:"last_update"`
}

// holding is the statistics manager's own view of one open position.
type holding struct {
	qty     float64
	avgCost float64
	mark    float64
}

type strategyStats struct {
	snapshot Snapshot
	holdings map[string]*holding
	returns  []float64
}

// Manager consumes fill and mark events and serves snapshots.
type Manager struct {
	sub *events.Subscription
	log zerolog.Logger

	mu         sync.RWMutex
	strategies map[string]*strategyStats

	stopOnce sync.Once
	done     chan struct{}
}

// NewManager subscribes to the bus and starts the consume loop.
func NewManager(bus *events.Bus, log zerolog.Logger) *Manager {
	m := &Manager{
		sub:        bus.Subscribe(512, events.FillApplied, events.MarkPrice),
		log:        log.With().Str("component", "statistics").Logger(),
		strategies: make(map[string]*strategyStats),
		done:       make(chan struct{}),
	}
	go m.run()
	return m
}

// Register initialises tracking for a newly deployed strategy.
func (m *Manager) Register(strategyID string, initialEquity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[strategyID]; ok {
		return
	}
	m.strategies[strategyID] = &strategyStats{
		snapshot: Snapshot{
			StrategyID:    strategyID,
			InitialEquity: initialEquity,
			Equity:        initialEquity,
			PeakEquity:    initialEquity,
			LastUpdate:    time.Now(),
		},
		holdings: make(map[string]*holding),
	}
}

// Snapshot returns the last computed snapshot for a strategy. Stopped
// strategies keep serving their final snapshot until removed.
func (m *Manager) Snapshot(strategyID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[strategyID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot, true
}

// Remove drops a strategy's statistics.
func (m *Manager) Remove(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strategies, strategyID)
}

// Stop detaches from the bus and ends the consume loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.sub.Close()
		<-m.done
	})
}

func (m *Manager) run() {
	defer close(m.done)
	for evt := range m.sub.C {
		switch evt.Type {
		case events.FillApplied:
			if data, ok := evt.Data.(events.FillAppliedData); ok {
				m.onFill(evt.StrategyID, data)
			}
		case events.MarkPrice:
			if data, ok := evt.Data.(events.MarkPriceData); ok {
				m.onMark(data)
			}
		}
	}
}

func (m *Manager) onFill(strategyID string, data events.FillAppliedData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.strategies[strategyID]
	if !ok {
		// Fills for unregistered strategies are ignorable noise; the
		// supervisor registers a strategy before starting its runner.
		m.log.Debug().Str("strategy_id", strategyID).Msg("Fill for untracked strategy ignored")
		return
	}

	s.snapshot.FillCount++
	s.snapshot.RealizedPnL += data.RealizedPnL

	h, ok := s.holdings[data.Fill.Symbol]
	if !ok {
		h = &holding{}
		s.holdings[data.Fill.Symbol] = h
	}
	h.qty = data.PositionAfter
	h.avgCost = data.AvgCostAfter
	h.mark = data.Fill.Price
	if h.qty == 0 {
		delete(s.holdings, data.Fill.Symbol)
	}

	if data.ClosedTrade != nil {
		s.snapshot.TradeCount++
		r := data.ClosedTrade.Return
		s.returns = append(s.returns, r)
		if len(s.returns) > maxTradeReturns {
			s.returns = s.returns[len(s.returns)-maxTradeReturns:]
		}
		if r > 0 {
			s.snapshot.WinCount++
		} else if r < 0 {
			s.snapshot.LossCount++
		}
	}

	m.recomputeLocked(s)
}

func (m *Manager) onMark(data events.MarkPriceData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.strategies {
		if h, ok := s.holdings[data.Symbol]; ok {
			h.mark = data.Price
			m.recomputeLocked(s)
		}
	}
}

// recomputeLocked refreshes the derived fields after a fill or mark.
func (m *Manager) recomputeLocked(s *strategyStats) {
	var unrealized float64
	for _, h := range s.holdings {
		unrealized += (h.mark - h.avgCost) * h.qty
	}

	snap := &s.snapshot
	snap.UnrealizedPnL = unrealized
	snap.NetPnL = snap.RealizedPnL + unrealized
	snap.Equity = snap.InitialEquity + snap.NetPnL
	if snap.InitialEquity > 0 {
		snap.TotalReturn = snap.NetPnL / snap.InitialEquity
	}
	if snap.Equity > snap.PeakEquity {
		snap.PeakEquity = snap.Equity
	}
	if snap.PeakEquity > 0 {
		dd := (snap.PeakEquity - snap.Equity) / snap.PeakEquity
		if dd > snap.MaxDrawdown {
			snap.MaxDrawdown = dd
		}
	}

	if snap.TradeCount > 0 {
		var winSum, lossSum float64
		for _, r := range s.returns {
			if r > 0 {
				winSum += r
			} else if r < 0 {
				lossSum += r
			}
		}
		if snap.WinCount > 0 {
			snap.AvgWin = winSum / float64(snap.WinCount)
		}
		if snap.LossCount > 0 {
			snap.AvgLoss = lossSum / float64(snap.LossCount)
		}
		denom := float64(snap.WinCount + snap.LossCount)
		if denom > 0 {
			snap.WinRate = float64(snap.WinCount) / denom
		}
	}

	if len(s.returns) >= 2 {
		mean, std := stat.MeanStdDev(s.returns, nil)
		if std > 0 && !math.IsNaN(std) {
			snap.Sharpe = mean / std
		}
	}

	snap.LastUpdate = time.Now()
}
