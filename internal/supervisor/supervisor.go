// Package supervisor owns the authoritative registry of deployed strategies.
// It validates deploy specs, wires runners from the component pool, and is
// the only writer to the registry; readers get copied records and bus
// events.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/engine"
	"github.com/stratequeue/stratequeue/internal/events"
	"github.com/stratequeue/stratequeue/internal/gateway"
	"github.com/stratequeue/stratequeue/internal/journal"
	"github.com/stratequeue/stratequeue/internal/market"
	"github.com/stratequeue/stratequeue/internal/portfolio"
	"github.com/stratequeue/stratequeue/internal/runner"
	"github.com/stratequeue/stratequeue/internal/stats"
)

// DefaultSignalsEquity is the notional account equity used to fund
// sub-ledgers in signals mode, where no broker account exists.
const DefaultSignalsEquity = 100000.0

// BrokerSet pairs a broker adapter with its order gateway.
type BrokerSet struct {
	Broker  domain.Broker
	Gateway *gateway.Gateway
}

// Config wires the supervisor.
type Config struct {
	Engines   *engine.Registry
	Market    *market.Manager
	Portfolio *portfolio.Manager
	Stats     *stats.Manager
	Brokers   map[string]BrokerSet
	Snapshots *journal.SnapshotStore // optional
	Bus       *events.Bus
	Clock     clock.Clock

	EvaluatorTimeout time.Duration
	WarmupTimeout    time.Duration
	SettleDelay      time.Duration
	MaxErrors        int
	StopTimeout      time.Duration
}

// Supervisor is the control-plane core.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	runners   map[string]*runner.Runner
	committed map[string]float64 // active allocation (initial cash) per strategy
}

// New creates a supervisor.
func New(cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		log:       log.With().Str("component", "supervisor").Logger(),
		runners:   make(map[string]*runner.Runner),
		committed: make(map[string]float64),
	}
}

// Validate checks a deploy spec without starting anything. Returns the
// structural and registry errors found; an empty slice means deployable.
func (s *Supervisor) Validate(ctx context.Context, spec domain.DeploySpec) []string {
	errs := spec.Validate()

	engineName := s.resolveEngine(spec)
	if engineName == "" {
		errs = append(errs, "engine is required (none registered or ambiguous)")
	} else if !s.cfg.Engines.Has(engineName) {
		errs = append(errs, fmt.Sprintf("unknown engine %q", engineName))
	}

	if spec.DataSource != "" && !s.cfg.Market.HasProvider(spec.DataSource) {
		errs = append(errs, fmt.Sprintf("unknown data source %q", spec.DataSource))
	}

	mode, modeErr := domain.ParseMode(spec.Mode)
	if modeErr == nil && mode != domain.ModeSignals {
		if spec.Broker == "" {
			errs = append(errs, "broker is required for paper and live modes")
		} else if _, ok := s.cfg.Brokers[spec.Broker]; !ok {
			errs = append(errs, fmt.Sprintf("unknown broker %q", spec.Broker))
		}
	}

	if len(errs) > 0 {
		return errs
	}

	// Allocation must fit the remaining unallocated equity.
	if _, err := s.resolveAllocation(ctx, spec, mode); err != nil {
		errs = append(errs, err.Error())
	}

	if spec.StrategyID != "" {
		s.mu.Lock()
		_, exists := s.runners[spec.StrategyID]
		s.mu.Unlock()
		if exists {
			errs = append(errs, fmt.Sprintf("strategy id %q already deployed", spec.StrategyID))
		}
	}
	return errs
}

// Deploy validates the spec, wires a runner and starts it. Returns the
// strategy id.
func (s *Supervisor) Deploy(ctx context.Context, spec domain.DeploySpec) (string, error) {
	if errs := s.Validate(ctx, spec); len(errs) > 0 {
		return "", &domain.ConfigError{Detail: fmt.Sprintf("deploy rejected: %v", errs)}
	}

	mode, _ := domain.ParseMode(spec.Mode)
	gran, _ := domain.ParseGranularity(spec.Granularity)
	engineName := s.resolveEngine(spec)

	initialCash, err := s.resolveAllocation(ctx, spec, mode)
	if err != nil {
		return "", err
	}

	id := spec.StrategyID
	if id == "" {
		id = uuid.NewString()
	}

	evaluator, err := s.cfg.Engines.New(engineName, spec.Params)
	if err != nil {
		return "", err
	}

	var brokerSet BrokerSet
	var caps domain.BrokerCapabilities
	if mode != domain.ModeSignals {
		brokerSet = s.cfg.Brokers[spec.Broker]
		caps = brokerSet.Broker.Capabilities()
	}

	handles := make(map[string]*market.Handle, len(spec.Symbols))
	for _, sym := range spec.Symbols {
		h, err := s.cfg.Market.Subscribe(spec.DataSource, sym, gran, spec.Lookback)
		if err != nil {
			for _, opened := range handles {
				opened.Close()
			}
			return "", err
		}
		handles[sym] = h
	}

	record := domain.StrategyRecord{
		ID:             id,
		Name:           firstNonEmpty(spec.StrategyID, spec.Strategy, id),
		SourcePath:     spec.Strategy,
		Engine:         engineName,
		Symbols:        append([]string(nil), spec.Symbols...),
		Granularity:    gran,
		GranularityStr: gran.String(),
		Lookback:       spec.Lookback,
		Allocation:     spec.NormalizedAllocation(),
		Mode:           mode,
		DataSource:     spec.DataSource,
		Broker:         spec.Broker,
		CreatedAt:      s.cfg.Clock.Now(),
		Params:         spec.Params,
	}

	s.cfg.Portfolio.CreateLedger(id, initialCash)
	s.cfg.Stats.Register(id, initialCash)

	var duration time.Duration
	if spec.Duration > 0 {
		duration = time.Duration(spec.Duration) * time.Minute
	}

	r := runner.New(runner.Config{
		Record:        record,
		Evaluator:     evaluator,
		Engine:        engine.New(s.cfg.EvaluatorTimeout, s.log),
		Handles:       handles,
		Portfolio:     s.cfg.Portfolio,
		Gateway:       brokerSet.Gateway,
		Caps:          caps,
		Bus:           s.cfg.Bus,
		Clock:         s.cfg.Clock,
		WarmupTimeout: s.cfg.WarmupTimeout,
		SettleDelay:   s.cfg.SettleDelay,
		MaxErrors:     s.cfg.MaxErrors,
		Duration:      duration,
		StopTimeout:   s.cfg.StopTimeout,
		OnStopped:     s.handleStopped,
	}, s.log)

	s.mu.Lock()
	s.runners[id] = r
	s.committed[id] = initialCash
	s.mu.Unlock()

	r.Start()
	s.log.Info().
		Str("strategy_id", id).
		Str("engine", engineName).
		Strs("symbols", spec.Symbols).
		Str("mode", string(mode)).
		Float64("initial_cash", initialCash).
		Msg("Strategy deployed")
	return id, nil
}

// Pause suspends tick consumption for a strategy.
func (s *Supervisor) Pause(id string) error {
	r, err := s.runner(id)
	if err != nil {
		return err
	}
	return r.Pause()
}

// Resume restarts tick consumption for a paused strategy.
func (s *Supervisor) Resume(id string) error {
	r, err := s.runner(id)
	if err != nil {
		return err
	}
	return r.Resume()
}

// Stop drives a strategy to STOPPED. Idempotent.
func (s *Supervisor) Stop(ctx context.Context, id string, liquidate, force bool) error {
	r, err := s.runner(id)
	if err != nil {
		return err
	}
	return r.Stop(ctx, liquidate, force)
}

// Remove deletes a terminal strategy from the registry.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return domain.ErrStrategyNotFound
	}
	if !r.Status().Terminal() {
		return fmt.Errorf("strategy %s is %s; stop it before removing", id, r.Status())
	}
	delete(s.runners, id)
	delete(s.committed, id)
	s.cfg.Stats.Remove(id)
	return nil
}

// List returns every registered strategy's record, oldest first. Stopped and
// errored strategies remain listed until removed.
func (s *Supervisor) List() []domain.StrategyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]domain.StrategyRecord, 0, len(s.runners))
	for _, r := range s.runners {
		records = append(records, r.Record())
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// Get returns one strategy's record.
func (s *Supervisor) Get(id string) (domain.StrategyRecord, error) {
	r, err := s.runner(id)
	if err != nil {
		return domain.StrategyRecord{}, err
	}
	return r.Record(), nil
}

// Statistics returns the latest statistics snapshot for a strategy,
// including the final snapshot of stopped strategies.
func (s *Supervisor) Statistics(id string) (stats.Snapshot, error) {
	if _, err := s.runner(id); err != nil {
		return stats.Snapshot{}, err
	}
	snap, ok := s.cfg.Stats.Snapshot(id)
	if !ok {
		return stats.Snapshot{}, domain.ErrStrategyNotFound
	}
	return snap, nil
}

// StopAll stops every non-terminal strategy, used at daemon shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, rec := range s.List() {
		if rec.Status.Terminal() {
			continue
		}
		if err := s.Stop(ctx, rec.ID, false, true); err != nil {
			s.log.Warn().Err(err).Str("strategy_id", rec.ID).Msg("Stop failed during shutdown")
		}
	}
}

// Snapshots exposes the final-snapshot store (nil when not configured).
func (s *Supervisor) Snapshots() *journal.SnapshotStore {
	return s.cfg.Snapshots
}

func (s *Supervisor) runner(id string) (*runner.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, domain.ErrStrategyNotFound
	}
	return r, nil
}

// handleStopped persists the final snapshot and releases the strategy's
// allocation once its runner reaches STOPPED.
func (s *Supervisor) handleStopped(rec domain.StrategyRecord) {
	var ledgerSnap portfolio.Snapshot
	if led, ok := s.cfg.Portfolio.Ledger(rec.ID); ok {
		ledgerSnap = led.Snapshot()
	}
	statsSnap, _ := s.cfg.Stats.Snapshot(rec.ID)

	if s.cfg.Snapshots != nil {
		snap := journal.FinalSnapshot{
			Record:     rec,
			Ledger:     ledgerSnap,
			Statistics: statsSnap,
			StoppedAt:  s.cfg.Clock.Now(),
		}
		if err := s.cfg.Snapshots.Write(snap); err != nil {
			s.log.Error().Err(err).Str("strategy_id", rec.ID).Msg("Failed to persist final snapshot")
		}
	}

	s.cfg.Portfolio.RemoveLedger(rec.ID)

	s.mu.Lock()
	delete(s.committed, rec.ID)
	s.mu.Unlock()
}

// resolveEngine picks the engine name: the explicit one, or the sole
// registered engine when the spec leaves it blank.
func (s *Supervisor) resolveEngine(spec domain.DeploySpec) string {
	if spec.Engine != "" {
		return spec.Engine
	}
	infos := s.cfg.Engines.List()
	if len(infos) == 1 {
		return infos[0].Name
	}
	return ""
}

// resolveAllocation normalises the spec's allocation against the broker's
// account equity at deploy time and checks it fits the unallocated
// remainder.
func (s *Supervisor) resolveAllocation(ctx context.Context, spec domain.DeploySpec, mode domain.Mode) (float64, error) {
	equity := DefaultSignalsEquity
	if mode != domain.ModeSignals {
		set, ok := s.cfg.Brokers[spec.Broker]
		if !ok {
			return 0, &domain.ConfigError{Field: "broker", Detail: fmt.Sprintf("unknown broker %q", spec.Broker)}
		}
		eq, err := set.Broker.AccountEquity(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to read account equity: %w", err)
		}
		equity = eq
	}

	alloc := spec.NormalizedAllocation()
	initialCash := alloc.Amount
	if alloc.Fraction > 0 {
		initialCash = alloc.Fraction * equity
	}

	s.mu.Lock()
	var committed float64
	for _, c := range s.committed {
		committed += c
	}
	s.mu.Unlock()

	if committed+initialCash > equity+1e-9 {
		return 0, &domain.ConfigError{
			Field: "allocation",
			Detail: fmt.Sprintf("allocation %.2f exceeds unallocated equity %.2f (account %.2f, committed %.2f)",
				initialCash, equity-committed, equity, committed),
		}
	}
	return initialCash, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
