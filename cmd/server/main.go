// Package main is the entry point for the StrateQueue live trading daemon.
// It ingests bars from market-data providers, drives per-strategy signal
// extraction over sliding windows, sizes and risk-checks the resulting
// orders against a brokerage, and exposes an HTTP control plane for
// deploying and inspecting strategies at runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratequeue/stratequeue/internal/brokers/paper"
	"github.com/stratequeue/stratequeue/internal/clock"
	"github.com/stratequeue/stratequeue/internal/config"
	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/engine"
	"github.com/stratequeue/stratequeue/internal/engine/builtin"
	"github.com/stratequeue/stratequeue/internal/events"
	"github.com/stratequeue/stratequeue/internal/gateway"
	"github.com/stratequeue/stratequeue/internal/journal"
	"github.com/stratequeue/stratequeue/internal/market"
	"github.com/stratequeue/stratequeue/internal/portfolio"
	"github.com/stratequeue/stratequeue/internal/providers/streamws"
	"github.com/stratequeue/stratequeue/internal/providers/synthetic"
	"github.com/stratequeue/stratequeue/internal/runner"
	"github.com/stratequeue/stratequeue/internal/scheduler"
	"github.com/stratequeue/stratequeue/internal/server"
	"github.com/stratequeue/stratequeue/internal/stats"
	"github.com/stratequeue/stratequeue/internal/supervisor"
	"github.com/stratequeue/stratequeue/pkg/logger"
)

// Exit codes: 0 clean shutdown, 1 config or spec validation failure, 2
// unrecoverable runtime error.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	dataDir := flag.String("data-dir", "", "Base directory for journal, snapshots and uploads (default: ~/.stratequeue)")
	port := flag.Int("port", 0, "HTTP control-plane port (default: 8400 or SQ_PORT)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("Failed to load configuration")
		return exitConfigError
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting StrateQueue")

	clk := clock.NewReal()
	bus := events.NewBus(log)

	// Fill journal: the only durable state besides credentials and final
	// snapshots.
	jnl, err := journal.Open(cfg.JournalPath(), log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open fill journal")
		return exitRuntimeError
	}
	defer jnl.Close()

	snapshots, err := journal.NewSnapshotStore(cfg.SnapshotsDir())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create snapshot store")
		return exitRuntimeError
	}

	creds := config.NewCredentialStore(cfg.DataDir)

	// Provider pool: the synthetic provider is always available; a
	// websocket feed is added when credentials configure one.
	providers := []domain.DataProvider{synthetic.New(clk)}
	if p := streamProviderFromCredentials(creds, log); p != nil {
		providers = append(providers, p)
	}

	pm := portfolio.NewManager(bus, log)
	mkt := market.NewManager(providers, clk, bus, log)
	defer mkt.Stop()

	st := stats.NewManager(bus, log)
	defer st.Stop()

	recorder := journal.NewRecorder(jnl, bus)
	defer recorder.Stop()

	// Broker pool. The paper broker is in-process; a live broker adapter
	// registers here when configured.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	brokers := make(map[string]supervisor.BrokerSet)
	paperBroker := paper.New(paper.Options{Name: "paper"}, clk, log)
	paperGW := gateway.New(paperBroker, pm.ApplyFill, bus, clk, gateway.Options{
		PollInterval: cfg.PollInterval,
		RPCTimeout:   cfg.BrokerRPCTimeout,
		RPS:          10,
	}, log)
	if err := paperGW.Start(rootCtx); err != nil {
		log.Error().Err(err).Msg("Failed to start paper gateway")
		return exitRuntimeError
	}
	defer paperGW.Stop()
	brokers["paper"] = supervisor.BrokerSet{Broker: paperBroker, Gateway: paperGW}

	engines := engine.NewRegistry()
	builtin.Register(engines)

	sup := supervisor.New(supervisor.Config{
		Engines:          engines,
		Market:           mkt,
		Portfolio:        pm,
		Stats:            st,
		Brokers:          brokers,
		Snapshots:        snapshots,
		Bus:              bus,
		Clock:            clk,
		EvaluatorTimeout: cfg.EvaluatorTimeout,
		WarmupTimeout:    cfg.WarmupTimeout,
		SettleDelay:      cfg.SettleDelay,
		MaxErrors:        cfg.MaxStrategyErrors,
		StopTimeout:      runner.DefaultStopTimeout,
	}, log)

	// Maintenance jobs: reconcile sweep, stale-feed scan, WAL checkpoint,
	// terminal-order GC.
	sched := scheduler.New(log)
	registerJob := func(spec string, job scheduler.Job) bool {
		if err := sched.Register(spec, job); err != nil {
			log.Error().Err(err).Str("job", job.Name()).Msg("Failed to register maintenance job")
			return false
		}
		return true
	}
	ok := registerJob("*/30 * * * * *", scheduler.ReconcileJob{Gateway: paperGW, Timeout: cfg.BrokerRPCTimeout})
	ok = registerJob("0 * * * * *", scheduler.StaleScanJob{Market: mkt, Log: log}) && ok
	ok = registerJob("0 0 * * * *", scheduler.FuncJob{JobName: "journal_wal_checkpoint", Fn: jnl.WALCheckpoint}) && ok
	ok = registerJob("30 0 * * * *", scheduler.FuncJob{JobName: "order_retention_gc", Fn: func() error {
		paperGW.PruneTerminal(24 * time.Hour)
		return nil
	}}) && ok
	if !ok {
		return exitRuntimeError
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Port:        cfg.Port,
		Log:         log,
		Supervisor:  sup,
		Engines:     engines,
		Bus:         bus,
		Scheduler:   sched,
		Credentials: creds,
		DataDir:     cfg.DataDir,
		DevMode:     cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Control plane started")

	// Block until a shutdown signal or a fatal server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		exitCode = exitRuntimeError
	}

	// Stop strategies first so open orders settle while the gateway is
	// still up, then drain the HTTP server.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	sup.StopAll(stopCtx)
	stopCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("StrateQueue stopped")
	return exitCode
}

// streamProviderFromCredentials builds the websocket provider when the
// credential store carries feed endpoints.
func streamProviderFromCredentials(creds *config.CredentialStore, log zerolog.Logger) domain.DataProvider {
	stored, err := creds.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load credentials, websocket provider disabled")
		return nil
	}
	wsURL := stored["feed_ws_url"]
	historyURL := stored["feed_history_url"]
	if wsURL == "" || historyURL == "" {
		return nil
	}
	return streamws.New(streamws.Options{
		Name:       "stream",
		WSURL:      wsURL,
		HistoryURL: historyURL,
		APIKey:     stored["feed_api_key"],
	}, log)
}
