// Package journal persists the runtime's only durable artifacts: an
// append-only per-strategy fill log (SQLite) and the final strategy
// snapshots written on STOPPED (msgpack). Everything else is in-memory and
// lost on process exit by design.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	broker_id    TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	order_id     TEXT NOT NULL,
	strategy_id  TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	qty          REAL NOT NULL,
	price        REAL NOT NULL,
	fees         REAL NOT NULL,
	ts           TEXT NOT NULL,
	realized_pnl REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (broker_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_fills_strategy ON fills(strategy_id, ts);
`

// Journal is the append-only fill log. The connection uses the
// maximum-safety profile: WAL with full synchronous writes, since this is
// the audit trail for real money.
type Journal struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// Open creates or opens the journal database.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=auto_vacuum(NONE)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=wal_autocheckpoint(1000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}

	return &Journal{
		conn: conn,
		path: path,
		log:  log.With().Str("component", "journal").Logger(),
	}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.conn.Close()
}

// RecordFill appends one fill. Idempotent on (broker_id, seq): re-recording
// an already-journaled fill is a no-op, which makes crash-replay safe.
func (j *Journal) RecordFill(fill domain.Fill, realizedPnL float64) error {
	_, err := j.conn.Exec(
		`INSERT OR IGNORE INTO fills
		 (broker_id, seq, order_id, strategy_id, symbol, side, qty, price, fees, ts, realized_pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.BrokerID, fill.Seq, fill.OrderID, fill.StrategyID, fill.Symbol,
		string(fill.Side), fill.Qty, fill.Price, fill.Fees,
		fill.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), realizedPnL,
	)
	if err != nil {
		return fmt.Errorf("failed to record fill %s: %w", fill.Key(), err)
	}
	return nil
}

// FillsForStrategy returns a strategy's journaled fills, oldest first.
func (j *Journal) FillsForStrategy(strategyID string, limit int) ([]domain.Fill, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := j.conn.Query(
		`SELECT broker_id, seq, order_id, strategy_id, symbol, side, qty, price, fees, ts
		 FROM fills WHERE strategy_id = ? ORDER BY ts ASC LIMIT ?`,
		strategyID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side, ts string
		if err := rows.Scan(&f.BrokerID, &f.Seq, &f.OrderID, &f.StrategyID, &f.Symbol, &side, &f.Qty, &f.Price, &f.Fees, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fill timestamp %q: %w", ts, err)
		}
		f.Timestamp = parsed
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// FillCount returns the number of journaled fills.
func (j *Journal) FillCount() (int, error) {
	var n int
	err := j.conn.QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&n)
	return n, err
}

// WALCheckpoint forces a WAL checkpoint to keep the log file small. Run by
// the maintenance scheduler.
func (j *Journal) WALCheckpoint() error {
	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}

// Recorder consumes FillApplied events from the bus and appends them to the
// journal until the subscription closes.
type Recorder struct {
	sub  *events.Subscription
	done chan struct{}
}

// NewRecorder attaches a journal to the bus.
func NewRecorder(j *Journal, bus *events.Bus) *Recorder {
	r := &Recorder{
		sub:  bus.Subscribe(512, events.FillApplied),
		done: make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for evt := range r.sub.C {
			data, ok := evt.Data.(events.FillAppliedData)
			if !ok {
				continue
			}
			if err := j.RecordFill(data.Fill, data.RealizedPnL); err != nil {
				j.log.Error().Err(err).Str("fill", data.Fill.Key()).Msg("Failed to journal fill")
			}
		}
	}()
	return r
}

// Stop detaches the recorder and waits for the consume loop to drain.
func (r *Recorder) Stop() {
	r.sub.Close()
	<-r.done
}
