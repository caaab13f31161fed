package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratequeue/stratequeue/internal/domain"
	"github.com/stratequeue/stratequeue/internal/portfolio"
	"github.com/stratequeue/stratequeue/internal/stats"
)

// FinalSnapshot is the state persisted for a strategy when it reaches
// STOPPED: its record, its ledger and its statistics at the moment of stop.
type FinalSnapshot struct {
	Record     domain.StrategyRecord `msgpack:"record"`
	Ledger     portfolio.Snapshot    `msgpack:"ledger"`
	Statistics stats.Snapshot        `msgpack:"statistics"`
	StoppedAt  time.Time             `msgpack:"stopped_at"`
}

// SnapshotStore writes final snapshots as msgpack files, one per strategy.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore creates the store under dir.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(strategyID string) string {
	return filepath.Join(s.dir, strategyID+".snapshot")
}

// Write persists a strategy's final snapshot, replacing any previous one.
func (s *SnapshotStore) Write(snap FinalSnapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", snap.Record.ID, err)
	}

	tmp := s.path(snap.Record.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", snap.Record.ID, err)
	}
	return os.Rename(tmp, s.path(snap.Record.ID))
}

// Read loads a strategy's final snapshot.
func (s *SnapshotStore) Read(strategyID string) (FinalSnapshot, error) {
	data, err := os.ReadFile(s.path(strategyID))
	if err != nil {
		return FinalSnapshot{}, fmt.Errorf("failed to read snapshot for %s: %w", strategyID, err)
	}
	var snap FinalSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return FinalSnapshot{}, fmt.Errorf("failed to decode snapshot for %s: %w", strategyID, err)
	}
	return snap, nil
}
