// Package market implements the data manager: one bar buffer per
// (provider, symbol, granularity), seeded from historical fetches and kept
// current by realtime feeds. Buffers are shared across strategies; the
// manager owns the provider pool, not the runners.
package market

import (
	"sync"
	"time"

	"github.com/stratequeue/stratequeue/internal/domain"
)

// AppendResult describes what the buffer did with an offered bar.
type AppendResult int

const (
	// Appended means the bar extended the tail.
	Appended AppendResult = iota
	// Replaced means a canonical close replaced the in-progress tail bar.
	Replaced
	// DroppedDuplicate means a bar with the tail's timestamp was dropped.
	DroppedDuplicate
	// RejectedOutOfOrder means the bar was older than the tail.
	RejectedOutOfOrder
)

// BarBuffer is an ordered, capacity-bounded sequence of bars. Single writer
// (the feed task), many readers. Readers receive stable snapshots: the
// writer never mutates an array a reader can hold, so a snapshot slice stays
// consistent without further locking.
type BarBuffer struct {
	mu       sync.RWMutex
	bars     []domain.Bar
	capacity int
}

// NewBarBuffer creates a buffer holding at most capacity bars.
func NewBarBuffer(capacity int) *BarBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &BarBuffer{capacity: capacity}
}

// EnsureCapacity grows the buffer's capacity to at least n. Capacity never
// shrinks: a later subscriber with a smaller lookback shares the larger
// buffer.
func (b *BarBuffer) EnsureCapacity(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.capacity {
		b.capacity = n
	}
}

// Capacity returns the current capacity.
func (b *BarBuffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity
}

// Len returns the number of buffered bars.
func (b *BarBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bars)
}

// Append offers a bar to the buffer.
//
// Bars must arrive in timestamp order: a bar older than the tail is
// rejected, a bar equal to the tail replaces it only when flagged canonical
// (otherwise dropped as a duplicate). Timestamps are strictly increasing
// within the buffer. The oldest bar is evicted once capacity is exceeded.
func (b *BarBuffer) Append(bar domain.Bar) AppendResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.bars)
	if n > 0 {
		tail := b.bars[n-1]
		if bar.Timestamp.Before(tail.Timestamp) {
			return RejectedOutOfOrder
		}
		if bar.Timestamp.Equal(tail.Timestamp) {
			if !bar.Canonical {
				return DroppedDuplicate
			}
			// Copy before replacing so held snapshots stay stable.
			replaced := make([]domain.Bar, n)
			copy(replaced, b.bars)
			replaced[n-1] = bar
			b.bars = replaced
			return Replaced
		}
	}

	b.bars = append(b.bars, bar)
	if len(b.bars) > b.capacity {
		b.bars = b.bars[len(b.bars)-b.capacity:]
	}
	return Appended
}

// Snapshot returns the most recent lookback bars, oldest first, or
// domain.ErrNotReady while fewer bars are buffered. The returned slice is
// immutable.
func (b *BarBuffer) Snapshot(lookback int) ([]domain.Bar, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bars) < lookback {
		return nil, domain.ErrNotReady
	}
	return b.bars[len(b.bars)-lookback:], nil
}

// All returns every buffered bar, oldest first.
func (b *BarBuffer) All() []domain.Bar {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bars
}

// LastTimestamp returns the tail bar's timestamp, or the zero time when
// empty.
func (b *BarBuffer) LastTimestamp() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bars) == 0 {
		return time.Time{}
	}
	return b.bars[len(b.bars)-1].Timestamp
}
