package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	all := bus.Subscribe(10)
	fillsOnly := bus.Subscribe(10, FillApplied)
	defer all.Close()
	defer fillsOnly.Close()

	bus.Emit(Event{Type: FillApplied, StrategyID: "s1"})
	bus.Emit(Event{Type: MarkPrice, StrategyID: "s1"})

	evt := <-all.C
	assert.Equal(t, FillApplied, evt.Type)
	evt = <-all.C
	assert.Equal(t, MarkPrice, evt.Type)

	evt = <-fillsOnly.C
	assert.Equal(t, FillApplied, evt.Type)
	select {
	case evt = <-fillsOnly.C:
		t.Fatalf("filtered subscriber received %s", evt.Type)
	default:
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(1, MarkPrice)
	defer sub.Close()

	bus.Emit(Event{Type: MarkPrice})
	bus.Emit(Event{Type: MarkPrice}) // dropped, must not block

	<-sub.C
	select {
	case <-sub.C:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close() // must not panic

	// Emitting after close must not panic either.
	bus.Emit(Event{Type: FillApplied})

	_, open := <-sub.C
	assert.False(t, open)
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(1)
	defer sub.Close()

	before := time.Now()
	bus.Emit(Event{Type: RunnerError})

	evt := <-sub.C
	require.False(t, evt.Timestamp.IsZero())
	assert.False(t, evt.Timestamp.Before(before.Add(-time.Second)))
}
