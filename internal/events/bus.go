// Package events provides the typed event bus connecting the runtime's
// components. Fills and mark prices flow from the order gateway and data
// manager to statistics through the bus, which keeps statistics a pure
// consumer: it never calls back into the portfolio or the runners.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of runtime event.
type EventType string

const (
	BarAppended           EventType = "BAR_APPENDED"
	SignalGenerated       EventType = "SIGNAL_GENERATED"
	OrderSubmitted        EventType = "ORDER_SUBMITTED"
	OrderRejected         EventType = "ORDER_REJECTED"
	OrderStateChanged     EventType = "ORDER_STATE_CHANGED"
	FillApplied           EventType = "FILL_APPLIED"
	MarkPrice             EventType = "MARK_PRICE"
	StrategyStatusChanged EventType = "STRATEGY_STATUS_CHANGED"
	RunnerError           EventType = "RUNNER_ERROR"
	FeedStale             EventType = "FEED_STALE"
	FeedReconnected       EventType = "FEED_RECONNECTED"
)

// Event is one runtime event. Data carries a type-specific payload (see
// event_data.go); consumers type-assert on Event.Type.
type Event struct {
	Type       EventType   `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	Module     string      `json:"module"`
	StrategyID string      `json:"strategy_id,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// Subscription is one consumer's buffered view of the bus. Events are
// dropped rather than blocking publishers when the buffer is full.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	types  map[EventType]bool // nil = all types
	bus    *Bus
	closed bool
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the process-wide publish/subscribe hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	log  zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		log:  log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a consumer for the given event types (all types when
// none are named). bufSize bounds the consumer's backlog.
func (b *Bus) Subscribe(bufSize int, types ...EventType) *Subscription {
	if bufSize <= 0 {
		bufSize = 100
	}

	sub := &Subscription{bus: b}
	sub.ch = make(chan Event, bufSize)
	sub.C = sub.ch
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}

// Emit publishes an event to every matching subscriber. Non-blocking: a
// subscriber whose buffer is full loses the event (logged at warn).
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn().
				Str("event_type", string(evt.Type)).
				Str("strategy_id", evt.StrategyID).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}
