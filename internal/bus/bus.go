package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/agent-town/internal/metrics"
	"github.com/haricheung/agent-town/internal/types"
)

const (
	subscriberBufSize = 256
	tapBufSize        = 1024
)

// Bus carries operation messages between the simulation loop and its detached
// workers. The Auditor receives a read-only tap of every message published.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan types.Message
	tapCh       chan types.Message
	metrics     *metrics.Metrics
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.MessageType][]chan types.Message),
		tapCh:       make(chan types.Message, tapBufSize),
	}
}

// WithMetrics counts dropped messages on m. Call before the first Publish.
func (b *Bus) WithMetrics(m *metrics.Metrics) *Bus {
	b.metrics = m
	return b
}

func (b *Bus) dropped(channel string, t types.MessageType) {
	if b.metrics != nil {
		b.metrics.BusDropped.WithLabelValues(channel, string(t)).Inc()
	}
}

// Publish fans out msg to all subscribers of msg.Type and to the tap channel.
// ID and Timestamp are filled in when missing.
// Non-blocking: if a subscriber's channel is full, the message is dropped with
// a warning. A dropped finish input leaves its operation pending until the
// lease sweeper reaps it.
func (b *Bus) Publish(msg types.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("[BUS] subscriber channel full, message dropped", "type", msg.Type, "from", msg.From, "operation", msg.OperationID)
			b.dropped("subscriber", msg.Type)
		}
	}

	select {
	case b.tapCh <- msg:
	default:
		slog.Warn("[BUS] tap channel full, audit message dropped", "type", msg.Type)
		b.dropped("tap", msg.Type)
	}
}

// Subscribe returns a receive-only channel that delivers messages of type t.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(t types.MessageType) <-chan types.Message {
	return b.SubscribeMany(t)
}

// SubscribeMany returns one channel that delivers messages of any of the given
// types in publish order.
//
// Expectations:
//   - A message of any listed type is delivered exactly once on the returned channel
//   - Relative publish order is preserved across the listed types
//   - Types not listed are not delivered
func (b *Bus) SubscribeMany(ts ...types.MessageType) <-chan types.Message {
	ch := make(chan types.Message, subscriberBufSize)
	b.mu.Lock()
	for _, t := range ts {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe or
// SubscribeMany. The channel is not closed.
func (b *Bus) Unsubscribe(ch <-chan types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subscribers {
		var kept []chan types.Message // Publish may still range over subs
		for _, s := range subs {
			if (<-chan types.Message)(s) != ch {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subscribers, t)
		} else {
			b.subscribers[t] = kept
		}
	}
}

// Tap returns the read-only tap channel for the Auditor.
// Only one consumer should call this; calling it multiple times returns the same channel.
func (b *Bus) Tap() <-chan types.Message {
	return b.tapCh
}
