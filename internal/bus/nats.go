package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/haricheung/agent-town/internal/types"
)

// Bridge mirrors finish inputs between the local Bus and a NATS subject so
// workers running in another process can submit results to this simulation
// loop. Messages carry an origin tag; a bridge never re-ingests its own
// publications.
type Bridge struct {
	nc      *nats.Conn
	b       *Bus
	subject string
	origin  string

	mu      sync.Mutex
	subs    []*nats.Subscription
	local   <-chan types.Message
	stopped chan struct{} // closed when the forwarding goroutine returns

	done      chan struct{}
	closeOnce sync.Once

	ingested sync.Map // message id → struct{}; remote messages are never forwarded back
}

// wireMessage is the NATS encoding of a bus message.
type wireMessage struct {
	Origin  string        `json:"origin"`
	Message types.Message `json:"message"`
}

// Dial connects to url and returns a Bridge publishing on "<prefix>.<worldID>.inputs".
func Dial(url, prefix, worldID, origin string, b *Bus) (*Bridge, error) {
	nc, err := nats.Connect(url, nats.Name("agtown-"+origin))
	if err != nil {
		return nil, fmt.Errorf("bus: connect nats %s: %w", url, err)
	}
	return newBridge(nc, b, Subject(prefix, worldID), origin), nil
}

func newBridge(nc *nats.Conn, b *Bus, subject, origin string) *Bridge {
	return &Bridge{nc: nc, b: b, subject: subject, origin: origin, done: make(chan struct{})}
}

// Subject returns the NATS subject carrying one world's inputs.
func Subject(prefix, worldID string) string {
	if prefix == "" {
		prefix = "agtown"
	}
	return prefix + "." + worldID + ".inputs"
}

// Start forwards locally published finish inputs to NATS and ingests remote
// ones into the local bus.
func (br *Bridge) Start() error {
	br.startForwarding(func(data []byte) error { return br.nc.Publish(br.subject, data) })

	sub, err := br.nc.Subscribe(br.subject, func(m *nats.Msg) {
		origin, msg, err := decodeWire(m.Data)
		if err != nil {
			slog.Warn("[BUS] nats decode failed", "subject", m.Subject, "error", err)
			return
		}
		if origin == br.origin {
			return
		}
		br.ingested.Store(msg.ID, struct{}{})
		br.b.Publish(msg)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", br.subject, err)
	}
	br.mu.Lock()
	br.subs = append(br.subs, sub)
	br.mu.Unlock()
	slog.Info("[BUS] nats bridge started", "subject", br.subject, "origin", br.origin)
	return nil
}

// startForwarding subscribes to local finish inputs and hands every one that
// did not come from NATS to publish, until Close.
func (br *Bridge) startForwarding(publish func([]byte) error) {
	local := br.b.SubscribeMany(types.FinishTypes...)
	stopped := make(chan struct{})
	br.mu.Lock()
	br.local, br.stopped = local, stopped
	br.mu.Unlock()

	go func() {
		defer close(stopped)
		for {
			var msg types.Message
			select {
			case <-br.done:
				return
			case msg = <-local:
			}
			if _, remote := br.ingested.LoadAndDelete(msg.ID); remote {
				continue
			}
			data, err := encodeWire(br.origin, msg)
			if err != nil {
				slog.Warn("[BUS] nats encode failed", "type", msg.Type, "error", err)
				continue
			}
			if err := publish(data); err != nil {
				slog.Warn("[BUS] nats publish failed", "subject", br.subject, "error", err)
			}
		}
	}()
}

// Close stops forwarding, unsubscribes and drains the connection. It waits
// for the forwarding goroutine and is safe to call more than once.
func (br *Bridge) Close() {
	br.closeOnce.Do(func() { close(br.done) })

	br.mu.Lock()
	for _, s := range br.subs {
		_ = s.Unsubscribe()
	}
	br.subs = nil
	local, stopped := br.local, br.stopped
	br.local = nil
	br.mu.Unlock()

	if local != nil {
		br.b.Unsubscribe(local)
	}
	if stopped != nil {
		<-stopped
	}
	if br.nc != nil && !br.nc.IsClosed() {
		if err := br.nc.Drain(); err != nil {
			slog.Warn("[BUS] nats drain", "error", err)
		}
	}
}

func encodeWire(origin string, msg types.Message) ([]byte, error) {
	return json.Marshal(wireMessage{Origin: origin, Message: msg})
}

// decodeWire rejects finish inputs without an operation id: they could never
// be correlated.
func decodeWire(data []byte) (string, types.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return "", types.Message{}, err
	}
	if types.IsFinish(w.Message.Type) && w.Message.OperationID == "" {
		return "", types.Message{}, fmt.Errorf("finish input %s without operation id", w.Message.Type)
	}
	return w.Origin, w.Message, nil
}
