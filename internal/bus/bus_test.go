package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haricheung/agent-town/internal/metrics"
	"github.com/haricheung/agent-town/internal/types"
)

func recv(t *testing.T, ch <-chan types.Message) types.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return types.Message{}
}

// --- Publish ---

func TestPublish_FillsIDAndTimestamp(t *testing.T) {
	// ID and Timestamp are filled in when missing
	b := New()
	ch := b.Subscribe(types.MsgFinishPlanning)
	b.Publish(types.Message{Type: types.MsgFinishPlanning, OperationID: "op1"})
	m := recv(t, ch)
	if m.ID == "" {
		t.Error("expected generated message id")
	}
	if m.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if m.OperationID != "op1" {
		t.Errorf("operation = %q, want %q", m.OperationID, "op1")
	}
}

func TestPublish_AlsoFeedsTap(t *testing.T) {
	// Every published message reaches the tap channel, even without subscribers
	b := New()
	b.Publish(types.Message{Type: types.MsgOperationStarted})
	m := recv(t, b.Tap())
	if m.Type != types.MsgOperationStarted {
		t.Errorf("tap type = %q, want %q", m.Type, types.MsgOperationStarted)
	}
}

func TestPublish_FullSubscriberDropsWithoutBlocking(t *testing.T) {
	// Non-blocking: a full subscriber channel drops the message instead of stalling
	m := metrics.Nop()
	b := New().WithMetrics(m)
	_ = b.Subscribe(types.MsgFinishDoSomething)
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufSize+10; i++ {
			b.Publish(types.Message{Type: types.MsgFinishDoSomething})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := testutil.ToFloat64(m.BusDropped.WithLabelValues("subscriber", string(types.MsgFinishDoSomething))); got != 10 {
		t.Errorf("dropped = %v, want 10", got)
	}
	if got := testutil.CollectAndCount(m.BusDropped); got != 1 {
		t.Errorf("dropped series = %d, want only the subscriber series", got)
	}
}

// --- SubscribeMany ---

func TestSubscribeMany_PreservesOrderAcrossTypes(t *testing.T) {
	// Relative publish order is preserved across the listed types
	b := New()
	ch := b.SubscribeMany(types.FinishTypes...)
	b.Publish(types.Message{Type: types.MsgFinishPlanning, OperationID: "a"})
	b.Publish(types.Message{Type: types.MsgFinishDoSomething, OperationID: "b"})
	b.Publish(types.Message{Type: types.MsgFinishRememberConversation, OperationID: "c"})
	for _, want := range []string{"a", "b", "c"} {
		if got := recv(t, ch).OperationID; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestSubscribeMany_IgnoresUnlistedTypes(t *testing.T) {
	// Types not listed are not delivered
	b := New()
	ch := b.SubscribeMany(types.MsgFinishPlanning)
	b.Publish(types.Message{Type: types.MsgOperationStarted})
	select {
	case m := <-ch:
		t.Errorf("unexpected delivery of %q", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	// An unsubscribed channel receives nothing; other subscribers are unaffected
	b := New()
	gone := b.SubscribeMany(types.MsgFinishDoSomething, types.MsgFinishPlanning)
	kept := b.Subscribe(types.MsgFinishDoSomething)
	b.Unsubscribe(gone)

	b.Publish(types.Message{Type: types.MsgFinishDoSomething, OperationID: "op1"})
	b.Publish(types.Message{Type: types.MsgFinishPlanning, OperationID: "op2"})
	if got := len(gone); got != 0 {
		t.Errorf("unsubscribed channel holds %d messages, want 0", got)
	}
	if got := len(kept); got != 1 {
		t.Errorf("remaining subscriber holds %d messages, want 1", got)
	}
}

// --- NATS bridge ---

func TestBridge_CloseStopsForwarding(t *testing.T) {
	// Close ends the forwarding goroutine and detaches it from the bus
	b := New()
	br := newBridge(nil, b, Subject("", "w1"), "sim")
	var mu sync.Mutex
	var sent [][]byte
	br.startForwarding(func(data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, data)
		return nil
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(sent)
	}

	b.Publish(types.Message{Type: types.MsgFinishDoSomething, OperationID: "op1"})
	deadline := time.Now().Add(time.Second)
	for count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count() != 1 {
		t.Fatalf("forwarded %d messages, want 1", count())
	}

	br.Close()
	select {
	case <-br.stopped:
	default:
		t.Fatal("forwarding goroutine still running after Close")
	}
	b.mu.RLock()
	subs := len(b.subscribers[types.MsgFinishDoSomething])
	b.mu.RUnlock()
	if subs != 0 {
		t.Errorf("bridge still subscribed %d times", subs)
	}

	b.Publish(types.Message{Type: types.MsgFinishDoSomething, OperationID: "op2"})
	if count() != 1 {
		t.Errorf("forwarded %d messages after Close, want 1", count())
	}
	br.Close()
}

func TestBridge_SkipsIngestedMessages(t *testing.T) {
	// A message that arrived from NATS is not echoed back
	b := New()
	br := newBridge(nil, b, Subject("", "w1"), "sim")
	out := make(chan []byte, 4)
	br.startForwarding(func(data []byte) error { out <- data; return nil })
	defer br.Close()

	br.ingested.Store("remote-1", struct{}{})
	b.Publish(types.Message{ID: "remote-1", Type: types.MsgFinishDoSomething, OperationID: "op1"})
	b.Publish(types.Message{ID: "local-1", Type: types.MsgFinishDoSomething, OperationID: "op2"})

	select {
	case data := <-out:
		_, msg, err := decodeWire(data)
		if err != nil {
			t.Fatal(err)
		}
		if msg.ID != "local-1" {
			t.Errorf("forwarded %q, want local-1", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("nothing forwarded")
	}
}

// --- wire encoding ---

func TestDecodeWire_RejectsFinishWithoutOperation(t *testing.T) {
	// A finish input without an operation id can never be correlated and is rejected
	data, err := encodeWire("w1", types.Message{Type: types.MsgFinishDoSomething})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := decodeWire(data); err == nil {
		t.Error("expected error for finish input without operation id")
	}
}

func TestDecodeWire_KeepsOriginAndFinishPayload(t *testing.T) {
	// Origin survives the wire and the payload decodes back into FinishArgs
	msg := types.Message{
		Type:        types.MsgFinishDoSomething,
		OperationID: "op9",
		Payload:     types.FinishArgs{Invitee: "Lucky"},
	}
	data, err := encodeWire("worker-2", msg)
	if err != nil {
		t.Fatal(err)
	}
	origin, got, err := decodeWire(data)
	if err != nil {
		t.Fatal(err)
	}
	if origin != "worker-2" {
		t.Errorf("origin = %q, want %q", origin, "worker-2")
	}
	fa, err := types.DecodeFinish(got.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if fa.Invitee != "Lucky" {
		t.Errorf("invitee = %q, want %q", fa.Invitee, "Lucky")
	}
}

func TestSubject_DefaultsPrefix(t *testing.T) {
	// An empty prefix falls back to "agtown"
	if got := Subject("", "w1"); got != "agtown.w1.inputs" {
		t.Errorf("got %q, want %q", got, "agtown.w1.inputs")
	}
}
