package network

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"ciphernode/internal/events"
)

// newTestTransport starts a transport on a random localhost port.
func newTestTransport(t *testing.T) *Transport {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	tr, err := NewTransport(Config{
		Identity:   priv,
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	t.Cleanup(func() { tr.Close() })

	return tr
}

// collector records delivered events.
type collector struct {
	mu   sync.Mutex
	got  []events.Event
	from []events.NodeID
}

func (c *collector) handle(from events.NodeID, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.got = append(c.got, ev)
	c.from = append(c.from, from)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.got)
}

// waitCount polls until the collector holds n events.
func waitCount(t *testing.T, c *collector, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("collector has %d events, want %d", c.count(), n)
}

// TestConnectAndDeliver verifies an event crosses a real QUIC connection
// and arrives decoded with the sender's identity.
func TestConnectAndDeliver(t *testing.T) {
	a := newTestTransport(t)
	b := newTestTransport(t)

	var rx collector
	b.OnEvent(rx.handle)

	peerID, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if peerID != b.LocalID() {
		t.Errorf("connected peer id %s, want %s", peerID, b.LocalID())
	}

	ev := events.RequestFailed{RequestID: events.RequestID{0x01}, Reason: "test"}

	if err := a.BroadcastEvent(ev); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitCount(t, &rx, 1)

	got, ok := rx.got[0].(events.RequestFailed)
	if !ok {
		t.Fatalf("got %T", rx.got[0])
	}

	if got.RequestID != ev.RequestID || got.Reason != ev.Reason {
		t.Errorf("delivered %+v", got)
	}

	if rx.from[0] != a.LocalID() {
		t.Errorf("sender id %s, want %s", rx.from[0], a.LocalID())
	}
}

// TestDuplicateFramesFiltered verifies a frame sent twice is delivered
// once.
func TestDuplicateFramesFiltered(t *testing.T) {
	a := newTestTransport(t)
	b := newTestTransport(t)

	var rx collector
	b.OnEvent(rx.handle)

	if _, err := a.Connect(b.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ev := events.RequestExpired{RequestID: events.RequestID{0x02}, Reason: "idle"}

	for i := 0; i < 3; i++ {
		if err := a.BroadcastEvent(ev); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}

	waitCount(t, &rx, 1)
	time.Sleep(100 * time.Millisecond)

	if n := rx.count(); n != 1 {
		t.Errorf("delivered %d times", n)
	}
}

// TestGossipBeforeStart verifies sending through an unstarted transport
// fails cleanly.
func TestGossipBeforeStart(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	tr, err := NewTransport(Config{Identity: priv, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	err = tr.GossipEvent(events.RequestFailed{RequestID: events.RequestID{0x03}, Reason: "x"})
	if err == nil {
		t.Error("send before start succeeded")
	}
}

// TestSeenCache covers the dedup filter directly.
func TestSeenCache(t *testing.T) {
	c := newSeenCache()
	defer c.close()

	frame := []byte("frame")

	if !c.check(frame) {
		t.Error("first sighting reported as duplicate")
	}

	if c.check(frame) {
		t.Error("second sighting reported as new")
	}

	other := []byte("other")
	c.mark(other)

	if c.check(other) {
		t.Error("marked frame reported as new")
	}
}

// BenchmarkSeenCacheCheck measures the dedup hot path.
func BenchmarkSeenCacheCheck(b *testing.B) {
	c := newSeenCache()
	defer c.close()

	frame := make([]byte, 256)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		frame[0] = byte(i)
		c.check(frame)
	}
}
