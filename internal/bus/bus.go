// Package bus provides the in-process event dispatcher every component
// communicates through. It is an explicit instance wired at startup, never
// a package-level global.
package bus

import (
	"sync"
	"sync/atomic"

	"ciphernode/internal/events"
	"ciphernode/internal/logger"
)

const (
	// defaultBuffer is the per-subscriber channel buffer size.
	defaultBuffer = 1024
)

// Bus is a multi-producer, multi-consumer publish-subscribe dispatcher.
// Publishes are append-only broadcasts: every subscriber registered for an
// event's kind receives its own copy, and a slow subscriber never blocks
// publishers (overflowing deliveries are dropped and counted).
type Bus struct {
	mu      sync.RWMutex
	subs    map[events.Kind][]*subscriber // subs maps event kind to subscribers
	closed  bool
	dropped atomic.Uint64 // dropped counts deliveries lost to full buffers
}

// subscriber is one registered consumer channel.
type subscriber struct {
	ch   chan events.Event
	once sync.Once // once guards channel close
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[events.Kind][]*subscriber),
	}
}

// Subscribe registers a new consumer for the given event kinds and returns
// its delivery channel. The channel is closed when the bus shuts down.
func (b *Bus) Subscribe(kinds ...events.Kind) <-chan events.Event {
	sub := &subscriber{ch: make(chan events.Event, defaultBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.close()
		return sub.ch
	}

	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], sub)
	}

	return sub.ch
}

// Publish delivers the event to every subscriber of its kind.
// Delivery is non-blocking: a full subscriber buffer drops the event for
// that subscriber only.
func (b *Bus) Publish(ev events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[ev.EventKind()] {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			logger.Debug("bus delivery dropped", "kind", ev.EventKind(), "dropped", b.dropped.Load())
		}
	}
}

// Dropped returns the total number of deliveries lost to full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels.
// Publishes after Close are silent no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}

	b.subs = make(map[events.Kind][]*subscriber)
}

// close closes the subscriber channel exactly once.
// A subscriber registered for several kinds appears in several lists.
func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}
