package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// seenTTL is how long a frame hash stays in the cache. Gossip echoes
	// arrive within a few hops, so a short window is enough.
	seenTTL = 10 * time.Second

	// seenSweepInterval is how often expired hashes are cleared.
	seenSweepInterval = time.Second
)

// seenCache filters frames that already passed through this node. Frames
// are identified by their blake3 hash and expire after a TTL.
type seenCache struct {
	entries map[[32]byte]int64 // entries maps frame hash to unix nanos
	mu      sync.RWMutex
	ttl     int64
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newSeenCache() *seenCache {
	c := &seenCache{
		entries: make(map[[32]byte]int64),
		ttl:     int64(seenTTL),
		stop:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c
}

// check reports whether the frame is new, recording it if so.
func (c *seenCache) check(frame []byte) bool {
	hash := blake3.Sum256(frame)
	now := time.Now().UnixNano()

	c.mu.RLock()
	ts, exists := c.entries[hash]
	c.mu.RUnlock()

	if exists && now-ts < c.ttl {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Recheck under the write lock; another reader may have won.
	if ts, exists = c.entries[hash]; exists && now-ts < c.ttl {
		return false
	}

	c.entries[hash] = now

	return true
}

// mark records a frame without checking it, used for locally originated
// frames so their echoes are filtered.
func (c *seenCache) mark(frame []byte) {
	hash := blake3.Sum256(frame)

	c.mu.Lock()
	c.entries[hash] = time.Now().UnixNano()
	c.mu.Unlock()
}

func (c *seenCache) close() {
	close(c.stop)
	c.wg.Wait()
}

func (c *seenCache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(seenSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *seenCache) sweep() {
	now := time.Now().UnixNano()

	c.mu.Lock()
	for hash, ts := range c.entries {
		if now-ts >= c.ttl {
			delete(c.entries, hash)
		}
	}
	c.mu.Unlock()
}
