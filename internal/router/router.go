// Package router owns the request lifecycle. It watches the event bus
// for new requests and incoming shares, selects a committee per request,
// dispatches shares to the right aggregator, routes compute responses
// back, enforces deadlines and checkpoints live requests for crash
// recovery.
package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"ciphernode/internal/compute"
	"ciphernode/internal/events"
	"ciphernode/internal/logger"
	"ciphernode/internal/sortition"
)

const (
	// defaultLifetime is how long a request may stay live.
	defaultLifetime = 5 * time.Minute

	// defaultSweepInterval is how often deadlines are checked.
	defaultSweepInterval = time.Second
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("router already started")

// EventBus is the bus surface the router needs.
type EventBus interface {
	Subscribe(kinds ...events.Kind) <-chan events.Event
	Publish(ev events.Event)
}

// ComputePool issues combination jobs and streams their responses.
type ComputePool interface {
	Submit(compute.Request) error
	Results() <-chan compute.Response
}

// ShareVerifier authenticates incoming shares.
type ShareVerifier interface {
	VerifyShare(events.Share) error
}

// CandidateSource supplies the eligible node set when a request does not
// carry one.
type CandidateSource interface {
	Candidates() []events.Candidate
}

// CheckpointStore persists request checkpoints.
type CheckpointStore interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
}

// Config carries the router's collaborators and tuning.
type Config struct {
	Bus      EventBus        // Bus is the event bus (required)
	Pool     ComputePool     // Pool runs combination jobs (required)
	Store    CheckpointStore // Store persists checkpoints (optional)
	Verifier ShareVerifier   // Verifier authenticates shares (optional)
	Source   CandidateSource // Source supplies eligible nodes (optional)

	Lifetime      time.Duration // Lifetime is the per-request deadline
	SweepInterval time.Duration // SweepInterval is the expiry check period
}

// Router dispatches request lifecycle events to per-request contexts.
//
// A single dispatch loop applies bus events, compute responses and expiry
// sweeps, so every context sees its transitions in a serial order. The
// mutex only protects the context map against diagnostic readers.
type Router struct {
	cfg Config

	mu       sync.RWMutex
	contexts map[events.RequestID]*Context

	incoming <-chan events.Event
	stop     chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New creates a router. Zero durations fall back to defaults.
func New(cfg Config) *Router {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaultLifetime
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	return &Router{
		cfg:      cfg,
		contexts: make(map[events.RequestID]*Context),
		stop:     make(chan struct{}),
	}
}

// Start restores checkpointed requests, subscribes to the bus and
// launches the dispatch loop.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	if err := r.restore(); err != nil {
		return fmt.Errorf("restore checkpoints: %w", err)
	}

	r.incoming = r.cfg.Bus.Subscribe(
		events.KindRequestCreated,
		events.KindPublicKeyShare,
		events.KindDecryptionShare,
	)

	r.started = true
	r.wg.Add(1)
	go r.dispatchLoop()

	return nil
}

// Stop halts the dispatch loop and waits for it to drain.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()
}

// dispatchLoop is the router's single event loop.
func (r *Router) dispatchLoop() {
	defer r.wg.Done()

	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	results := r.cfg.Pool.Results()

	for {
		select {
		case ev, ok := <-r.incoming:
			if !ok {
				return
			}
			r.handleEvent(ev)

		case resp, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			r.handleResult(resp)

		case now := <-sweep.C:
			r.sweepDeadlines(now)

		case <-r.stop:
			return
		}
	}
}

// handleEvent applies one bus event.
func (r *Router) handleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.RequestCreated:
		r.handleCreated(e)
	case events.ShareSubmitted:
		r.handleShare(e.Share)
	default:
		logger.Debug("unexpected event on router subscription", "kind", ev.EventKind())
	}
}

// handleCreated selects a committee and opens a request context.
// Re-creating an existing request is a no-op.
func (r *Router) handleCreated(ev events.RequestCreated) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contexts[ev.RequestID]; ok {
		logger.Debug("request already live", "request", ev.RequestID)
		return
	}

	eligible := ev.Eligible
	if len(eligible) == 0 && r.cfg.Source != nil {
		eligible = r.cfg.Source.Candidates()
	}

	committee, err := sortition.SelectCommittee(ev.RequestID, ev.Seed, eligible, ev.Min, ev.Total)
	if err != nil {
		logger.Warn("committee selection failed", "request", ev.RequestID, "error", err)
		r.cfg.Bus.Publish(events.RequestFailed{
			RequestID: ev.RequestID,
			Reason:    fmt.Sprintf("committee selection: %v", err),
		})
		return
	}

	c := newContext(committee, time.Now().Add(r.cfg.Lifetime), r.cfg.Pool, r.cfg.Bus)
	r.contexts[ev.RequestID] = c
	r.persist(c)

	logger.Info("request opened",
		"request", ev.RequestID,
		"min", committee.Min,
		"total", committee.Total,
		"deadline", c.deadline.Format(time.RFC3339))
}

// handleShare authenticates a share and forwards it to its request.
func (r *Router) handleShare(sh events.Share) {
	if r.cfg.Verifier != nil {
		if err := r.cfg.Verifier.VerifyShare(sh); err != nil {
			logger.Warn("share rejected", "request", sh.RequestID, "node", sh.NodeID, "error", err)
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[sh.RequestID]
	if !ok {
		logger.Debug("share for unknown request dropped", "request", sh.RequestID)
		return
	}

	c.submit(sh)
	r.persist(c)
}

// handleResult forwards a compute response to its request.
func (r *Router) handleResult(resp compute.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[resp.RequestID]
	if !ok {
		logger.Debug("compute response for unknown request dropped", "request", resp.RequestID)
		return
	}

	c.onComputeResult(resp)
	r.persist(c)
}

// sweepDeadlines expires every live request past its deadline.
func (r *Router) sweepDeadlines(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.contexts {
		if now.Before(c.deadline) {
			continue
		}

		reason := fmt.Sprintf("publickey=%s decryption=%s",
			c.pubkey.State(), c.decrypt.State())

		logger.Warn("request expired", "request", id, "pending", reason)

		c.expire()
		r.cfg.Bus.Publish(events.RequestExpired{RequestID: id, Reason: reason})
		r.persist(c)
	}
}

// persist checkpoints a live context or, once it is terminal, drops it
// and its checkpoint. Callers hold the write lock.
func (r *Router) persist(c *Context) {
	if c.terminal() {
		delete(r.contexts, c.id)

		if r.cfg.Store != nil {
			if err := r.cfg.Store.Delete(checkpointKey(c.id)); err != nil {
				logger.Warn("delete checkpoint", "request", c.id, "error", err)
			}
		}

		return
	}

	if r.cfg.Store == nil {
		return
	}

	if err := r.cfg.Store.Set(checkpointKey(c.id), encodeCheckpoint(c)); err != nil {
		logger.Warn("write checkpoint", "request", c.id, "error", err)
	}
}

// restore reloads every checkpointed request. Corrupt checkpoints are
// logged and skipped rather than blocking startup.
func (r *Router) restore() error {
	if r.cfg.Store == nil {
		return nil
	}

	return r.cfg.Store.IteratePrefix([]byte(checkpointPrefix), func(key, value []byte) error {
		c, err := decodeCheckpoint(value, r.cfg.Pool, r.cfg.Bus)
		if err != nil {
			logger.Warn("skipping corrupt checkpoint", "key", fmt.Sprintf("%x", key), "error", err)
			return nil
		}

		r.contexts[c.id] = c

		logger.Info("request restored",
			"request", c.id,
			"publickey", c.pubkey.State(),
			"decryption", c.decrypt.State())

		return nil
	})
}

// Info is a diagnostic view of one live request.
type Info struct {
	RequestID        events.RequestID // RequestID identifies the request
	Committee        []events.NodeID  // Committee is the selected node set
	Min              int              // Min is the reconstruction threshold
	Deadline         time.Time        // Deadline is when the request expires
	PublicKeyState   string           // PublicKeyState is the key phase
	PublicKeyShares  int              // PublicKeyShares counts accepted key shares
	DecryptionState  string           // DecryptionState is the decryption phase
	DecryptionShares int              // DecryptionShares counts accepted decryption shares
}

// Active returns the ids of all live requests.
func (r *Router) Active() []events.RequestID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]events.RequestID, 0, len(r.contexts))
	for id := range r.contexts {
		out = append(out, id)
	}

	return out
}

// Lookup returns diagnostics for one live request.
func (r *Router) Lookup(id events.RequestID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contexts[id]
	if !ok {
		return Info{}, false
	}

	return Info{
		RequestID:        c.id,
		Committee:        append([]events.NodeID(nil), c.committee.Nodes...),
		Min:              c.committee.Min,
		Deadline:         c.deadline,
		PublicKeyState:   c.pubkey.State().String(),
		PublicKeyShares:  c.pubkey.ShareCount(),
		DecryptionState:  c.decrypt.State().String(),
		DecryptionShares: c.decrypt.ShareCount(),
	}, true
}
