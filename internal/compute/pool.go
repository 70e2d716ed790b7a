// Package compute executes the CPU-heavy cryptographic combinations on a
// worker pool, keeping the orchestration layer responsive. Work arrives as
// asynchronous requests and leaves as responses on a channel; callers never
// block on the combination itself.
package compute

import (
	"errors"
	"fmt"
	"sync"

	"ciphernode/internal/events"
	"ciphernode/internal/logger"
)

const (
	// defaultQueueSize is the job and result channel buffer size.
	defaultQueueSize = 1024
)

var (
	// ErrUnknownOp is returned for an op kind the pool cannot execute.
	ErrUnknownOp = errors.New("unknown compute op")

	// ErrAlreadyInFlight is returned when a combination for the same
	// request and op is already executing.
	ErrAlreadyInFlight = errors.New("combination already in flight")

	// ErrQueueFull is returned when the job queue cannot accept more work.
	ErrQueueFull = errors.New("compute queue full")

	// ErrClosed is returned when submitting to a closed pool.
	ErrClosed = errors.New("compute pool closed")
)

// Op selects the combination a request executes.
type Op byte

const (
	// OpAggregatePublicKeys combines public key shares into a committee key.
	OpAggregatePublicKeys Op = 0x01

	// OpReconstructPlaintext reconstructs a plaintext from decryption shares.
	OpReconstructPlaintext Op = 0x02
)

// String returns the op name.
func (o Op) String() string {
	switch o {
	case OpAggregatePublicKeys:
		return "aggregate-publickeys"
	case OpReconstructPlaintext:
		return "reconstruct-plaintext"
	default:
		return "unknown"
	}
}

// Request is one combination job.
type Request struct {
	RequestID events.RequestID // RequestID correlates the response
	Op        Op               // Op is the combination to run
	Shares    []events.Share   // Shares are the collected contributions
}

// Response is the outcome of one combination job.
type Response struct {
	RequestID events.RequestID // RequestID correlates with the request
	Op        Op               // Op is the combination that ran
	Result    []byte           // Result is the combined output on success
	Err       error            // Err is set on failure
}

// inflightKey identifies one combination in progress.
type inflightKey struct {
	id events.RequestID
	op Op
}

// Pool runs combinations on a fixed set of worker goroutines.
type Pool struct {
	jobs    chan Request
	results chan Response

	inflight map[inflightKey]bool // inflight guards one combination per (request, op)
	mu       sync.Mutex           // mu protects inflight and closed
	closed   bool

	wg sync.WaitGroup
}

// NewPool creates a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		jobs:     make(chan Request, defaultQueueSize),
		results:  make(chan Response, defaultQueueSize),
		inflight: make(map[inflightKey]bool),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit enqueues one combination job. At most one job per (request, op)
// pair may be in flight; a second submission is rejected until the first
// completes.
func (p *Pool) Submit(req Request) error {
	key := inflightKey{id: req.RequestID, op: req.Op}

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	if p.inflight[key] {
		p.mu.Unlock()
		return fmt.Errorf("%w: request %s op %s", ErrAlreadyInFlight, req.RequestID, req.Op)
	}

	p.inflight[key] = true
	p.mu.Unlock()

	select {
	case p.jobs <- req:
		return nil
	default:
		p.clearInflight(key)
		return ErrQueueFull
	}
}

// Results returns the channel combination outcomes are delivered on.
func (p *Pool) Results() <-chan Response {
	return p.results
}

// Close stops accepting work, waits for running jobs, and closes the
// results channel.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}

// worker executes jobs until the job channel closes.
func (p *Pool) worker() {
	defer p.wg.Done()

	for req := range p.jobs {
		resp := p.execute(req)
		p.clearInflight(inflightKey{id: req.RequestID, op: req.Op})
		p.results <- resp
	}
}

// execute runs one combination. Op matching is exhaustive; an unknown op is
// a failed response, never a dropped job.
func (p *Pool) execute(req Request) Response {
	resp := Response{RequestID: req.RequestID, Op: req.Op}

	payloads := make([][]byte, len(req.Shares))
	for i, sh := range req.Shares {
		payloads[i] = sh.Payload
	}

	switch req.Op {
	case OpAggregatePublicKeys:
		resp.Result, resp.Err = CombinePublicKeys(payloads)
	case OpReconstructPlaintext:
		resp.Result, resp.Err = ReconstructSecret(payloads)
	default:
		resp.Err = fmt.Errorf("%w: 0x%02x", ErrUnknownOp, byte(req.Op))
	}

	if resp.Err != nil {
		logger.Warn("combination failed",
			"request", req.RequestID,
			"op", req.Op,
			"shares", len(req.Shares),
			"error", resp.Err,
		)
	}

	return resp
}

// clearInflight releases the in-flight slot for a finished job.
func (p *Pool) clearInflight(key inflightKey) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}
