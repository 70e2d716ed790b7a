package router

import (
	"time"

	"ciphernode/internal/aggregation"
	"ciphernode/internal/compute"
	"ciphernode/internal/events"
	"ciphernode/internal/logger"
	"ciphernode/internal/sortition"
)

// Context is the live state of one request: its committee, its deadline
// and the two aggregators covering the public key and decryption phases.
//
// A Context has no lock. The router applies every share, compute response
// and expiry from a single dispatch loop, so each request's transitions
// are serialized.
type Context struct {
	id        events.RequestID
	committee sortition.Committee
	deadline  time.Time

	pubkey  *aggregation.Aggregator // pubkey collects key shares
	decrypt *aggregation.Aggregator // decrypt collects decryption shares
}

// newContext creates a request context with fresh aggregators.
func newContext(committee sortition.Committee, deadline time.Time, pool aggregation.ComputeSubmitter, bus aggregation.Publisher) *Context {
	return &Context{
		id:        committee.RequestID,
		committee: committee,
		deadline:  deadline,
		pubkey:    aggregation.New(committee, events.SharePublicKey, pool, bus),
		decrypt:   aggregation.New(committee, events.ShareDecryption, pool, bus),
	}
}

// submit routes a share to the aggregator for its kind.
func (c *Context) submit(sh events.Share) {
	switch sh.Kind {
	case events.SharePublicKey:
		c.pubkey.Submit(sh)
	case events.ShareDecryption:
		c.decrypt.Submit(sh)
	default:
		logger.Debug("share with unknown kind dropped",
			"request", c.id, "kind", sh.Kind)
	}
}

// onComputeResult routes a compute response to the aggregator that
// issued it, matched by operation.
func (c *Context) onComputeResult(resp compute.Response) {
	var agg *aggregation.Aggregator

	switch resp.Op {
	case compute.OpAggregatePublicKeys:
		agg = c.pubkey
	case compute.OpReconstructPlaintext:
		agg = c.decrypt
	default:
		logger.Debug("compute response with unknown op dropped",
			"request", c.id, "op", resp.Op)
		return
	}

	if resp.Err != nil {
		agg.OnComputeFailure(resp.Err)
		return
	}

	agg.OnComputeSuccess(resp.Result)
}

// expire marks both aggregators failed.
func (c *Context) expire() {
	c.pubkey.Expire()
	c.decrypt.Expire()
}

// terminal reports whether the request needs no further input: either
// phase failed, or both phases completed.
func (c *Context) terminal() bool {
	if c.pubkey.State() == aggregation.StateFailed || c.decrypt.State() == aggregation.StateFailed {
		return true
	}

	return c.pubkey.State() == aggregation.StateDone && c.decrypt.State() == aggregation.StateDone
}
