// Package aggregation implements the per-request threshold share
// aggregators. One Aggregator collects contributions of a single share kind
// for a single request and, once enough distinct committee members have
// contributed, hands the combination to the compute pool.
package aggregation

import (
	"bytes"
	"fmt"
	"sort"

	"ciphernode/internal/compute"
	"ciphernode/internal/events"
	"ciphernode/internal/logger"
	"ciphernode/internal/sortition"
)

// State is an aggregator's lifecycle phase.
type State byte

const (
	// StateCollecting accepts shares until the threshold is met.
	StateCollecting State = iota

	// StateCombining waits for the compute pool's response.
	StateCombining

	// StateDone holds the combined result. Terminal.
	StateDone

	// StateFailed records a terminal failure.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateCombining:
		return "combining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReasonExpired marks requests that missed their deadline.
const ReasonExpired = "expired"

// ComputeSubmitter issues asynchronous combination jobs.
type ComputeSubmitter interface {
	Submit(compute.Request) error
}

// Publisher delivers result events to downstream consumers.
type Publisher interface {
	Publish(events.Event)
}

// Aggregator collects shares of one kind for one request.
//
// It holds no lock of its own: the owning request context serializes every
// call, which is what makes the threshold-crossing transition exactly-once.
type Aggregator struct {
	requestID events.RequestID
	kind      events.ShareKind
	op        compute.Op
	min       int

	members map[events.NodeID]bool         // members is the committee whitelist
	shares  map[events.NodeID]events.Share // shares are the accepted contributions

	state  State
	result []byte // result is set in StateDone
	reason string // reason is set in StateFailed

	pool ComputeSubmitter
	bus  Publisher
}

// New creates an aggregator for the given committee and share kind.
func New(committee sortition.Committee, kind events.ShareKind, pool ComputeSubmitter, bus Publisher) *Aggregator {
	op := compute.OpAggregatePublicKeys
	if kind == events.ShareDecryption {
		op = compute.OpReconstructPlaintext
	}

	members := make(map[events.NodeID]bool, len(committee.Nodes))
	for _, n := range committee.Nodes {
		members[n] = true
	}

	return &Aggregator{
		requestID: committee.RequestID,
		kind:      kind,
		op:        op,
		min:       committee.Min,
		members:   members,
		shares:    make(map[events.NodeID]events.Share),
		state:     StateCollecting,
		pool:      pool,
		bus:       bus,
	}
}

// Submit accepts one share. Shares for the wrong request or kind, from
// non-members, duplicates, and shares arriving after Collecting are all
// ignored; none of them is an error. Crossing the threshold transitions to
// Combining exactly once and issues the compute request.
func (a *Aggregator) Submit(sh events.Share) {
	if sh.RequestID != a.requestID || sh.Kind != a.kind {
		return
	}

	if a.state != StateCollecting {
		logger.Debug("share after collecting ignored",
			"request", a.requestID,
			"kind", a.kind,
			"node", sh.NodeID,
			"state", a.state,
		)
		return
	}

	if len(sh.Payload) == 0 {
		logger.Debug("empty share rejected", "request", a.requestID, "node", sh.NodeID)
		return
	}

	if !a.members[sh.NodeID] {
		logger.Debug("share from non-member dropped",
			"request", a.requestID,
			"kind", a.kind,
			"node", sh.NodeID,
		)
		return
	}

	// First write wins; duplicates never retrigger aggregation.
	if _, exists := a.shares[sh.NodeID]; exists {
		return
	}

	a.shares[sh.NodeID] = sh

	logger.Debug("share accepted",
		"request", a.requestID,
		"kind", a.kind,
		"node", sh.NodeID,
		"have", len(a.shares),
		"need", a.min,
	)

	if len(a.shares) >= a.min {
		a.beginCombining()
	}
}

// beginCombining transitions to Combining and issues the compute job.
func (a *Aggregator) beginCombining() {
	a.state = StateCombining

	if err := a.pool.Submit(compute.Request{
		RequestID: a.requestID,
		Op:        a.op,
		Shares:    a.orderedShares(),
	}); err != nil {
		a.fail(fmt.Sprintf("submit combination: %v", err))
		return
	}

	logger.Info("threshold reached, combining",
		"request", a.requestID,
		"kind", a.kind,
		"shares", len(a.shares),
	)
}

// orderedShares returns accepted shares sorted by node id so the compute
// input is independent of arrival order.
func (a *Aggregator) orderedShares() []events.Share {
	ordered := make([]events.Share, 0, len(a.shares))
	for _, sh := range a.shares {
		ordered = append(ordered, sh)
	}

	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i].NodeID[:], ordered[j].NodeID[:]) < 0
	})

	return ordered
}

// OnComputeSuccess completes the aggregation with the combined result and
// publishes it. Valid only while Combining; late responses after expiry
// are no-ops.
func (a *Aggregator) OnComputeSuccess(result []byte) {
	if a.state != StateCombining {
		logger.Debug("stale compute success ignored",
			"request", a.requestID,
			"kind", a.kind,
			"state", a.state,
		)
		return
	}

	a.state = StateDone
	a.result = result

	switch a.kind {
	case events.ShareDecryption:
		a.bus.Publish(events.PlaintextAggregated{RequestID: a.requestID, Plaintext: result})
	default:
		a.bus.Publish(events.PublickeyAggregated{RequestID: a.requestID, CombinedKey: result})
	}

	logger.Info("aggregation complete",
		"request", a.requestID,
		"kind", a.kind,
		"result_bytes", len(result),
	)
}

// OnComputeFailure fails the aggregation terminally. The orchestration
// layer never retries a combination; retry policy belongs to the compute
// side.
func (a *Aggregator) OnComputeFailure(err error) {
	if a.state != StateCombining {
		logger.Debug("stale compute failure ignored",
			"request", a.requestID,
			"kind", a.kind,
			"state", a.state,
		)
		return
	}

	a.fail(fmt.Sprintf("combination failed: %v", err))
}

// Expire fails a non-terminal aggregation because its deadline elapsed.
// A compute response arriving afterwards is ignored.
func (a *Aggregator) Expire() {
	if a.state == StateDone || a.state == StateFailed {
		return
	}

	a.state = StateFailed
	a.reason = ReasonExpired
}

// fail records a terminal failure and publishes it.
func (a *Aggregator) fail(reason string) {
	a.state = StateFailed
	a.reason = reason

	a.bus.Publish(events.RequestFailed{
		RequestID: a.requestID,
		Reason:    fmt.Sprintf("%s aggregation: %s", a.kind, reason),
	})

	logger.Warn("aggregation failed",
		"request", a.requestID,
		"kind", a.kind,
		"reason", reason,
	)
}

// State returns the current lifecycle phase.
func (a *Aggregator) State() State {
	return a.state
}

// Terminal reports whether the aggregator reached Done or Failed.
func (a *Aggregator) Terminal() bool {
	return a.state == StateDone || a.state == StateFailed
}

// Result returns the combined output, valid in StateDone.
func (a *Aggregator) Result() []byte {
	return a.result
}

// Reason returns the failure description, valid in StateFailed.
func (a *Aggregator) Reason() string {
	return a.reason
}

// ShareCount returns the number of accepted shares.
func (a *Aggregator) ShareCount() int {
	return len(a.shares)
}

// Kind returns the share kind this aggregator collects.
func (a *Aggregator) Kind() events.ShareKind {
	return a.kind
}
