package aggregation

import "ciphernode/internal/events"

// Snapshot is an aggregator's persistable state for crash recovery.
type Snapshot struct {
	State  State          // State is the lifecycle phase at checkpoint time
	Result []byte         // Result is set when State is StateDone
	Reason string         // Reason is set when State is StateFailed
	Shares []events.Share // Shares are the accepted contributions
}

// Snapshot captures the aggregator's current state. Shares are returned in
// node id order so checkpoints are byte-stable.
func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		State:  a.state,
		Result: a.result,
		Reason: a.reason,
		Shares: a.orderedShares(),
	}
}

// Restore rebuilds the aggregator from a checkpoint. A snapshot taken while
// Combining re-issues the compute request, since the original in-flight job
// did not survive the restart; replaying it is safe because responses are
// correlated by request id and op.
func (a *Aggregator) Restore(s Snapshot) {
	a.state = s.State
	a.result = s.Result
	a.reason = s.Reason
	a.shares = make(map[events.NodeID]events.Share, len(s.Shares))

	for _, sh := range s.Shares {
		if a.members[sh.NodeID] {
			a.shares[sh.NodeID] = sh
		}
	}

	if a.state == StateCombining {
		a.beginCombining()
	}
}
