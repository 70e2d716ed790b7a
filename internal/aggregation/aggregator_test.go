package aggregation

import (
	"errors"
	"testing"

	"ciphernode/internal/compute"
	"ciphernode/internal/events"
	"ciphernode/internal/sortition"
)

// fakePool records compute submissions without executing them.
type fakePool struct {
	requests []compute.Request
	err      error // err, when set, is returned by Submit
}

func (f *fakePool) Submit(req compute.Request) error {
	if f.err != nil {
		return f.err
	}

	f.requests = append(f.requests, req)
	return nil
}

// fakeBus records published events.
type fakeBus struct {
	published []events.Event
}

func (f *fakeBus) Publish(ev events.Event) {
	f.published = append(f.published, ev)
}

// testCommittee builds a 3-node committee with threshold min.
func testCommittee(min int) sortition.Committee {
	c := sortition.Committee{Min: min, Total: 3}
	c.RequestID[0] = 0x01

	c.Nodes = make([]events.NodeID, 3)
	for i := range c.Nodes {
		c.Nodes[i][0] = byte(i + 1)
	}

	return c
}

// share builds a publickey share from the given committee member.
func share(c sortition.Committee, member int, payload byte) events.Share {
	return events.Share{
		RequestID: c.RequestID,
		NodeID:    c.Nodes[member],
		Kind:      events.SharePublicKey,
		Payload:   []byte{payload},
	}
}

// TestThresholdCrossing verifies no compute request fires below min
// distinct shares, and exactly one fires at min.
func TestThresholdCrossing(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(2)

	agg := New(c, events.SharePublicKey, pool, bus)

	agg.Submit(share(c, 0, 0xA0))

	if agg.State() != StateCollecting {
		t.Fatalf("state after 1 share = %s", agg.State())
	}

	if len(pool.requests) != 0 {
		t.Fatal("compute request issued below threshold")
	}

	agg.Submit(share(c, 1, 0xB0))

	if agg.State() != StateCombining {
		t.Fatalf("state after 2 shares = %s", agg.State())
	}

	if len(pool.requests) != 1 {
		t.Fatalf("compute requests = %d, want 1", len(pool.requests))
	}

	req := pool.requests[0]
	if req.Op != compute.OpAggregatePublicKeys || len(req.Shares) != 2 {
		t.Errorf("request op=%s shares=%d", req.Op, len(req.Shares))
	}

	// Third share is ignored; still one compute request.
	agg.Submit(share(c, 2, 0xC0))

	if len(pool.requests) != 1 {
		t.Errorf("late share retriggered aggregation")
	}
}

// TestDuplicateShareIgnored verifies first-write-wins per node id.
func TestDuplicateShareIgnored(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(2)

	agg := New(c, events.SharePublicKey, pool, bus)

	agg.Submit(share(c, 0, 0xA0))
	agg.Submit(share(c, 0, 0xA1)) // same node, different payload

	if agg.ShareCount() != 1 {
		t.Fatalf("share count = %d, want 1", agg.ShareCount())
	}

	if agg.State() != StateCollecting {
		t.Fatalf("duplicate advanced state to %s", agg.State())
	}

	// The original payload is retained.
	agg.Submit(share(c, 1, 0xB0))

	for _, sh := range pool.requests[0].Shares {
		if sh.NodeID == c.Nodes[0] && sh.Payload[0] != 0xA0 {
			t.Error("duplicate overwrote original share")
		}
	}
}

// TestNonMemberShareDropped verifies shares from outside the committee are
// never stored.
func TestNonMemberShareDropped(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(2)

	agg := New(c, events.SharePublicKey, pool, bus)

	outsider := events.Share{
		RequestID: c.RequestID,
		Kind:      events.SharePublicKey,
		Payload:   []byte{0xFF},
	}
	outsider.NodeID[0] = 0x99

	agg.Submit(outsider)

	if agg.ShareCount() != 0 {
		t.Error("non-member share stored")
	}
}

// TestWrongRequestOrKindIgnored verifies cross-request and cross-kind
// shares never mutate state.
func TestWrongRequestOrKindIgnored(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(2)

	agg := New(c, events.SharePublicKey, pool, bus)

	wrongReq := share(c, 0, 0xA0)
	wrongReq.RequestID[0] = 0x55
	agg.Submit(wrongReq)

	wrongKind := share(c, 0, 0xA0)
	wrongKind.Kind = events.ShareDecryption
	agg.Submit(wrongKind)

	if agg.ShareCount() != 0 {
		t.Errorf("share count = %d, want 0", agg.ShareCount())
	}
}

// TestComputeSuccessPublishesResult verifies the Done transition and its
// event, emitted exactly once.
func TestComputeSuccessPublishesResult(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(2)

	agg := New(c, events.SharePublicKey, pool, bus)
	agg.Submit(share(c, 0, 0xA0))
	agg.Submit(share(c, 1, 0xB0))

	agg.OnComputeSuccess([]byte{0xEE})

	if agg.State() != StateDone {
		t.Fatalf("state = %s, want done", agg.State())
	}

	if len(bus.published) != 1 {
		t.Fatalf("published events = %d, want 1", len(bus.published))
	}

	ev, ok := bus.published[0].(events.PublickeyAggregated)
	if !ok {
		t.Fatalf("published wrong type: %T", bus.published[0])
	}

	if ev.RequestID != c.RequestID || ev.CombinedKey[0] != 0xEE {
		t.Error("published event content mismatch")
	}

	// A second response must not publish again.
	agg.OnComputeSuccess([]byte{0xDD})

	if len(bus.published) != 1 {
		t.Error("terminal state accepted a second compute response")
	}
}

// TestDecryptionKindPublishesPlaintext verifies the plaintext aggregator
// publishes the matching event type.
func TestDecryptionKindPublishesPlaintext(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(1)

	agg := New(c, events.ShareDecryption, pool, bus)

	sh := share(c, 0, 0xA0)
	sh.Kind = events.ShareDecryption
	agg.Submit(sh)

	if pool.requests[0].Op != compute.OpReconstructPlaintext {
		t.Errorf("op = %s", pool.requests[0].Op)
	}

	agg.OnComputeSuccess([]byte{0x11})

	if _, ok := bus.published[0].(events.PlaintextAggregated); !ok {
		t.Fatalf("published wrong type: %T", bus.published[0])
	}
}

// TestComputeFailureIsTerminal verifies a combination failure fails the
// request without retry.
func TestComputeFailureIsTerminal(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(2)

	agg := New(c, events.SharePublicKey, pool, bus)
	agg.Submit(share(c, 0, 0xA0))
	agg.Submit(share(c, 1, 0xB0))

	agg.OnComputeFailure(errors.New("bad point"))

	if agg.State() != StateFailed {
		t.Fatalf("state = %s, want failed", agg.State())
	}

	if len(bus.published) != 1 {
		t.Fatalf("published events = %d, want 1", len(bus.published))
	}

	if _, ok := bus.published[0].(events.RequestFailed); !ok {
		t.Fatalf("published wrong type: %T", bus.published[0])
	}

	if len(pool.requests) != 1 {
		t.Error("failure triggered a retry")
	}
}

// TestSubmitErrorFailsAggregation verifies a rejected compute submission is
// a terminal failure.
func TestSubmitErrorFailsAggregation(t *testing.T) {
	pool := &fakePool{err: compute.ErrQueueFull}
	bus := &fakeBus{}
	c := testCommittee(1)

	agg := New(c, events.SharePublicKey, pool, bus)
	agg.Submit(share(c, 0, 0xA0))

	if agg.State() != StateFailed {
		t.Fatalf("state = %s, want failed", agg.State())
	}
}

// TestExpireMakesLateResponsesNoOps verifies the deadline path and that a
// late compute response cannot resurrect an expired aggregation.
func TestExpireMakesLateResponsesNoOps(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(2)

	agg := New(c, events.SharePublicKey, pool, bus)
	agg.Submit(share(c, 0, 0xA0))
	agg.Submit(share(c, 1, 0xB0)) // now combining

	agg.Expire()

	if agg.State() != StateFailed || agg.Reason() != ReasonExpired {
		t.Fatalf("state = %s reason = %q", agg.State(), agg.Reason())
	}

	agg.OnComputeSuccess([]byte{0xEE})

	if agg.State() != StateFailed {
		t.Error("late compute response resurrected expired aggregation")
	}

	if len(bus.published) != 0 {
		t.Errorf("expired aggregation published %d events", len(bus.published))
	}
}

// TestSnapshotRestore verifies checkpointed state survives a round trip and
// a Combining snapshot re-issues its compute request.
func TestSnapshotRestore(t *testing.T) {
	pool := &fakePool{}
	bus := &fakeBus{}
	c := testCommittee(2)

	agg := New(c, events.SharePublicKey, pool, bus)
	agg.Submit(share(c, 0, 0xA0))
	agg.Submit(share(c, 1, 0xB0))

	snap := agg.Snapshot()

	if snap.State != StateCombining || len(snap.Shares) != 2 {
		t.Fatalf("snapshot state=%s shares=%d", snap.State, len(snap.Shares))
	}

	pool2 := &fakePool{}
	restored := New(c, events.SharePublicKey, pool2, bus)
	restored.Restore(snap)

	if restored.State() != StateCombining || restored.ShareCount() != 2 {
		t.Fatalf("restored state=%s shares=%d", restored.State(), restored.ShareCount())
	}

	if len(pool2.requests) != 1 {
		t.Errorf("restore issued %d compute requests, want 1", len(pool2.requests))
	}

	restored.OnComputeSuccess([]byte{0xEE})

	if restored.State() != StateDone {
		t.Errorf("restored aggregator did not complete: %s", restored.State())
	}
}
