package compute

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"ciphernode/internal/events"
)

// testShares builds decryption shares from a dealt secret.
func testShares(t *testing.T, id events.RequestID, min, n int) ([]events.Share, []byte) {
	t.Helper()

	secret := testSecret()

	indices := make([]uint64, n)
	for i := range indices {
		indices[i] = uint64(i + 1)
	}

	var seed [32]byte
	seed[0] = 0x05

	payloads, err := SplitSecret(secret, seed, indices, min)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	shares := make([]events.Share, n)
	for i := range shares {
		shares[i] = events.Share{
			RequestID: id,
			Kind:      events.ShareDecryption,
			Payload:   payloads[i],
		}
		shares[i].NodeID[0] = byte(i + 1)
	}

	return shares, secret
}

// awaitResponse waits for one pool response.
func awaitResponse(t *testing.T, p *Pool) Response {
	t.Helper()

	select {
	case resp := <-p.Results():
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for compute response")
		return Response{}
	}
}

// TestPoolReconstructsPlaintext verifies an end-to-end reconstruction job.
func TestPoolReconstructsPlaintext(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	var id events.RequestID
	id[0] = 0x01

	shares, secret := testShares(t, id, 2, 3)

	if err := p.Submit(Request{RequestID: id, Op: OpReconstructPlaintext, Shares: shares[:2]}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp := awaitResponse(t, p)

	if resp.Err != nil {
		t.Fatalf("response error: %v", resp.Err)
	}

	if resp.RequestID != id || resp.Op != OpReconstructPlaintext {
		t.Error("response correlation mismatch")
	}

	if !bytes.Equal(resp.Result, secret) {
		t.Errorf("result %x, want %x", resp.Result, secret)
	}
}

// TestPoolAggregatesPublicKeys verifies the public key combination op.
func TestPoolAggregatesPublicKeys(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	var id events.RequestID
	id[0] = 0x02

	shares := make([]events.Share, 3)
	for i := range shares {
		shares[i] = events.Share{
			RequestID: id,
			Kind:      events.SharePublicKey,
			Payload:   testKeyPair(t, byte(i+1)).PublicKeyBytes(),
		}
		shares[i].NodeID[0] = byte(i + 1)
	}

	if err := p.Submit(Request{RequestID: id, Op: OpAggregatePublicKeys, Shares: shares}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp := awaitResponse(t, p)

	if resp.Err != nil {
		t.Fatalf("response error: %v", resp.Err)
	}

	if len(resp.Result) != PublicKeySize {
		t.Errorf("result size = %d, want %d", len(resp.Result), PublicKeySize)
	}
}

// TestPoolUnknownOpFails verifies unknown ops produce a failed response
// instead of vanishing.
func TestPoolUnknownOpFails(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	var id events.RequestID
	id[0] = 0x03

	if err := p.Submit(Request{RequestID: id, Op: Op(0x7F)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp := awaitResponse(t, p)

	if !errors.Is(resp.Err, ErrUnknownOp) {
		t.Errorf("err = %v, want ErrUnknownOp", resp.Err)
	}
}

// TestPoolInflightGuard verifies a second combination for the same request
// and op is rejected while the first runs, and accepted after it finishes.
func TestPoolInflightGuard(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	var id events.RequestID
	id[0] = 0x04

	shares, _ := testShares(t, id, 2, 3)
	req := Request{RequestID: id, Op: OpReconstructPlaintext, Shares: shares[:2]}

	if err := p.Submit(req); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// Immediate duplicate may race with completion; only a rejection with
	// the sentinel counts as the guard firing.
	if err := p.Submit(req); err != nil && !errors.Is(err, ErrAlreadyInFlight) {
		t.Fatalf("duplicate submit: unexpected error %v", err)
	}

	awaitResponse(t, p)

	// After completion the slot is free again.
	deadline := time.Now().Add(time.Second)
	for {
		err := p.Submit(req)
		if err == nil {
			break
		}

		if !errors.Is(err, ErrAlreadyInFlight) || time.Now().After(deadline) {
			t.Fatalf("resubmit after completion: %v", err)
		}

		time.Sleep(time.Millisecond)
	}

	awaitResponse(t, p)
}

// TestPoolClosedRejectsWork verifies submissions after Close fail fast.
func TestPoolClosedRejectsWork(t *testing.T) {
	p := NewPool(1)
	p.Close()

	err := p.Submit(Request{Op: OpAggregatePublicKeys})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
