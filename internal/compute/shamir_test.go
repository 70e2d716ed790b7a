package compute

import (
	"bytes"
	"testing"
)

// testSecret returns a deterministic 32-byte secret.
func testSecret() []byte {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i * 7)
	}
	return secret
}

// TestSplitReconstructRoundTrip verifies a dealt secret is recovered from
// exactly the threshold number of shares.
func TestSplitReconstructRoundTrip(t *testing.T) {
	secret := testSecret()

	var seed [32]byte
	seed[0] = 0x01

	payloads, err := SplitSecret(secret, seed, []uint64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	got, err := ReconstructSecret(payloads[:3])
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	if !bytes.Equal(got, secret) {
		t.Errorf("reconstructed %x, want %x", got, secret)
	}
}

// TestReconstructionAgreement verifies different qualifying subsets of
// shares reconstruct the identical secret.
func TestReconstructionAgreement(t *testing.T) {
	secret := testSecret()

	var seed [32]byte
	seed[0] = 0x02

	payloads, err := SplitSecret(secret, seed, []uint64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	subsets := [][][]byte{
		{payloads[0], payloads[1], payloads[2]},
		{payloads[2], payloads[3], payloads[4]},
		{payloads[4], payloads[0], payloads[3]},
		{payloads[0], payloads[1], payloads[2], payloads[3], payloads[4]},
	}

	first, err := ReconstructSecret(subsets[0])
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	for i, subset := range subsets[1:] {
		got, err := ReconstructSecret(subset)
		if err != nil {
			t.Fatalf("subset %d: %v", i+1, err)
		}

		if !bytes.Equal(got, first) {
			t.Errorf("subset %d reconstructed %x, want %x", i+1, got, first)
		}
	}
}

// TestSplitDeterminism verifies dealing is a pure function of its inputs.
func TestSplitDeterminism(t *testing.T) {
	secret := testSecret()

	var seed [32]byte
	seed[0] = 0x03

	a, err := SplitSecret(secret, seed, []uint64{1, 2, 3}, 2)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	b, err := SplitSecret(secret, seed, []uint64{1, 2, 3}, 2)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Errorf("share %d differs between identical splits", i)
		}
	}
}

// TestPointRoundTrip verifies point encoding survives parsing.
func TestPointRoundTrip(t *testing.T) {
	payloads, err := SplitSecret(testSecret(), [32]byte{}, []uint64{7}, 1)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	p, err := ParsePoint(payloads[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if p.X != 7 {
		t.Errorf("x = %d, want 7", p.X)
	}

	if !bytes.Equal(EncodePoint(p), payloads[0]) {
		t.Error("re-encoded point differs")
	}
}

// TestReconstructRejectsMalformed verifies malformed and conflicting shares
// are rejected.
func TestReconstructRejectsMalformed(t *testing.T) {
	var seed [32]byte

	payloads, err := SplitSecret(testSecret(), seed, []uint64{1, 2}, 2)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	tests := []struct {
		name   string
		shares [][]byte
	}{
		{"empty input", nil},
		{"short payload", [][]byte{payloads[0][:10]}},
		{"zero index", [][]byte{make([]byte, PointSize)}},
		{"duplicate index", [][]byte{payloads[0], payloads[0]}},
	}

	for _, tc := range tests {
		if _, err := ReconstructSecret(tc.shares); err == nil {
			t.Errorf("%s: reconstruction accepted bad input", tc.name)
		}
	}
}
