// Package sortition implements deterministic, publicly verifiable committee
// selection. SelectCommittee is a pure function of its inputs so any observer
// can recompute a committee from the public seed and audit the result.
package sortition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/zeebo/blake3"

	"ciphernode/internal/events"
)

var (
	// ErrInsufficientEligibleNodes is returned when fewer eligible nodes
	// exist than the requested committee size.
	ErrInsufficientEligibleNodes = errors.New("insufficient eligible nodes")

	// ErrInvalidThreshold is returned for a malformed (min, total) pair.
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// sortitionDomain separates sortition draws from other blake3 uses.
const sortitionDomain = "ciphernode-sortition-v1"

// Committee is the selected node subset for one request, with its
// reconstruction threshold. Immutable once produced.
type Committee struct {
	RequestID events.RequestID // RequestID is the request this committee serves
	Nodes     []events.NodeID  // Nodes are the members in selection order
	Min       int              // Min is the reconstruction threshold
	Total     int              // Total is the committee size
}

// Index returns the member's position in the committee, or -1.
func (c Committee) Index(node events.NodeID) int {
	for i, n := range c.Nodes {
		if n == node {
			return i
		}
	}

	return -1
}

// SelectCommittee picks a weighted committee of `total` nodes from the
// eligible set, deterministically from the seed. Selection is without
// replacement with inclusion probability proportional to weight; candidates
// are processed in node id byte order so equal draws always resolve the
// same way. Zero-weight candidates are never selected.
func SelectCommittee(requestID events.RequestID, seed [32]byte, eligible []events.Candidate, min, total int) (Committee, error) {
	if min < 1 || min > total {
		return Committee{}, fmt.Errorf("%w: min=%d total=%d", ErrInvalidThreshold, min, total)
	}

	pool, err := normalize(eligible)
	if err != nil {
		return Committee{}, err
	}

	if len(pool) < total {
		return Committee{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientEligibleNodes, len(pool), total)
	}

	nodes := make([]events.NodeID, 0, total)

	for round := 0; round < total; round++ {
		idx := draw(seed, round, pool)
		nodes = append(nodes, pool[idx].Node)
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	return Committee{
		RequestID: requestID,
		Nodes:     nodes,
		Min:       min,
		Total:     total,
	}, nil
}

// normalize sorts candidates by node id, rejects duplicates, and drops
// zero-weight entries.
func normalize(eligible []events.Candidate) ([]events.Candidate, error) {
	sorted := make([]events.Candidate, 0, len(eligible))

	for _, c := range eligible {
		if c.Weight > 0 {
			sorted = append(sorted, c)
		}
	}

	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Node[:], sorted[j].Node[:]) < 0
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Node == sorted[i-1].Node {
			return nil, fmt.Errorf("duplicate eligible node: %s", sorted[i].Node)
		}
	}

	return sorted, nil
}

// draw picks one candidate index with probability proportional to weight.
// The draw value is blake3(domain || seed || round) reduced modulo the total
// remaining weight; the pool is walked in its fixed sorted order until the
// cumulative weight passes the draw value.
func draw(seed [32]byte, round int, pool []events.Candidate) int {
	sum := new(big.Int)
	for _, c := range pool {
		sum.Add(sum, new(big.Int).SetUint64(c.Weight))
	}

	h := blake3.New()
	h.Write([]byte(sortitionDomain))
	h.Write(seed[:])

	var roundBytes [4]byte
	binary.BigEndian.PutUint32(roundBytes[:], uint32(round))
	h.Write(roundBytes[:])

	var digest [32]byte
	h.Sum(digest[:0])

	target := new(big.Int).SetBytes(digest[:])
	target.Mod(target, sum)

	cumulative := new(big.Int)

	for i, c := range pool {
		cumulative.Add(cumulative, new(big.Int).SetUint64(c.Weight))

		if cumulative.Cmp(target) > 0 {
			return i
		}
	}

	// Unreachable: target < sum by construction.
	return len(pool) - 1
}
