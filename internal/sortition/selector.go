package sortition

import "ciphernode/internal/events"

// Selector answers whether the local node sits on a given committee.
// It is a pure lookup with no side effects.
type Selector struct {
	local events.NodeID // local is this node's identity
}

// NewSelector creates a Selector for the local node id.
func NewSelector(local events.NodeID) *Selector {
	return &Selector{local: local}
}

// Local returns the local node id.
func (s *Selector) Local() events.NodeID {
	return s.local
}

// IsMember reports whether the local node is on the committee.
func (s *Selector) IsMember(c Committee) bool {
	return c.Index(s.local) >= 0
}

// Position returns the local node's committee index, or -1.
func (s *Selector) Position(c Committee) int {
	return c.Index(s.local)
}
