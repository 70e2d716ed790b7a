package events

import "encoding/hex"

// RequestID identifies one E3 request. All events belonging to the same
// request carry the same id for its whole lifetime.
type RequestID [32]byte

// NodeID is a ciphernode's 32-byte identity (ed25519 public key).
type NodeID [32]byte

// String returns a short hex prefix for logging.
func (id RequestID) String() string {
	return hex.EncodeToString(id[:8])
}

// String returns a short hex prefix for logging.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:8])
}

// ShareKind distinguishes the two share types a committee member contributes.
type ShareKind byte

const (
	// SharePublicKey is one node's public key share.
	SharePublicKey ShareKind = 0x01

	// ShareDecryption is one node's decryption share.
	ShareDecryption ShareKind = 0x02
)

// String returns the share kind name.
func (k ShareKind) String() string {
	switch k {
	case SharePublicKey:
		return "publickey"
	case ShareDecryption:
		return "decryption"
	default:
		return "unknown"
	}
}

// Share is one node's contribution toward a combined cryptographic result.
// Payload bytes are opaque to the orchestration layer; only the compute
// processor interprets them.
type Share struct {
	RequestID RequestID // RequestID is the request this share belongs to
	NodeID    NodeID    // NodeID is the contributing node
	Kind      ShareKind // Kind is the share type
	Payload   []byte    // Payload is the opaque share material
	Signature []byte    // Signature authenticates the share (BLS, 96 bytes)
}

// Candidate is an eligible node with its sortition weight.
type Candidate struct {
	Node   NodeID // Node is the candidate's identity
	Weight uint64 // Weight is the candidate's selection weight
}

// Kind tags every event flowing through the bus.
type Kind byte

const (
	// KindRequestCreated announces a fresh E3 request.
	KindRequestCreated Kind = 0x01

	// KindPublicKeyShare carries one node's public key share.
	KindPublicKeyShare Kind = 0x02

	// KindDecryptionShare carries one node's decryption share.
	KindDecryptionShare Kind = 0x03

	// KindNodeRegistered announces a ciphernode joining the eligible set.
	KindNodeRegistered Kind = 0x04

	// KindPublickeyAggregated carries a combined committee public key.
	KindPublickeyAggregated Kind = 0x10

	// KindPlaintextAggregated carries a reconstructed plaintext.
	KindPlaintextAggregated Kind = 0x11

	// KindRequestExpired reports a request that missed its deadline.
	KindRequestExpired Kind = 0x12

	// KindRequestFailed reports a terminal failure for a request.
	KindRequestFailed Kind = 0x13
)

// Event is anything that can be published on the bus.
type Event interface {
	// EventKind returns the event's kind tag.
	EventKind() Kind
}

// RequestCreated announces a new E3 request and carries everything needed
// to form its committee. Eligible may be empty, in which case the local
// registry snapshot supplies the candidate set.
type RequestCreated struct {
	RequestID RequestID   // RequestID is the fresh request id
	Seed      [32]byte    // Seed drives deterministic committee selection
	Min       int         // Min is the reconstruction threshold
	Total     int         // Total is the committee size
	Eligible  []Candidate // Eligible is the explicit candidate set (optional)
}

// EventKind returns KindRequestCreated.
func (RequestCreated) EventKind() Kind { return KindRequestCreated }

// ShareSubmitted carries one node's share toward a request.
// Its event kind follows the share kind.
type ShareSubmitted struct {
	Share Share // Share is the submitted contribution
}

// EventKind returns the kind matching the share type.
func (e ShareSubmitted) EventKind() Kind {
	if e.Share.Kind == ShareDecryption {
		return KindDecryptionShare
	}

	return KindPublicKeyShare
}

// NodeRegistered announces a ciphernode, its selection weight, its dial
// address and its BLS public key.
type NodeRegistered struct {
	Node   NodeID   // Node is the joining node's identity
	Weight uint64   // Weight is the node's selection weight
	Addr   string   // Addr is the node's dialable address
	BLSKey [48]byte // BLSKey authenticates the node's shares
}

// EventKind returns KindNodeRegistered.
func (NodeRegistered) EventKind() Kind { return KindNodeRegistered }

// PublickeyAggregated carries the combined committee public key.
type PublickeyAggregated struct {
	RequestID   RequestID // RequestID is the completed request
	CombinedKey []byte    // CombinedKey is the aggregated public key
}

// EventKind returns KindPublickeyAggregated.
func (PublickeyAggregated) EventKind() Kind { return KindPublickeyAggregated }

// PlaintextAggregated carries the reconstructed plaintext.
type PlaintextAggregated struct {
	RequestID RequestID // RequestID is the completed request
	Plaintext []byte    // Plaintext is the reconstructed output
}

// EventKind returns KindPlaintextAggregated.
func (PlaintextAggregated) EventKind() Kind { return KindPlaintextAggregated }

// RequestExpired reports that a request's deadline elapsed before both
// aggregations completed.
type RequestExpired struct {
	RequestID RequestID // RequestID is the expired request
	Reason    string    // Reason describes what was still pending
}

// EventKind returns KindRequestExpired.
func (RequestExpired) EventKind() Kind { return KindRequestExpired }

// RequestFailed reports a terminal failure for one request.
type RequestFailed struct {
	RequestID RequestID // RequestID is the failed request
	Reason    string    // Reason is the failure description
}

// EventKind returns KindRequestFailed.
func (RequestFailed) EventKind() Kind { return KindRequestFailed }
