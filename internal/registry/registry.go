// Package registry tracks the known ciphernodes, their selection weights
// and their BLS public keys, and authenticates incoming shares against
// those keys. The set is persisted so a restarted node sees the same
// eligible population.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"ciphernode/internal/compute"
	"ciphernode/internal/events"
)

const (
	// keyPrefix namespaces registry records in the store.
	keyPrefix = "cn:"

	// maxAddrSize bounds the encoded dial address.
	maxAddrSize = 512
)

var (
	// ErrUnknownNode is returned when a node id is not registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrBadSignature is returned when a share's signature does not
	// verify against the sender's registered key.
	ErrBadSignature = errors.New("bad share signature")
)

// Info describes a registered ciphernode.
type Info struct {
	Node   events.NodeID // Node is the node's identity
	Weight uint64        // Weight is the node's selection weight
	Addr   string        // Addr is the node's dialable address
	BLSKey [48]byte      // BLSKey is the node's BLS public key
}

// Registry is the in-memory node set backed by persistent storage.
type Registry struct {
	mu    sync.RWMutex
	nodes map[events.NodeID]Info
	store recordStore
}

// recordStore is the storage surface the registry needs.
type recordStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
}

// New creates a registry and loads any persisted records from the store.
// A nil store yields a purely in-memory registry.
func New(store recordStore) (*Registry, error) {
	r := &Registry{
		nodes: make(map[events.NodeID]Info),
		store: store,
	}

	if store == nil {
		return r, nil
	}

	err := store.IteratePrefix([]byte(keyPrefix), func(key, value []byte) error {
		info, err := decodeInfo(value)
		if err != nil {
			return fmt.Errorf("decode record %x: %w", key, err)
		}

		r.nodes[info.Node] = info

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	return r, nil
}

// Register adds or updates a node record and persists it.
func (r *Registry) Register(info Info) error {
	if len(info.Addr) > maxAddrSize {
		return fmt.Errorf("address too long: %d bytes", len(info.Addr))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[info.Node] = info

	if r.store != nil {
		if err := r.store.Set(recordKey(info.Node), encodeInfo(info)); err != nil {
			return fmt.Errorf("persist node %s: %w", info.Node, err)
		}
	}

	return nil
}

// Remove deletes a node record from the set and the store.
func (r *Registry) Remove(node events.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; !ok {
		return ErrUnknownNode
	}

	delete(r.nodes, node)

	if r.store != nil {
		if err := r.store.Delete(recordKey(node)); err != nil {
			return fmt.Errorf("remove node %s: %w", node, err)
		}
	}

	return nil
}

// Lookup returns the record for a node.
func (r *Registry) Lookup(node events.NodeID) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.nodes[node]
	if !ok {
		return Info{}, ErrUnknownNode
	}

	return info, nil
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes)
}

// Candidates returns a snapshot of the registered nodes as a candidate
// set, sorted by node id.
func (r *Registry) Candidates() []events.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]events.Candidate, 0, len(r.nodes))
	for _, info := range r.nodes {
		out = append(out, events.Candidate{Node: info.Node, Weight: info.Weight})
	}

	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Node[:]) < string(out[j].Node[:])
	})

	return out
}

// VerifyShare checks a share's signature against the sender's registered
// BLS key. The signed message binds the request id, the sender, the
// share kind and the payload, so a share cannot be replayed across
// requests or senders.
func (r *Registry) VerifyShare(sh events.Share) error {
	r.mu.RLock()
	info, ok := r.nodes[sh.NodeID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("node %s: %w", sh.NodeID, ErrUnknownNode)
	}

	msg := ShareDigest(sh.RequestID, sh.NodeID, sh.Kind, sh.Payload)

	if !compute.Verify(sh.Signature, msg[:], info.BLSKey[:]) {
		return fmt.Errorf("node %s: %w", sh.NodeID, ErrBadSignature)
	}

	return nil
}

// ShareDigest computes the message a node signs when contributing a
// share.
func ShareDigest(id events.RequestID, node events.NodeID, kind events.ShareKind, payload []byte) [32]byte {
	h := blake3.New()
	h.Write(id[:])
	h.Write(node[:])
	h.Write([]byte{byte(kind)})
	h.Write(payload)

	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	return digest
}

// recordKey builds the storage key for a node record.
func recordKey(node events.NodeID) []byte {
	key := make([]byte, 0, len(keyPrefix)+32)
	key = append(key, keyPrefix...)
	key = append(key, node[:]...)

	return key
}

// encodeInfo serializes a record as
// [32B node][8B weight][48B blsKey][2B addrLen][addr].
func encodeInfo(info Info) []byte {
	buf := make([]byte, 0, 32+8+48+2+len(info.Addr))
	buf = append(buf, info.Node[:]...)
	buf = binary.BigEndian.AppendUint64(buf, info.Weight)
	buf = append(buf, info.BLSKey[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(info.Addr)))
	buf = append(buf, info.Addr...)

	return buf
}

// decodeInfo parses a serialized record.
func decodeInfo(data []byte) (Info, error) {
	if len(data) < 32+8+48+2 {
		return Info{}, fmt.Errorf("record too short: %d bytes", len(data))
	}

	var info Info

	copy(info.Node[:], data[:32])
	info.Weight = binary.BigEndian.Uint64(data[32:40])
	copy(info.BLSKey[:], data[40:88])

	addrLen := int(binary.BigEndian.Uint16(data[88:90]))
	if addrLen > maxAddrSize {
		return Info{}, fmt.Errorf("address too long: %d bytes", addrLen)
	}

	if len(data) != 90+addrLen {
		return Info{}, fmt.Errorf("record length mismatch: %d bytes", len(data))
	}

	info.Addr = string(data[90 : 90+addrLen])

	return info, nil
}
