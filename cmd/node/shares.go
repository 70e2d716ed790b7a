package main

import (
	"github.com/zeebo/blake3"

	"ciphernode/internal/compute"
	"ciphernode/internal/events"
	"ciphernode/internal/logger"
	"ciphernode/internal/registry"
	"ciphernode/internal/sortition"
)

// shareDerivationContext separates per-request share keys from every
// other blake3 derivation in the system.
const shareDerivationContext = "ciphernode-request-share"

// startShareProducer watches for new requests and contributes this
// node's public key share whenever it is selected into the committee.
func (n *Node) startShareProducer() {
	ch := n.bus.Subscribe(events.KindRequestCreated)

	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}

				if created, isCreated := ev.(events.RequestCreated); isCreated {
					n.produceKeyShare(created)
				}

			case <-n.stop:
				return
			}
		}
	}()
}

// produceKeyShare runs the same deterministic selection as the router
// and, if this node is a member, publishes its signed key share.
func (n *Node) produceKeyShare(ev events.RequestCreated) {
	eligible := ev.Eligible
	if len(eligible) == 0 {
		eligible = n.registry.Candidates()
	}

	committee, err := sortition.SelectCommittee(ev.RequestID, ev.Seed, eligible, ev.Min, ev.Total)
	if err != nil {
		// The router publishes the failure; nothing to contribute.
		return
	}

	selector := sortition.NewSelector(n.transport.LocalID())
	if !selector.IsMember(committee) {
		logger.Debug("not selected", "request", ev.RequestID)
		return
	}

	requestKey, err := n.deriveRequestKey(ev.RequestID)
	if err != nil {
		logger.Error("request key derivation failed", "request", ev.RequestID, "error", err)
		return
	}

	sh := events.Share{
		RequestID: ev.RequestID,
		NodeID:    n.transport.LocalID(),
		Kind:      events.SharePublicKey,
		Payload:   requestKey.PublicKeyBytes(),
	}

	digest := registry.ShareDigest(sh.RequestID, sh.NodeID, sh.Kind, sh.Payload)
	sh.Signature = n.blsKey.Sign(digest[:])

	logger.Info("contributing key share",
		"request", ev.RequestID,
		"position", selector.Position(committee),
	)

	// Locally through the bus for the router, outbound via gossip.
	n.bus.Publish(events.ShareSubmitted{Share: sh})
}

// deriveRequestKey deterministically derives this node's per-request BLS
// key from its identity and the request id. The same request always
// yields the same share, so replays after a restart are harmless.
func (n *Node) deriveRequestKey(id events.RequestID) (*compute.KeyPair, error) {
	h := blake3.New()
	h.Write([]byte(shareDerivationContext))
	h.Write(n.cfg.PrivateKey.Seed())
	h.Write(id[:])

	var derived [32]byte
	h.Sum(derived[:0])

	return compute.GenerateKeyFromSeed(derived[:])
}
