package main

import (
	"time"

	"ciphernode/internal/events"
	"ciphernode/internal/logger"
	"ciphernode/internal/registry"
)

const (
	// announceInterval is how often the node re-broadcasts its own
	// registration so late joiners learn the eligible set.
	announceInterval = 30 * time.Second
)

// setupInbound feeds events arriving from peers into the local bus.
// Registrations update the node set directly; lifecycle events are
// republished so the router and share producer see them.
func (n *Node) setupInbound() {
	n.transport.OnEvent(func(from events.NodeID, ev events.Event) {
		switch e := ev.(type) {
		case events.NodeRegistered:
			n.handleRegistration(e)

		case events.RequestCreated, events.ShareSubmitted:
			n.bus.Publish(ev)

		default:
			logger.Debug("unexpected gossip event dropped",
				"kind", ev.EventKind(), "from", from)
		}
	})
}

// handleRegistration records a peer registration and relays it so it
// reaches nodes without a direct connection to the newcomer.
func (n *Node) handleRegistration(e events.NodeRegistered) {
	_, err := n.registry.Lookup(e.Node)
	known := err == nil

	info := registry.Info{
		Node:   e.Node,
		Weight: e.Weight,
		Addr:   e.Addr,
		BLSKey: e.BLSKey,
	}

	if err := n.registry.Register(info); err != nil {
		logger.Warn("peer registration rejected", "node", e.Node, "error", err)
		return
	}

	if known {
		return
	}

	logger.Info("node registered", "node", e.Node, "weight", e.Weight, "addr", e.Addr)

	// Relay newcomers so they flood the mesh.
	if err := n.transport.GossipEvent(e); err != nil {
		logger.Debug("registration relay failed", "node", e.Node, "error", err)
	}
}

// startOutbound gossips locally published lifecycle events to peers.
// Aggregation results stay local; every peer derives them independently.
func (n *Node) startOutbound() {
	ch := n.bus.Subscribe(
		events.KindRequestCreated,
		events.KindPublicKeyShare,
		events.KindDecryptionShare,
	)

	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}

				if err := n.transport.GossipEvent(ev); err != nil {
					logger.Debug("gossip failed", "kind", ev.EventKind(), "error", err)
				}

			case <-n.stop:
				return
			}
		}
	}()
}

// announceSelf broadcasts this node's registration to all peers.
func (n *Node) announceSelf() {
	ev := events.NodeRegistered{
		Node:   n.transport.LocalID(),
		Weight: n.cfg.Weight,
		Addr:   n.cfg.AdvertiseAddress,
	}
	copy(ev.BLSKey[:], n.blsKey.PublicKeyBytes())

	if err := n.transport.BroadcastEvent(ev); err != nil {
		logger.Debug("self announcement failed", "error", err)
	}
}

// startAnnounceLoop periodically re-announces this node.
func (n *Node) startAnnounceLoop() {
	go func() {
		ticker := time.NewTicker(announceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n.announceSelf()
			case <-n.stop:
				return
			}
		}
	}()
}
