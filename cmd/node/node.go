package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ciphernode/internal/api"
	"ciphernode/internal/bus"
	"ciphernode/internal/compute"
	"ciphernode/internal/events"
	"ciphernode/internal/logger"
	"ciphernode/internal/network"
	"ciphernode/internal/registry"
	"ciphernode/internal/router"
	"ciphernode/internal/storage"
)

// Node represents a running ciphernode.
type Node struct {
	cfg       *Config
	store     *storage.Store
	bus       *bus.Bus
	pool      *compute.Pool
	registry  *registry.Registry
	transport *network.Transport
	router    *router.Router
	api       *api.Server

	// blsKey is the node's long-term BLS key, derived from the ed25519
	// identity. It signs every share this node contributes.
	blsKey *compute.KeyPair

	stop chan struct{}
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, stop: make(chan struct{})}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initIdentity(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initTransport(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initRegistry(); err != nil {
		n.Close()
		return nil, err
	}

	n.initRouter()

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	store, err := storage.Open(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.store = store

	return nil
}

// initIdentity derives the node's BLS signing key.
func (n *Node) initIdentity() error {
	blsKey, err := compute.DeriveFromIdentity(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive bls key:\n%w", err)
	}

	n.blsKey = blsKey

	return nil
}

// initTransport initializes the QUIC gossip transport.
func (n *Node) initTransport() error {
	transport, err := network.NewTransport(network.Config{
		Identity:   n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init transport:\n%w", err)
	}

	n.transport = transport

	return nil
}

// initRegistry loads the persisted node set and registers this node.
func (n *Node) initRegistry() error {
	reg, err := registry.New(n.store)
	if err != nil {
		return fmt.Errorf("init registry:\n%w", err)
	}

	info := registry.Info{
		Node:   n.transport.LocalID(),
		Weight: n.cfg.Weight,
		Addr:   n.cfg.AdvertiseAddress,
	}
	copy(info.BLSKey[:], n.blsKey.PublicKeyBytes())

	if err := reg.Register(info); err != nil {
		return fmt.Errorf("register self:\n%w", err)
	}

	n.registry = reg

	return nil
}

// initRouter wires the lifecycle router to the bus, pool, store and
// registry.
func (n *Node) initRouter() {
	n.bus = bus.New()
	n.pool = compute.NewPool(n.cfg.Workers)

	cfg := router.Config{
		Bus:      n.bus,
		Pool:     n.pool,
		Store:    n.store,
		Source:   n.registry,
		Lifetime: n.cfg.Lifetime,
	}

	if n.cfg.VerifyShares {
		cfg.Verifier = n.registry
	}

	n.router = router.New(cfg)
}

// Run starts every subsystem and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.setupInbound()
	n.startOutbound()
	n.startShareProducer()
	n.startAnnounceLoop()

	if err := n.router.Start(); err != nil {
		return fmt.Errorf("start router:\n%w", err)
	}

	n.connectToPeers()

	n.api = api.New(n.cfg.HTTPAddress, n.bus, n.transport, n.router, n)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// connectToPeers dials the configured bootstrap peers and announces this
// node to them.
func (n *Node) connectToPeers() {
	for _, addr := range n.cfg.Peers {
		id, err := n.transport.Connect(addr)
		if err != nil {
			logger.Warn("peer connection failed", "addr", addr, "error", err)
			continue
		}

		logger.Info("connected to peer", "addr", addr, "peer", id)
	}

	if len(n.cfg.Peers) > 0 {
		n.announceSelf()
	}
}

// LocalID returns the node's identity for the status endpoint.
func (n *Node) LocalID() events.NodeID {
	return n.transport.LocalID()
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.transport.PeerIDs())
}

// RegisteredNodes returns the size of the known node set.
func (n *Node) RegisteredNodes() int {
	return n.registry.Len()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	close(n.stop)

	if n.api != nil {
		n.api.Stop()
	}

	if n.router != nil {
		n.router.Stop()
	}

	if n.transport != nil {
		n.transport.Close()
	}

	if n.pool != nil {
		n.pool.Close()
	}

	if n.bus != nil {
		n.bus.Close()
	}

	if n.store != nil {
		n.store.Close()
	}

	return nil
}
