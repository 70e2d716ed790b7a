// Package network is the QUIC gossip transport between ciphernodes.
// Peers authenticate with self-signed certificates carrying their
// ed25519 identity; the 32-byte public key doubles as the node id.
// Lifecycle events travel as length-prefixed frames over unidirectional
// streams and are deduplicated by content hash before delivery.
package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"ciphernode/internal/events"
	"ciphernode/internal/logger"
)

const (
	// alpnProtocol identifies the wire protocol during the handshake.
	alpnProtocol = "ciphernode/1"

	// defaultReconnectDelay is the initial backoff after a peer drops.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay caps the reconnect backoff.
	maxReconnectDelay = 60 * time.Second

	// defaultFanout is how many peers a gossiped event reaches per hop.
	defaultFanout = 4
)

// ErrNotStarted is returned when sending before Start.
var ErrNotStarted = errors.New("transport not started")

// EventHandler receives a decoded event and the peer that delivered it.
type EventHandler func(from events.NodeID, ev events.Event)

// Config holds the transport's settings.
type Config struct {
	Identity       ed25519.PrivateKey // Identity signs the node's certificate
	ListenAddr     string             // ListenAddr is the local QUIC address
	ReconnectDelay time.Duration      // ReconnectDelay is the initial backoff
	Fanout         int                // Fanout is the gossip spread per hop
}

// Transport gossips lifecycle events between ciphernodes over QUIC.
type Transport struct {
	identity ed25519.PrivateKey
	local    events.NodeID

	listenAddr string
	tlsConfig  *tlsBundle
	quicConfig *quic.Config
	listener   *quic.Listener

	fanout         int
	reconnectDelay time.Duration

	peers   map[events.NodeID]*peer
	peersMu sync.RWMutex

	// knownAddrs remembers where a peer was last reachable so a dropped
	// connection can be redialed.
	knownAddrs   map[events.NodeID]string
	knownAddrsMu sync.RWMutex

	seen *seenCache

	handler   EventHandler
	handlerMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport creates a transport bound to an ed25519 identity.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	if cfg.Fanout <= 0 {
		cfg.Fanout = defaultFanout
	}

	bundle, err := newTLSBundle(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("build identity certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		identity:   cfg.Identity,
		local:      IdentityID(cfg.Identity.Public().(ed25519.PublicKey)),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  bundle,
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		fanout:         cfg.Fanout,
		reconnectDelay: cfg.ReconnectDelay,
		peers:          make(map[events.NodeID]*peer),
		knownAddrs:     make(map[events.NodeID]string),
		seen:           newSeenCache(),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// IdentityID converts an ed25519 public key into a node id.
func IdentityID(pub ed25519.PublicKey) events.NodeID {
	var id events.NodeID
	copy(id[:], pub)

	return id
}

// LocalID returns the transport's own node id.
func (t *Transport) LocalID() events.NodeID {
	return t.local
}

// Addr returns the bound listen address, empty before Start.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}

	return t.listener.Addr().String()
}

// OnEvent sets the handler for decoded incoming events.
func (t *Transport) OnEvent(fn EventHandler) {
	t.handlerMu.Lock()
	t.handler = fn
	t.handlerMu.Unlock()
}

// Start opens the listener and begins accepting peers.
func (t *Transport) Start() error {
	listener, err := quic.ListenAddr(t.listenAddr, t.tlsConfig.server, t.quicConfig)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.listenAddr, err)
	}

	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()

	logger.Info("transport listening", "addr", listener.Addr().String(), "node", t.local)

	return nil
}

// Connect dials a remote ciphernode.
func (t *Transport) Connect(addr string) (events.NodeID, error) {
	conn, err := quic.DialAddr(t.ctx, addr, t.tlsConfig.client, t.quicConfig)
	if err != nil {
		return events.NodeID{}, fmt.Errorf("dial %s: %w", addr, err)
	}

	p, err := t.adoptPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "handshake rejected")
		return events.NodeID{}, err
	}

	return p.id, nil
}

// GossipEvent encodes an event and sends it to a random subset of peers.
// The frame is recorded as seen so an echoed copy is not redelivered
// locally.
func (t *Transport) GossipEvent(ev events.Event) error {
	frame, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	t.seen.mark(frame)

	return t.send(frame, t.fanout)
}

// BroadcastEvent sends an event to every connected peer.
func (t *Transport) BroadcastEvent(ev events.Event) error {
	frame, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	t.seen.mark(frame)

	return t.send(frame, len(t.snapshotPeers()))
}

// send delivers a frame to up to fanout random peers.
func (t *Transport) send(frame []byte, fanout int) error {
	if t.listener == nil {
		return ErrNotStarted
	}

	peers := t.snapshotPeers()
	if fanout < len(peers) {
		perm := rand.Perm(len(peers))[:fanout]
		subset := make([]*peer, fanout)
		for i, idx := range perm {
			subset[i] = peers[idx]
		}
		peers = subset
	}

	var lastErr error

	for _, p := range peers {
		if err := p.send(frame); err != nil {
			logger.Debug("send to peer failed", "peer", p.id, "error", err)
			lastErr = err
		}
	}

	return lastErr
}

// snapshotPeers copies the live peer set.
func (t *Transport) snapshotPeers() []*peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()

	out := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}

	return out
}

// PeerIDs returns the ids of the connected peers.
func (t *Transport) PeerIDs() []events.NodeID {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()

	out := make([]events.NodeID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}

	return out
}

// Close shuts the listener, drops every peer and waits for the loops.
func (t *Transport) Close() error {
	t.cancel()

	if t.listener != nil {
		t.listener.Close()
	}

	t.peersMu.Lock()
	for _, p := range t.peers {
		p.close()
	}
	t.peers = make(map[events.NodeID]*peer)
	t.peersMu.Unlock()

	t.seen.close()
	t.wg.Wait()

	return nil
}

// acceptLoop admits inbound connections until the listener closes.
func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return
		}

		go func() {
			if _, err := t.adoptPeer(conn, conn.RemoteAddr().String()); err != nil {
				logger.Debug("inbound peer rejected", "addr", conn.RemoteAddr(), "error", err)
				conn.CloseWithError(1, "handshake rejected")
			}
		}()
	}
}

// adoptPeer verifies the remote identity and registers the peer.
func (t *Transport) adoptPeer(conn *quic.Conn, addr string) (*peer, error) {
	pub, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("peer identity: %w", err)
	}

	id := IdentityID(pub)
	if id == t.local {
		return nil, fmt.Errorf("refusing self-connection")
	}

	p := &peer{
		id:        id,
		address:   addr,
		conn:      conn,
		transport: t,
	}

	t.peersMu.Lock()
	t.peers[id] = p
	t.peersMu.Unlock()

	t.knownAddrsMu.Lock()
	t.knownAddrs[id] = addr
	t.knownAddrsMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		p.receiveLoop()
	}()

	logger.Debug("peer connected", "peer", id, "addr", addr)

	return p, nil
}

// deliver hands a deduplicated frame to the event handler.
func (t *Transport) deliver(from events.NodeID, frame []byte) {
	if !t.seen.check(frame) {
		return
	}

	ev, err := events.Decode(frame)
	if err != nil {
		logger.Debug("undecodable frame dropped", "peer", from, "error", err)
		return
	}

	t.handlerMu.RLock()
	fn := t.handler
	t.handlerMu.RUnlock()

	if fn != nil {
		fn(from, ev)
	}
}

// dropPeer removes a disconnected peer and schedules a redial.
func (t *Transport) dropPeer(p *peer) {
	t.peersMu.Lock()
	delete(t.peers, p.id)
	t.peersMu.Unlock()

	logger.Debug("peer disconnected", "peer", p.id)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.redial(p.id)
	}()
}

// redial reconnects to a known peer with exponential backoff.
func (t *Transport) redial(id events.NodeID) {
	delay := t.reconnectDelay

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		t.knownAddrsMu.RLock()
		addr, ok := t.knownAddrs[id]
		t.knownAddrsMu.RUnlock()

		if !ok {
			return
		}

		t.peersMu.RLock()
		_, connected := t.peers[id]
		t.peersMu.RUnlock()

		if connected {
			return
		}

		if _, err := t.Connect(addr); err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
