package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"ciphernode/internal/events"
	"ciphernode/internal/logger"
)

const (
	// maxFrameSize bounds a wire frame (1 MB). Lifecycle events are
	// small; anything near this limit is garbage.
	maxFrameSize = 1 << 20

	// framePrefixSize is the length prefix width.
	framePrefixSize = 4
)

// peer is one live connection to a remote ciphernode.
type peer struct {
	id        events.NodeID // id is the remote identity
	address   string        // address is the remote dial address
	conn      *quic.Conn
	transport *Transport
	closed    atomic.Bool
	sendMu    sync.Mutex
}

// send writes one frame on a fresh unidirectional stream.
func (p *peer) send(frame []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer %s is closed", p.id)
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(p.transport.ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, frame); err != nil {
		stream.Close()
		return fmt.Errorf("write frame: %w", err)
	}

	return stream.Close()
}

// close tears the connection down without triggering a redial.
func (p *peer) close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams until the connection dies, then
// reports the disconnect.
func (p *peer) receiveLoop() {
	for {
		stream, err := p.conn.AcceptUniStream(p.transport.ctx)
		if err != nil {
			break
		}

		go p.readStream(stream)
	}

	if !p.closed.Swap(true) {
		p.transport.dropPeer(p)
	}
}

// readStream reads one frame and hands it to the transport.
func (p *peer) readStream(stream *quic.ReceiveStream) {
	frame, err := readFrame(stream)
	if err != nil {
		logger.Debug("frame read failed", "peer", p.id, "error", err)
		return
	}

	p.transport.deliver(p.id, frame)
}

// writeFrame writes [4B big-endian length][payload].
func writeFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(frame))
	}

	var prefix [framePrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [framePrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return frame, nil
}
