package router

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"ciphernode/internal/aggregation"
	"ciphernode/internal/events"
	"ciphernode/internal/sortition"
)

// checkpointPrefix namespaces request checkpoints in the store.
const checkpointPrefix = "cp:"

// maxCheckpointSize bounds a decompressed checkpoint.
const maxCheckpointSize = 16 << 20

var (
	zstdEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// checkpointKey builds the storage key for a request checkpoint.
func checkpointKey(id events.RequestID) []byte {
	key := make([]byte, 0, len(checkpointPrefix)+32)
	key = append(key, checkpointPrefix...)
	key = append(key, id[:]...)

	return key
}

// encodeCheckpoint serializes a request context for crash recovery. The
// layout is
//
//	[32B requestId][8B deadline]
//	[2B min][2B total][2B nodeCount]([32B node])*
//	<pubkey snapshot><decryption snapshot>
//
// compressed with zstd.
func encodeCheckpoint(c *Context) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, c.id[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.deadline.UnixNano()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.committee.Min))
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.committee.Total))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.committee.Nodes)))

	for _, n := range c.committee.Nodes {
		buf = append(buf, n[:]...)
	}

	buf = appendSnapshot(buf, c.pubkey.Snapshot())
	buf = appendSnapshot(buf, c.decrypt.Snapshot())

	return zstdEncoder.EncodeAll(buf, nil)
}

// decodeCheckpoint rebuilds a request context from a checkpoint. The
// aggregators are reconstructed and restored, which re-issues any compute
// request that was in flight when the checkpoint was taken.
func decodeCheckpoint(data []byte, pool aggregation.ComputeSubmitter, bus aggregation.Publisher) (*Context, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}

	if len(raw) > maxCheckpointSize {
		return nil, fmt.Errorf("checkpoint too large: %d bytes", len(raw))
	}

	if len(raw) < 32+8+6 {
		return nil, fmt.Errorf("checkpoint too short: %d bytes", len(raw))
	}

	var committee sortition.Committee

	copy(committee.RequestID[:], raw[:32])
	deadline := time.Unix(0, int64(binary.BigEndian.Uint64(raw[32:40])))
	committee.Min = int(binary.BigEndian.Uint16(raw[40:42]))
	committee.Total = int(binary.BigEndian.Uint16(raw[42:44]))
	nodeCount := int(binary.BigEndian.Uint16(raw[44:46]))

	offset := 46
	if len(raw) < offset+nodeCount*32 {
		return nil, fmt.Errorf("checkpoint truncated in committee")
	}

	committee.Nodes = make([]events.NodeID, nodeCount)
	for i := range committee.Nodes {
		copy(committee.Nodes[i][:], raw[offset:offset+32])
		offset += 32
	}

	c := newContext(committee, deadline, pool, bus)

	pubSnap, offset, err := parseSnapshot(raw, offset, committee.RequestID, events.SharePublicKey)
	if err != nil {
		return nil, fmt.Errorf("publickey snapshot: %w", err)
	}

	decSnap, offset, err := parseSnapshot(raw, offset, committee.RequestID, events.ShareDecryption)
	if err != nil {
		return nil, fmt.Errorf("decryption snapshot: %w", err)
	}

	if offset != len(raw) {
		return nil, fmt.Errorf("checkpoint has %d trailing bytes", len(raw)-offset)
	}

	c.pubkey.Restore(pubSnap)
	c.decrypt.Restore(decSnap)

	return c, nil
}

// appendSnapshot serializes one aggregator snapshot as
//
//	[1B state][4B resultLen][result][2B reasonLen][reason]
//	[2B shareCount]([32B node][4B payloadLen][payload][2B sigLen][sig])*
func appendSnapshot(buf []byte, s aggregation.Snapshot) []byte {
	buf = append(buf, byte(s.State))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Result)))
	buf = append(buf, s.Result...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.Reason)))
	buf = append(buf, s.Reason...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.Shares)))

	for _, sh := range s.Shares {
		buf = append(buf, sh.NodeID[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(sh.Payload)))
		buf = append(buf, sh.Payload...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(sh.Signature)))
		buf = append(buf, sh.Signature...)
	}

	return buf
}

// parseSnapshot reads one aggregator snapshot starting at offset and
// returns the new offset. Request id and kind are supplied by the outer
// layout, not repeated per share.
func parseSnapshot(raw []byte, offset int, id events.RequestID, kind events.ShareKind) (aggregation.Snapshot, int, error) {
	var s aggregation.Snapshot

	if len(raw) < offset+7 {
		return s, 0, fmt.Errorf("truncated header")
	}

	s.State = aggregation.State(raw[offset])
	offset++

	resultLen := int(binary.BigEndian.Uint32(raw[offset : offset+4]))
	offset += 4

	if len(raw) < offset+resultLen {
		return s, 0, fmt.Errorf("truncated result")
	}

	if resultLen > 0 {
		s.Result = append([]byte(nil), raw[offset:offset+resultLen]...)
	}
	offset += resultLen

	if len(raw) < offset+2 {
		return s, 0, fmt.Errorf("truncated reason length")
	}

	reasonLen := int(binary.BigEndian.Uint16(raw[offset : offset+2]))
	offset += 2

	if len(raw) < offset+reasonLen {
		return s, 0, fmt.Errorf("truncated reason")
	}

	s.Reason = string(raw[offset : offset+reasonLen])
	offset += reasonLen

	if len(raw) < offset+2 {
		return s, 0, fmt.Errorf("truncated share count")
	}

	count := int(binary.BigEndian.Uint16(raw[offset : offset+2]))
	offset += 2

	s.Shares = make([]events.Share, 0, count)

	for i := 0; i < count; i++ {
		if len(raw) < offset+36 {
			return s, 0, fmt.Errorf("truncated share %d", i)
		}

		sh := events.Share{RequestID: id, Kind: kind}
		copy(sh.NodeID[:], raw[offset:offset+32])
		offset += 32

		payloadLen := int(binary.BigEndian.Uint32(raw[offset : offset+4]))
		offset += 4

		if len(raw) < offset+payloadLen+2 {
			return s, 0, fmt.Errorf("truncated share %d payload", i)
		}

		sh.Payload = append([]byte(nil), raw[offset:offset+payloadLen]...)
		offset += payloadLen

		sigLen := int(binary.BigEndian.Uint16(raw[offset : offset+2]))
		offset += 2

		if len(raw) < offset+sigLen {
			return s, 0, fmt.Errorf("truncated share %d signature", i)
		}

		if sigLen > 0 {
			sh.Signature = append([]byte(nil), raw[offset:offset+sigLen]...)
		}
		offset += sigLen

		s.Shares = append(s.Shares, sh)
	}

	return s, offset, nil
}
