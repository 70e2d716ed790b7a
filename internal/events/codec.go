package events

import (
	"encoding/binary"
	"fmt"
)

const (
	// maxPayloadSize caps a share payload on the wire (64 KB).
	maxPayloadSize = 64 << 10

	// maxSignatureSize caps a share signature on the wire.
	maxSignatureSize = 256

	// maxEligible caps the explicit candidate list of a creation event.
	maxEligible = 4096

	// maxReasonSize caps a failure reason string on the wire.
	maxReasonSize = 1024

	// maxAddrSize caps a registration dial address on the wire.
	maxAddrSize = 512
)

// Encode serializes an event for gossip transport.
// Format: [1B kind] followed by the kind-specific body, big-endian.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case RequestCreated:
		return encodeRequestCreated(e)
	case ShareSubmitted:
		return encodeShareSubmitted(e)
	case NodeRegistered:
		return encodeNodeRegistered(e)
	case PublickeyAggregated:
		return encodeResult(KindPublickeyAggregated, e.RequestID, e.CombinedKey), nil
	case PlaintextAggregated:
		return encodeResult(KindPlaintextAggregated, e.RequestID, e.Plaintext), nil
	case RequestExpired:
		return encodeReason(KindRequestExpired, e.RequestID, e.Reason)
	case RequestFailed:
		return encodeReason(KindRequestFailed, e.RequestID, e.Reason)
	default:
		return nil, fmt.Errorf("unencodable event kind: 0x%02x", ev.EventKind())
	}
}

// Decode parses a wire message back into an event.
func Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	switch Kind(data[0]) {
	case KindRequestCreated:
		return decodeRequestCreated(data)
	case KindPublicKeyShare:
		return decodeShareSubmitted(data, SharePublicKey)
	case KindDecryptionShare:
		return decodeShareSubmitted(data, ShareDecryption)
	case KindNodeRegistered:
		return decodeNodeRegistered(data)
	case KindPublickeyAggregated:
		id, body, err := decodeResult(data)
		return PublickeyAggregated{RequestID: id, CombinedKey: body}, err
	case KindPlaintextAggregated:
		id, body, err := decodeResult(data)
		return PlaintextAggregated{RequestID: id, Plaintext: body}, err
	case KindRequestExpired:
		id, reason, err := decodeReason(data)
		return RequestExpired{RequestID: id, Reason: reason}, err
	case KindRequestFailed:
		id, reason, err := decodeReason(data)
		return RequestFailed{RequestID: id, Reason: reason}, err
	default:
		return nil, fmt.Errorf("unknown event kind: 0x%02x", data[0])
	}
}

// encodeRequestCreated encodes a creation event.
// Format: [1B kind] [32B requestId] [32B seed] [2B min] [2B total]
// [2B eligibleCount] then per candidate [32B nodeId] [8B weight].
func encodeRequestCreated(e RequestCreated) ([]byte, error) {
	if e.Min < 0 || e.Min > 0xFFFF || e.Total < 0 || e.Total > 0xFFFF {
		return nil, fmt.Errorf("threshold out of range: min=%d total=%d", e.Min, e.Total)
	}

	if len(e.Eligible) > maxEligible {
		return nil, fmt.Errorf("too many eligible nodes: %d > %d", len(e.Eligible), maxEligible)
	}

	buf := make([]byte, 71+len(e.Eligible)*40)
	buf[0] = byte(KindRequestCreated)
	copy(buf[1:33], e.RequestID[:])
	copy(buf[33:65], e.Seed[:])
	binary.BigEndian.PutUint16(buf[65:67], uint16(e.Min))
	binary.BigEndian.PutUint16(buf[67:69], uint16(e.Total))
	binary.BigEndian.PutUint16(buf[69:71], uint16(len(e.Eligible)))

	off := 71
	for _, c := range e.Eligible {
		copy(buf[off:off+32], c.Node[:])
		binary.BigEndian.PutUint64(buf[off+32:off+40], c.Weight)
		off += 40
	}

	return buf, nil
}

// decodeRequestCreated decodes a creation event.
func decodeRequestCreated(data []byte) (RequestCreated, error) {
	if len(data) < 71 {
		return RequestCreated{}, fmt.Errorf("creation event too short: %d < 71", len(data))
	}

	e := RequestCreated{
		Min:   int(binary.BigEndian.Uint16(data[65:67])),
		Total: int(binary.BigEndian.Uint16(data[67:69])),
	}
	copy(e.RequestID[:], data[1:33])
	copy(e.Seed[:], data[33:65])

	count := int(binary.BigEndian.Uint16(data[69:71]))
	if count > maxEligible {
		return RequestCreated{}, fmt.Errorf("too many eligible nodes: %d > %d", count, maxEligible)
	}

	if len(data) < 71+count*40 {
		return RequestCreated{}, fmt.Errorf("eligible list truncated: need %d, have %d", 71+count*40, len(data))
	}

	if count > 0 {
		e.Eligible = make([]Candidate, count)

		off := 71
		for i := 0; i < count; i++ {
			copy(e.Eligible[i].Node[:], data[off:off+32])
			e.Eligible[i].Weight = binary.BigEndian.Uint64(data[off+32 : off+40])
			off += 40
		}
	}

	return e, nil
}

// encodeShareSubmitted encodes a share submission.
// Format: [1B kind] [32B requestId] [32B nodeId] [4B payloadLen] [payload]
// [2B sigLen] [sig].
func encodeShareSubmitted(e ShareSubmitted) ([]byte, error) {
	sh := e.Share

	if len(sh.Payload) == 0 || len(sh.Payload) > maxPayloadSize {
		return nil, fmt.Errorf("invalid payload size: %d", len(sh.Payload))
	}

	if len(sh.Signature) > maxSignatureSize {
		return nil, fmt.Errorf("signature too large: %d > %d", len(sh.Signature), maxSignatureSize)
	}

	buf := make([]byte, 71+len(sh.Payload)+len(sh.Signature))
	buf[0] = byte(e.EventKind())
	copy(buf[1:33], sh.RequestID[:])
	copy(buf[33:65], sh.NodeID[:])
	binary.BigEndian.PutUint32(buf[65:69], uint32(len(sh.Payload)))
	copy(buf[69:], sh.Payload)

	off := 69 + len(sh.Payload)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(sh.Signature)))
	copy(buf[off+2:], sh.Signature)

	return buf, nil
}

// decodeShareSubmitted decodes a share submission of the given kind.
func decodeShareSubmitted(data []byte, kind ShareKind) (ShareSubmitted, error) {
	if len(data) < 71 {
		return ShareSubmitted{}, fmt.Errorf("share event too short: %d < 71", len(data))
	}

	payloadLen := int(binary.BigEndian.Uint32(data[65:69]))
	if payloadLen == 0 || payloadLen > maxPayloadSize {
		return ShareSubmitted{}, fmt.Errorf("invalid payload size: %d", payloadLen)
	}

	if len(data) < 71+payloadLen {
		return ShareSubmitted{}, fmt.Errorf("payload truncated: need %d, have %d", 71+payloadLen, len(data))
	}

	off := 69 + payloadLen
	sigLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	if sigLen > maxSignatureSize {
		return ShareSubmitted{}, fmt.Errorf("signature too large: %d > %d", sigLen, maxSignatureSize)
	}

	if len(data) < off+2+sigLen {
		return ShareSubmitted{}, fmt.Errorf("signature truncated: need %d, have %d", off+2+sigLen, len(data))
	}

	sh := Share{Kind: kind}
	copy(sh.RequestID[:], data[1:33])
	copy(sh.NodeID[:], data[33:65])

	sh.Payload = make([]byte, payloadLen)
	copy(sh.Payload, data[69:69+payloadLen])

	if sigLen > 0 {
		sh.Signature = make([]byte, sigLen)
		copy(sh.Signature, data[off+2:off+2+sigLen])
	}

	return ShareSubmitted{Share: sh}, nil
}

// encodeNodeRegistered encodes a node registration.
// Format: [1B kind] [32B nodeId] [8B weight] [48B blsKey] [2B addrLen]
// [addr].
func encodeNodeRegistered(e NodeRegistered) ([]byte, error) {
	if len(e.Addr) > maxAddrSize {
		return nil, fmt.Errorf("address too long: %d > %d", len(e.Addr), maxAddrSize)
	}

	buf := make([]byte, 91+len(e.Addr))
	buf[0] = byte(KindNodeRegistered)
	copy(buf[1:33], e.Node[:])
	binary.BigEndian.PutUint64(buf[33:41], e.Weight)
	copy(buf[41:89], e.BLSKey[:])
	binary.BigEndian.PutUint16(buf[89:91], uint16(len(e.Addr)))
	copy(buf[91:], e.Addr)

	return buf, nil
}

// decodeNodeRegistered decodes a node registration.
func decodeNodeRegistered(data []byte) (NodeRegistered, error) {
	if len(data) < 91 {
		return NodeRegistered{}, fmt.Errorf("registration event too short: %d < 91", len(data))
	}

	e := NodeRegistered{
		Weight: binary.BigEndian.Uint64(data[33:41]),
	}
	copy(e.Node[:], data[1:33])
	copy(e.BLSKey[:], data[41:89])

	addrLen := int(binary.BigEndian.Uint16(data[89:91]))
	if addrLen > maxAddrSize {
		return NodeRegistered{}, fmt.Errorf("address too long: %d > %d", addrLen, maxAddrSize)
	}

	if len(data) != 91+addrLen {
		return NodeRegistered{}, fmt.Errorf("registration length mismatch: need %d, have %d", 91+addrLen, len(data))
	}

	e.Addr = string(data[91 : 91+addrLen])

	return e, nil
}

// encodeResult encodes an aggregated-result event.
// Format: [1B kind] [32B requestId] [4B len] [result].
func encodeResult(kind Kind, id RequestID, body []byte) []byte {
	buf := make([]byte, 37+len(body))
	buf[0] = byte(kind)
	copy(buf[1:33], id[:])
	binary.BigEndian.PutUint32(buf[33:37], uint32(len(body)))
	copy(buf[37:], body)

	return buf
}

// decodeResult decodes an aggregated-result event body.
func decodeResult(data []byte) (RequestID, []byte, error) {
	var id RequestID

	if len(data) < 37 {
		return id, nil, fmt.Errorf("result event too short: %d < 37", len(data))
	}

	copy(id[:], data[1:33])

	bodyLen := int(binary.BigEndian.Uint32(data[33:37]))
	if bodyLen > maxPayloadSize {
		return id, nil, fmt.Errorf("result too large: %d > %d", bodyLen, maxPayloadSize)
	}

	if len(data) < 37+bodyLen {
		return id, nil, fmt.Errorf("result truncated: need %d, have %d", 37+bodyLen, len(data))
	}

	body := make([]byte, bodyLen)
	copy(body, data[37:37+bodyLen])

	return id, body, nil
}

// encodeReason encodes a terminal-failure event.
// Format: [1B kind] [32B requestId] [2B reasonLen] [reason].
func encodeReason(kind Kind, id RequestID, reason string) ([]byte, error) {
	if len(reason) > maxReasonSize {
		return nil, fmt.Errorf("reason too long: %d > %d", len(reason), maxReasonSize)
	}

	buf := make([]byte, 35+len(reason))
	buf[0] = byte(kind)
	copy(buf[1:33], id[:])
	binary.BigEndian.PutUint16(buf[33:35], uint16(len(reason)))
	copy(buf[35:], reason)

	return buf, nil
}

// decodeReason decodes a terminal-failure event body.
func decodeReason(data []byte) (RequestID, string, error) {
	var id RequestID

	if len(data) < 35 {
		return id, "", fmt.Errorf("failure event too short: %d < 35", len(data))
	}

	copy(id[:], data[1:33])

	reasonLen := int(binary.BigEndian.Uint16(data[33:35]))
	if reasonLen > maxReasonSize {
		return id, "", fmt.Errorf("reason too long: %d > %d", reasonLen, maxReasonSize)
	}

	if len(data) < 35+reasonLen {
		return id, "", fmt.Errorf("reason truncated: need %d, have %d", 35+reasonLen, len(data))
	}

	return id, string(data[35 : 35+reasonLen]), nil
}
