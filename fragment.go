// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package flit

import "fmt"

// PartHeaderSize is the number of bytes reserved inside the maximum packet
// size for the wire header of a message part. Each part carries at most
// MaxPacketSize − PartHeaderSize payload bytes.
const PartHeaderSize = 40

// splitMessage splits the encoded payload of m into ordered parts of at most
// maxChunk bytes each. The parts share m's ID as their parent, inherit its
// reliability mode and recipient, and have unassigned IDs of their own so
// that each is numbered when it is eventually sent.
//
// Unreliable messages cannot be split: losing one part would silently lose
// the whole message, which an unreliable part has no way to recover.
func splitMessage(m *Message, maxChunk int) ([]*Message, error) {
	if m.Reliability == Unreliable {
		return nil, fmt.Errorf("cannot split %v message", m.Reliability)
	}
	if maxChunk <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", maxChunk)
	}
	payload := m.Payload
	if len(payload) == 0 {
		return nil, fmt.Errorf("message has no payload")
	}
	count := (len(payload) + maxChunk - 1) / maxChunk
	if count > int(^uint16(0)) {
		return nil, fmt.Errorf("message needs %d parts, limit is %d", count, ^uint16(0))
	}

	parts := make([]*Message, 0, count)
	for i := 0; i < count; i++ {
		lo := i * maxChunk
		hi := min(lo+maxChunk, len(payload))
		parts = append(parts, &Message{
			Kind:        KindPart,
			Reliability: m.Reliability,
			Sender:      m.Sender,
			Receiver:    m.Receiver,
			Addr:        m.Addr,
			Data:        payload[lo:hi],
			Parent:      m.ID,
			Index:       uint16(i),
			Count:       uint16(count),
		})
	}
	return parts, nil
}
