// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package transport provides the flit wire encoding and a UDP transport
// implementation of the flit.Transport interface.
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/creachadair/flit"
	"github.com/creachadair/mds/mapset"
)

// Wire format, all integers big-endian:
//
//	[0:2]   magic "FL"
//	[2]     protocol version (0)
//	[3]     kind
//	[4]     reliability
//	[5]     flags (1 resend, 2 broadcast, 4 to-sender, 8 compress)
//	[6:10]  sender ID
//	[10:14] receiver ID
//	[14:22] message ID
//
// A part message continues with its parent ID (8 bytes), part index and
// part count (2 bytes each); an ack message continues with an ID count
// (2 bytes) followed by that many 8-byte IDs. The remaining bytes are the
// message data.
const (
	headerSize    = 22
	partExtraSize = 12

	flagResend    = 1 << 0
	flagBroadcast = 1 << 1
	flagToSender  = 1 << 2
	flagCompress  = 1 << 3
)

// Marshal encodes m in binary format.
func Marshal(m *flit.Message) ([]byte, error) {
	size := headerSize + len(m.Data)
	switch m.Kind {
	case flit.KindPart:
		size += partExtraSize
	case flit.KindAck:
		if m.Acks.Len() > int(^uint16(0)) {
			return nil, fmt.Errorf("ack batch too large (%d IDs)", m.Acks.Len())
		}
		size += 2 + 8*m.Acks.Len()
	}

	buf := make([]byte, 0, size)
	buf = append(buf, 'F', 'L', 0, byte(m.Kind), byte(m.Reliability), flags(m))
	buf = binary.BigEndian.AppendUint32(buf, m.Sender)
	buf = binary.BigEndian.AppendUint32(buf, m.Receiver)
	buf = binary.BigEndian.AppendUint64(buf, m.ID)

	switch m.Kind {
	case flit.KindPart:
		buf = binary.BigEndian.AppendUint64(buf, m.Parent)
		buf = binary.BigEndian.AppendUint16(buf, m.Index)
		buf = binary.BigEndian.AppendUint16(buf, m.Count)
	case flit.KindAck:
		buf = binary.BigEndian.AppendUint16(buf, uint16(m.Acks.Len()))
		for id := range m.Acks {
			buf = binary.BigEndian.AppendUint64(buf, id)
		}
	}
	return append(buf, m.Data...), nil
}

func flags(m *flit.Message) byte {
	var f byte
	if m.Resend {
		f |= flagResend
	}
	if m.Broadcast {
		f |= flagBroadcast
	}
	if m.ToSender {
		f |= flagToSender
	}
	if m.Features.Compress {
		f |= flagCompress
	}
	return f
}

// Unmarshal decodes data as a flit wire message.
func Unmarshal(data []byte) (*flit.Message, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("short message header (%d bytes)", len(data))
	}
	if p := string(data[:3]); p != "FL\x00" {
		return nil, fmt.Errorf("invalid protocol header %q", p)
	}

	m := &flit.Message{
		Kind:        flit.Kind(data[3]),
		Reliability: flit.Reliability(data[4]),
		Sender:      binary.BigEndian.Uint32(data[6:]),
		Receiver:    binary.BigEndian.Uint32(data[10:]),
		ID:          binary.BigEndian.Uint64(data[14:]),
	}
	if m.Reliability > flit.Acked {
		return nil, fmt.Errorf("invalid reliability %d", data[4])
	}
	f := data[5]
	m.Resend = f&flagResend != 0
	m.Broadcast = f&flagBroadcast != 0
	m.ToSender = f&flagToSender != 0
	m.Features.Compress = f&flagCompress != 0

	rest := data[headerSize:]
	switch m.Kind {
	case flit.KindPart:
		if len(rest) < partExtraSize {
			return nil, fmt.Errorf("short part header (%d bytes)", len(rest))
		}
		m.Parent = binary.BigEndian.Uint64(rest[0:])
		m.Index = binary.BigEndian.Uint16(rest[8:])
		m.Count = binary.BigEndian.Uint16(rest[10:])
		if m.Count == 0 || m.Index >= m.Count {
			return nil, fmt.Errorf("invalid part %d of %d", m.Index, m.Count)
		}
		rest = rest[partExtraSize:]
	case flit.KindAck:
		if len(rest) < 2 {
			return nil, fmt.Errorf("short ack header (%d bytes)", len(rest))
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < 8*n {
			return nil, fmt.Errorf("ack batch truncated (%d of %d IDs)", len(rest)/8, n)
		}
		m.Acks = mapset.New[uint64]()
		for i := 0; i < n; i++ {
			m.Acks.Add(binary.BigEndian.Uint64(rest[8*i:]))
		}
		rest = rest[8*n:]
	}

	if len(rest) > 0 {
		m.Data = append([]byte(nil), rest...)
	}
	return m, nil
}
