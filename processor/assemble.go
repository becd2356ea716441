// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package processor

import (
	"fmt"

	"github.com/creachadair/flit"
	"go.uber.org/zap"
)

// An Assembler reassembles fragmented messages. It buffers inbound parts
// per sender and parent ID; once all parts of a message have arrived, the
// joined payload is decoded by the transport's decoder and the rebuilt
// message re-enters delivery through the regular receive pipeline.
//
// The assembler registers the instant handler for flit.KindPart on its
// peer; parts themselves never reach the external receiver.
type Assembler struct {
	dec  flit.Decoder
	log  *zap.Logger
	peer *flit.Peer

	open map[partKey]*partBuf
}

type partKey struct {
	sender uint32
	parent uint64
}

type partBuf struct {
	chunks [][]byte
	have   int
}

// NewAssembler constructs an assembler that decodes completed payloads
// with dec. If log is nil, logging is disabled.
func NewAssembler(dec flit.Decoder, log *zap.Logger) *Assembler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assembler{dec: dec, log: log, open: make(map[partKey]*partBuf)}
}

// Attach binds the assembler to the peer it serves and registers the part
// handler.
func (a *Assembler) Attach(p *flit.Peer) {
	a.peer = p
	p.Handle(flit.KindPart, a.handlePart)
}

// Open reports how many fragmented messages are partially assembled.
func (a *Assembler) Open() int { return len(a.open) }

func (a *Assembler) handlePart(m *flit.Message) error {
	if m.Count == 0 || m.Index >= m.Count {
		return fmt.Errorf("invalid part %d of %d", m.Index, m.Count)
	}
	key := partKey{sender: m.Sender, parent: m.Parent}
	buf := a.open[key]
	if buf == nil {
		buf = &partBuf{chunks: make([][]byte, m.Count)}
		a.open[key] = buf
	} else if len(buf.chunks) != int(m.Count) {
		delete(a.open, key)
		return fmt.Errorf("part count changed from %d to %d", len(buf.chunks), m.Count)
	}
	if buf.chunks[m.Index] != nil {
		return nil // duplicate part
	}
	buf.chunks[m.Index] = m.Data
	buf.have++
	if buf.have < len(buf.chunks) {
		return nil
	}
	delete(a.open, key)

	var joined []byte
	for _, c := range buf.chunks {
		joined = append(joined, c...)
	}
	whole, err := a.dec.Decode(joined)
	if err != nil {
		return fmt.Errorf("decode reassembled message: %w", err)
	}
	whole.ID = m.Parent
	whole.Sender = m.Sender
	whole.From = m.From
	a.log.Debug("reassembled message",
		zap.Int("parts", len(buf.chunks)), zap.Stringer("msg", whole))
	a.peer.Deliver(whole)
	return nil
}
