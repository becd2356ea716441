// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package processor

import "github.com/creachadair/flit"

// A SequencePolicy implements the sequenced reliability mode on the
// receiving side: for each sender, sequenced messages are delivered in
// strictly increasing ID order, and a message whose ID is not newer than
// the last one delivered is discarded. Lost messages are not recovered;
// the stream simply advances, which is the desired behavior for
// latest-state traffic.
//
// The policy participates as a RecvPre processor. The zero value is ready
// for use.
type SequencePolicy struct {
	last map[uint32]uint64 // sender → highest delivered ID
}

// NewSequencePolicy constructs a sequencing policy.
func NewSequencePolicy() *SequencePolicy { return &SequencePolicy{} }

// BeforeReceive is a flit.Processor for the RecvPre hook.
func (s *SequencePolicy) BeforeReceive(m *flit.Message) *flit.Message {
	if m.Reliability != flit.Sequenced || m.ID == 0 {
		return m
	}
	if s.last == nil {
		s.last = make(map[uint32]uint64)
	}
	if m.ID <= s.last[m.Sender] {
		return nil // stale or duplicate
	}
	s.last[m.Sender] = m.ID
	return m
}

// Last reports the highest sequenced ID delivered from the given sender.
func (s *SequencePolicy) Last(sender uint32) uint64 { return s.last[sender] }
