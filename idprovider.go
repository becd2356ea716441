// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package flit

// An IDProvider assigns message IDs. IDs are monotonically non-decreasing
// within each stream the provider manages. Providers are driven only from
// the peer's processing context and need not be safe for concurrent use.
type IDProvider interface {
	// NextID issues the next ID for the stream m belongs to.
	NextID(m *Message) uint64

	// StepBack returns the most recently issued ID of m's stream to the
	// pool, so that the next NextID call re-issues the same value. It is
	// used when fragmentation replaces a single message with parts, so
	// that a failed send does not leak an ID. Stepping back a message
	// whose ID was not the last issued has no effect.
	StepBack(m *Message)

	// PerClientIDs reports whether a server must assign a fresh ID per
	// recipient when broadcasting (independent per-client streams), or
	// reuse a single ID for all recipients (one shared broadcast stream).
	PerClientIDs() bool
}

// MonotonicIDs issues IDs from one shared stream per reliability class.
// All recipients of a broadcast observe the same ID. The zero value is
// ready for use.
type MonotonicIDs struct {
	next [3]uint64 // indexed by Reliability
}

// NextID implements part of the [IDProvider] interface.
func (p *MonotonicIDs) NextID(m *Message) uint64 {
	p.next[m.Reliability]++
	return p.next[m.Reliability]
}

// StepBack implements part of the [IDProvider] interface.
func (p *MonotonicIDs) StepBack(m *Message) {
	if m.ID != 0 && p.next[m.Reliability] == m.ID {
		p.next[m.Reliability]--
	}
}

// PerClientIDs implements part of the [IDProvider] interface.
// Broadcasts from a MonotonicIDs provider share one ID.
func (*MonotonicIDs) PerClientIDs() bool { return false }

// ClientIDs issues IDs the same way as MonotonicIDs, but asks the server to
// number every broadcast recipient individually: each recipient draws a
// fresh, globally distinct ID, and each client observes a strictly
// increasing subsequence of the stream. The zero value is ready for use.
type ClientIDs struct {
	MonotonicIDs
}

// PerClientIDs implements part of the [IDProvider] interface.
// A ClientIDs provider numbers every recipient separately.
func (*ClientIDs) PerClientIDs() bool { return true }
