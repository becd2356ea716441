package flit

import (
	"fmt"
	"net"

	"github.com/creachadair/mds/mapset"
)

// A Message is the unit of communication between peers. Application messages
// carry opaque data bytes; protocol messages (connect, leave, keep-alive,
// acknowledgement, part) are distinguished by their Kind and carry their own
// metadata in the corresponding fields.
//
// A Message is not safe for concurrent use. Once handed to a peer for
// sending, the caller must not modify it.
type Message struct {
	ID          uint64      // message ID, 0 until the first send attempt
	Kind        Kind        // structural kind of the message
	Sender      uint32      // sending client ID; 0 means the server
	Receiver    uint32      // receiving client ID; 0 means broadcast
	Reliability Reliability // delivery guarantee requested for the message

	Data    []byte // application bytes carried by the message
	Payload []byte // wire encoding, populated by the transport's Encode hook

	Addr net.Addr // recipient address, set just before transmit
	From net.Addr // origin address, set by the transport on receive

	Resend    bool // the message is a retransmission
	Broadcast bool // a server receiving the message fans it back out
	ToSender  bool // a rebroadcast is also delivered to its original sender

	Features Features // per-message wire features, resolved once

	// Part metadata, meaningful only when Kind == KindPart.
	Parent uint64 // ID of the message this part belongs to
	Index  uint16 // position of this part, 0-based
	Count  uint16 // total number of parts

	// Acks is the batch of message IDs acknowledged by a KindAck message.
	Acks mapset.Set[uint64]

	resolved bool
	prepared bool
}

// NewData constructs an application data message with the given payload
// bytes and reliability mode.
func NewData(data []byte, rel Reliability) *Message {
	return &Message{Kind: KindData, Reliability: rel, Data: data}
}

// Connect constructs a connection request for the given client ID.
// Connection requests are acknowledged so a lossy first exchange does not
// strand the client.
func Connect(clientID uint32) *Message {
	return &Message{Kind: KindConnect, Reliability: Acked, Sender: clientID}
}

// Leave constructs a leave request announcing that the sender is departing.
func Leave() *Message { return &Message{Kind: KindLeave} }

// KeepAlive constructs a heartbeat message. Keep-alives are sequenced so
// that an idle reliable ID stream keeps advancing.
func KeepAlive() *Message {
	return &Message{Kind: KindKeepAlive, Reliability: Sequenced}
}

// Ack constructs an acknowledgement for the given message IDs.
// Acknowledgements are always unreliable.
func Ack(ids ...uint64) *Message {
	return &Message{Kind: KindAck, Reliability: Unreliable, Acks: mapset.New(ids...)}
}

// resolve completes construction of the message before its first send.
// It is idempotent.
func (m *Message) resolve() {
	if m.resolved {
		return
	}
	m.resolved = true
	m.Features.Resolve()
	if m.Kind == KindAck {
		m.Reliability = Unreliable // acks must never recurse into reliability
	}
}

// prepareToSend runs once before the message first enters the send pipeline.
func (m *Message) prepareToSend() {
	if m.prepared {
		return
	}
	m.prepared = true
}

// ClearID resets the message ID so that a fresh ID is assigned on the next
// send attempt. A server clears the ID of a received broadcast message
// before fanning it back out.
func (m *Message) ClearID() { m.ID = 0 }

// Clone returns a copy of m whose data and payload do not alias m.
// The acknowledgement batch, if any, is shared.
func (m *Message) Clone() *Message {
	c := *m
	if m.Data != nil {
		c.Data = append([]byte(nil), m.Data...)
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	switch m.Kind {
	case KindPart:
		return fmt.Sprintf("Message(%v, ID=%d, %d→%d, part %d/%d of %d)",
			m.Kind, m.ID, m.Sender, m.Receiver, m.Index+1, m.Count, m.Parent)
	case KindAck:
		return fmt.Sprintf("Message(%v, ID=%d, %d→%d, %d acks)",
			m.Kind, m.ID, m.Sender, m.Receiver, m.Acks.Len())
	}
	return fmt.Sprintf("Message(%v, %v, ID=%d, %d→%d, %d bytes)",
		m.Kind, m.Reliability, m.ID, m.Sender, m.Receiver, len(m.Data))
}

// Kind describes the structural kind of a message.
//
// All kind values from 0 to 15 inclusive are reserved by the protocol and
// MUST NOT be used for any other purpose. Values from 16 to 255 are
// available for use by the application.
type Kind byte

const (
	KindData      Kind = 1 // application payload
	KindConnect   Kind = 2 // client requests registration
	KindLeave     Kind = 3 // sender announces departure
	KindKeepAlive Kind = 4 // idle-stream heartbeat
	KindAck       Kind = 5 // batch acknowledgement of message IDs
	KindPart      Kind = 6 // fragment of an oversize message

	maxReservedKind = 15
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindConnect:
		return "CONNECT"
	case KindLeave:
		return "LEAVE"
	case KindKeepAlive:
		return "KEEPALIVE"
	case KindAck:
		return "ACK"
	case KindPart:
		return "PART"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Reliability describes the delivery guarantee requested for a message.
type Reliability byte

const (
	Unreliable Reliability = 0 // fire and forget
	Sequenced  Reliability = 1 // ordered by ID, stale and duplicate IDs dropped
	Acked      Reliability = 2 // retransmitted until acknowledged
)

func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "UNRELIABLE"
	case Sequenced:
		return "SEQUENCED"
	case Acked:
		return "ACKED"
	default:
		return fmt.Sprintf("reliability %d", byte(r))
	}
}

// Features is the set of per-message wire features. The flags are resolved
// at most once, on first send or receive, after which they are fixed.
type Features struct {
	Compress bool // payload is compressed on the wire

	resolved bool
}

// Resolve fixes the feature flags. It is idempotent.
func (f *Features) Resolve() { f.resolved = true }

// Resolved reports whether the features have been resolved.
func (f *Features) Resolved() bool { return f.resolved }
