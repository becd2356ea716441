// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package flit

import (
	"time"

	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
)

// A Transport carries encoded messages between peers over an unreliable
// datagram socket. The core is transport-format-agnostic: all bytes flow
// through the transport, and the core dictates only which message fields
// the encoding must preserve.
//
// Send must not block on the network beyond handing the datagram to the
// kernel. Inbound messages may arrive on a transport-owned goroutine; an
// implementation must either deliver them during Process or hand them to
// the deliver callback from a single goroutine at a time.
type Transport interface {
	// Start opens the transport. Inbound messages are handed to deliver.
	Start(deliver func(*Message)) error

	// Stop closes the transport and releases its resources.
	Stop()

	// Process gives the transport a share of the peer's processing time.
	Process()

	// Send transmits the message's encoded payload to m.Addr.
	Send(m *Message) error

	// Encode populates m.Payload with the wire encoding of m.
	Encode(m *Message) error
}

// A Decoder recovers a message from its wire encoding. Transports that
// support reassembly of fragmented messages implement this interface.
type Decoder interface {
	Decode(data []byte) (*Message, error)
}

// Config carries the dependencies and tuning options of a peer. A zero
// Config is usable apart from the Transport, which is required. Config
// values are read-mostly after the peer starts; the processor chains are
// immutable once Start has been called.
type Config struct {
	// LocalID is the client ID this peer stamps on outbound messages that
	// do not already carry a sender. The server uses 0.
	LocalID uint32

	// Host marks the peer as a server. NewServer sets it.
	Host bool

	// MaxPacketSize is the hard cap on a single datagram payload, in
	// bytes. Default: 1400.
	MaxPacketSize int

	// AutoSplit enables fragmentation of oversize payloads into parts.
	AutoSplit bool

	// QueueDelay is the minimum gap between paced releases from the
	// outbound queue. Zero releases one queued message per tick.
	QueueDelay time.Duration

	// KeepAliveInterval is the server's heartbeat cadence. Default: 1s.
	KeepAliveInterval time.Duration

	// Timeout is the silence threshold after which the server evicts a
	// client. Default: 10s.
	Timeout time.Duration

	// ConnectWindow is the deduplication window for connection requests
	// from the same client. Default: 2s.
	ConnectWindow time.Duration

	// Expected lists the client IDs the server will track as required
	// participants. Empty accepts any client.
	Expected mapset.Set[uint32]

	// Transport carries the peer's datagrams. Required.
	Transport Transport

	// IDs assigns message IDs. Default: a shared MonotonicIDs stream.
	IDs IDProvider

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	// Receive accepts inbound messages that no instant handler claims.
	Receive func(*Message)

	// Log receives the peer's diagnostics. Default: a no-op logger.
	Log *zap.Logger

	// Processor chains, in hook order. SendPre runs before the congestion
	// slot, SendPost after transmit; RecvPre before dispatch, RecvPost
	// after.
	SendPre  []Processor
	SendPost []Processor
	RecvPre  []Processor
	RecvPost []Processor

	// Congestion is the reserved congestion-control slot, run between the
	// pre-send chain and the size check. Nil passes messages through.
	Congestion Processor

	// Tickers are given processing time on every Process call.
	Tickers []Ticker

	// Hooks receive client registration events on a server.
	Hooks []ServerHooks
}

func (c *Config) maxPacket() int {
	if c.MaxPacketSize <= 0 {
		return 1400
	}
	return c.MaxPacketSize
}

func (c *Config) keepAliveInterval() time.Duration {
	if c.KeepAliveInterval <= 0 {
		return time.Second
	}
	return c.KeepAliveInterval
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

func (c *Config) connectWindow() time.Duration {
	if c.ConnectWindow <= 0 {
		return 2 * time.Second
	}
	return c.ConnectWindow
}

func (c *Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Config) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}
