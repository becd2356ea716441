// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package flit implements a reliable, ordered, multi-client messaging layer
// on top of an unreliable datagram transport.
//
// Flit targets small and medium real-time applications — games, simulations,
// tooling — that need low-latency messaging with optional reliability,
// broadcast, and fragmentation, but cannot afford a full TCP stream per
// peer. Messages are fire-and-forget by default; a message may instead ask
// to be sequenced (ordered by ID, stale duplicates dropped) or acknowledged
// (retransmitted until the remote side confirms receipt).
//
// # Peers
//
// The core type defined by this package is the [Peer]. A peer owns a
// [Transport] that carries its datagrams, a paced outbound queue, and a
// pipeline of configurable [Processor] hooks that run around every send and
// receive.
//
// To create a peer, fill in a [Config] and call [NewPeer]:
//
//	p := flit.NewPeer(flit.Config{
//	   LocalID:   7,
//	   Transport: tp,
//	   Receive:   func(m *flit.Message) { ... },
//	})
//
// Call [Peer.Start] to open the transport, then drive the peer by calling
// [Peer.Process] periodically from a single goroutine. All pipeline work —
// pacing, processor hooks, dispatch — happens on the goroutine that calls
// Process. Call [Peer.Stop] to announce departure and close the transport.
//
// # Messages
//
// A [Message] is the universal unit: application payloads and protocol
// control traffic (connect, leave, keep-alive, acknowledgements, fragments)
// share one representation, distinguished by [Kind]. Kinds 0–15 are
// reserved for the protocol; applications may define their own kinds above
// that range and register instant handlers for them with [Peer.Handle].
//
// A message whose encoded payload exceeds the configured maximum packet
// size is either rejected, or — with AutoSplit enabled — replaced by
// ordered parts that re-enter the paced queue and are reassembled on the
// receiving side.
//
// # Servers
//
// A [Server] wraps a peer with a client registry: clients register with a
// connect request, are evicted after a configurable silence, and receive
// keep-alive pulses while idle. A message sent with receiver 0 is fanned
// out to every registered client; the [IDProvider] decides whether each
// recipient observes its own ID stream or one shared broadcast stream.
//
// # Subpackages
//
// The transport package provides the wire encoding and a UDP transport.
// The processor package provides stock processors: acknowledgement and
// retransmission, sequenced delivery, part reassembly, and a message log.
// The peers package provides in-memory connected peers for testing. The
// observe package exports server activity as Prometheus metrics.
package flit
