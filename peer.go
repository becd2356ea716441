// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package flit

import (
	"errors"
	"expvar"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors reported by the send pipeline. Use errors.Is to test the
// cause of a failed send.
var (
	// ErrDiscarded reports that a processor vetoed the message.
	ErrDiscarded = errors.New("message discarded by a processor")

	// ErrOversize reports that the encoded payload exceeds the maximum
	// packet size and could not be split.
	ErrOversize = errors.New("payload exceeds the maximum packet size")

	// ErrSplit reports that the message was not sent as-is: its payload
	// was split into parts that now await paced release from the queue.
	ErrSplit = errors.New("message split into queued parts")

	// ErrUnknownClient reports a direct send to an unregistered client.
	ErrUnknownClient = errors.New("no such client")
)

// A KindHandler services an inbound message of a registered kind
// synchronously on the processing context, in place of delivery to the
// external receiver. Errors are logged and do not stop the pipeline.
type KindHandler func(*Message) error

// A Peer implements the per-message send and receive pipelines, the paced
// outbound queue, and the peer lifecycle. Create a peer with NewPeer, call
// Start to open its transport, drive it by calling Process periodically,
// and call Stop to announce departure and close the transport.
//
// A Peer is driven from a single processing goroutine: Process, Send,
// Enqueue, and Deliver must all be called from the same goroutine. The
// transport may receive datagrams concurrently, but hands them over only
// during Process.
type Peer struct {
	cfg Config
	log *zap.Logger
	tp  Transport
	ids IDProvider

	// Extension points the server overrides. sendVia routes Send and the
	// paced queue; deliverVia routes inbound messages from the transport.
	sendVia    func(*Message) error
	deliverVia func(*Message)

	kmux map[Kind]KindHandler // instant dispatch table

	queue    []*Message
	lastTick time.Time
	delayAcc time.Duration

	started   bool
	connected bool
}

// NewPeer constructs a new unstarted peer from cfg.
// It panics if cfg.Transport is nil.
func NewPeer(cfg Config) *Peer {
	if cfg.Transport == nil {
		panic("config has no transport")
	}
	p := &Peer{
		cfg:  cfg,
		log:  cfg.logger(),
		tp:   cfg.Transport,
		ids:  cfg.IDs,
		kmux: make(map[Kind]KindHandler),
	}
	if p.ids == nil {
		p.ids = new(MonotonicIDs)
	}
	p.sendVia = p.send
	p.deliverVia = p.receive

	// Heartbeats are protocol plumbing: their IDs advance the sequenced
	// stream, but the application never sees them.
	p.kmux[KindKeepAlive] = func(*Message) error { return nil }
	return p
}

// Start opens the peer's transport. If the transport fails to start, Start
// reports the error and the peer remains unconnected.
func (p *Peer) Start() error {
	if p.started {
		panic("peer is already started")
	}
	if err := p.tp.Start(p.Deliver); err != nil {
		p.log.Error("transport start failed", zap.Error(err))
		return err
	}
	p.started = true
	p.connected = true
	p.lastTick = p.cfg.now()
	return nil
}

// Stop announces departure to the remote side and closes the transport.
// Messages still waiting in the outbound queue are discarded.
func (p *Peer) Stop() {
	if !p.started {
		return
	}
	p.log.Info("stopping peer")
	if err := p.Send(Leave()); err != nil {
		p.log.Debug("leave request not sent", zap.Error(err))
	}
	p.tp.Stop()
	p.queue = nil
	p.started = false
	p.connected = false
}

// Connected reports whether the peer's transport started successfully and
// has not been stopped.
func (p *Peer) Connected() bool { return p.connected }

// Metrics returns the peer metrics map. It is safe for the caller to add
// additional metrics to the map.
func (p *Peer) Metrics() *expvar.Map { return peerMetrics.emap }

// Process runs one cooperative tick: it releases at most one queued message
// once the configured pacing delay has accumulated, gives the configured
// tickers processing time, and drives the transport's I/O.
func (p *Peer) Process() {
	now := p.cfg.now()
	if !p.lastTick.IsZero() {
		p.delayAcc += now.Sub(p.lastTick)
	}
	p.lastTick = now

	if p.delayAcc > p.cfg.QueueDelay && len(p.queue) > 0 {
		m := p.queue[0]
		p.queue = p.queue[1:]
		if err := p.Send(m); err != nil {
			p.log.Debug("queued message not sent", zap.Error(err), zap.Stringer("msg", m))
		}
		p.delayAcc = 0
	}

	for _, t := range p.cfg.Tickers {
		t.Tick()
	}
	p.tp.Process()
}

// Enqueue appends m to the outbound queue for paced release. Queued
// messages leave in insertion order, one per eligible Process tick.
func (p *Peer) Enqueue(m *Message) {
	p.queue = append(p.queue, m)
	peerMetrics.queued.Add(1)
}

// QueueLen reports the number of messages awaiting paced release.
func (p *Peer) QueueLen() int { return len(p.queue) }

// Send sends m through the peer's send pipeline. On a server, Send fans
// broadcast messages out to every registered client instead.
func (p *Peer) Send(m *Message) error { return p.sendVia(m) }

// Deliver accepts an inbound message from the transport and routes it
// through the receive pipeline. Transports call Deliver from the
// processing context; it is the deliver callback passed to Transport.Start.
func (p *Peer) Deliver(m *Message) {
	peerMetrics.received.Add(1)
	p.deliverVia(m)
}

// Handle registers an instant handler for the given message kind. Inbound
// messages of that kind are serviced synchronously by the handler instead
// of being passed to the external receiver. Passing a nil handler removes
// any handler for the kind. Handle returns p to permit chaining.
func (p *Peer) Handle(k Kind, h KindHandler) *Peer {
	if h == nil {
		delete(p.kmux, k)
	} else {
		p.kmux[k] = h
	}
	return p
}

// send is the single-recipient send pipeline. Every stage must succeed for
// the next to run; the first failure is returned to the caller.
func (p *Peer) send(m *Message) error {
	p.resolveMessage(m)
	if err := p.encodePayload(m); err != nil {
		return err
	}
	if err := p.beforeSend(m); err != nil {
		return err
	}
	if err := p.checkPayloadSize(m); err != nil {
		return err
	}
	if err := p.tp.Send(m); err != nil {
		p.log.Error("transmit failed", zap.Error(err), zap.Stringer("msg", m))
		return err
	}
	peerMetrics.sent.Add(1)
	p.log.Debug("sent message", zap.Stringer("msg", m))
	return p.afterSend(m)
}

// resolveMessage completes the message for sending: it resolves features,
// stamps the local sender ID, and assigns a message ID on the first send
// attempt. Retransmissions keep the ID they already carry.
func (p *Peer) resolveMessage(m *Message) {
	m.resolve()
	m.prepareToSend()
	if m.Sender == 0 && !p.cfg.Host {
		m.Sender = p.cfg.LocalID
	}
	if m.ID == 0 {
		m.ID = p.ids.NextID(m)
	}
}

func (p *Peer) encodePayload(m *Message) error {
	if err := p.tp.Encode(m); err != nil {
		p.log.Error("payload encoding failed", zap.Error(err), zap.Stringer("msg", m))
		return fmt.Errorf("encode payload: %w", err)
	}
	return nil
}

// beforeSend runs the pre-send chain and the reserved congestion-control
// slot. A discard at either stops the pipeline.
func (p *Peer) beforeSend(m *Message) error {
	if !runChain(p.log, "beforeSend", p.cfg.SendPre, m) {
		return ErrDiscarded
	}
	if c := p.cfg.Congestion; c != nil {
		if c(m) == nil {
			p.log.Debug("message held by congestion control", zap.Stringer("msg", m))
			return ErrDiscarded
		}
	}
	return nil
}

func (p *Peer) afterSend(m *Message) error {
	if !runChain(p.log, "afterSend", p.cfg.SendPost, m) {
		return ErrDiscarded
	}
	return nil
}

// checkPayloadSize enforces the maximum packet size. An oversize message
// has its ID stepped back so the failed attempt does not leak one; with
// AutoSplit enabled its payload is split into parts that re-enter the
// paced queue. Either way the original is not sent and the caller is told
// so. Parts themselves are never re-split.
func (p *Peer) checkPayloadSize(m *Message) error {
	max := p.cfg.maxPacket()
	if len(m.Payload) <= max || m.Kind == KindPart {
		return nil
	}
	p.ids.StepBack(m)

	if !p.cfg.AutoSplit {
		p.log.Error("payload exceeds maximum packet size",
			zap.Int("size", len(m.Payload)), zap.Int("max", max), zap.Stringer("msg", m))
		return ErrOversize
	}

	parts, err := splitMessage(m, max-PartHeaderSize)
	if err != nil {
		p.log.Error("cannot split oversize message", zap.Error(err), zap.Stringer("msg", m))
		return fmt.Errorf("%w: %v", ErrOversize, err)
	}
	p.log.Info("splitting oversize message",
		zap.Int("size", len(m.Payload)), zap.Int("parts", len(parts)), zap.Stringer("msg", m))
	for _, part := range parts {
		p.Enqueue(part)
	}
	peerMetrics.splits.Add(1)
	return ErrSplit
}

// receive is the inbound pipeline: resolve features, run the pre-receive
// chain, dispatch to an instant handler or the external receiver, then run
// the post-receive chain. The whole pipeline runs to completion before the
// next message is processed.
func (p *Peer) receive(m *Message) {
	m.Features.Resolve()

	if !runChain(p.log, "beforeReceive", p.cfg.RecvPre, m) {
		peerMetrics.dropped.Add(1)
		return
	}
	p.log.Debug("received message", zap.Stringer("msg", m))

	if h, ok := p.kmux[m.Kind]; ok {
		if err := h(m); err != nil {
			p.log.Error("instant handler failed",
				zap.Stringer("kind", m.Kind), zap.Error(err))
		}
	} else if r := p.cfg.Receive; r != nil {
		r(m)
	}

	runChain(p.log, "afterReceive", p.cfg.RecvPost, m)
}
