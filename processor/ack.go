// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package processor provides stock processors for flit peers:
// acknowledgement and retransmission of acked messages, ordered delivery
// of sequenced messages, reassembly of fragmented messages, and a message
// log.
//
// Each processor exposes methods matching the flit.Processor signature for
// the hooks it participates in, plus an Attach method binding it to the
// peer it serves. Wire the hook methods into the peer's Config before
// constructing the peer, then Attach:
//
//	ack := processor.NewAckPolicy(processor.AckOptions{})
//	cfg.SendPost = append(cfg.SendPost, ack.AfterSend)
//	cfg.RecvPre = append(cfg.RecvPre, ack.BeforeReceive)
//	cfg.Tickers = append(cfg.Tickers, ack)
//	p := flit.NewPeer(cfg)
//	ack.Attach(p)
package processor

import (
	"time"

	"github.com/creachadair/flit"
	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
)

// AckOptions are the settings for an acknowledgement policy.
// A zero AckOptions is ready for use and provides the defaults below.
type AckOptions struct {
	// ResendInterval is how long an acked-mode message may remain
	// unacknowledged before it is retransmitted. Default: 250ms.
	ResendInterval time.Duration

	// MaxRetries is how many retransmissions are attempted before the
	// message is surfaced as undeliverable. Default: 10.
	MaxRetries int

	// BatchSize is how many inbound IDs are collected before an
	// acknowledgement is sent ahead of the next tick. Default: 16.
	BatchSize int

	// OnExhausted, if set, is called with each message whose retries ran
	// out. The message has been dropped from the retransmission table.
	OnExhausted func(*flit.Message)

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	// Log receives diagnostics. Default: no logging.
	Log *zap.Logger
}

func (o AckOptions) resendInterval() time.Duration {
	if o.ResendInterval <= 0 {
		return 250 * time.Millisecond
	}
	return o.ResendInterval
}

func (o AckOptions) maxRetries() int {
	if o.MaxRetries <= 0 {
		return 10
	}
	return o.MaxRetries
}

func (o AckOptions) batchSize() int {
	if o.BatchSize <= 0 {
		return 16
	}
	return o.BatchSize
}

// An AckPolicy implements the acked reliability mode: it records every
// acked-mode message its peer sends, retransmits those that are not
// acknowledged in time, and acknowledges acked-mode traffic it receives in
// batches. A message whose retries run out is surfaced through the
// OnExhausted callback; it is never dropped silently.
//
// The policy participates as a SendPost and RecvPre processor and as a
// ticker, and registers the instant handler for flit.KindAck on its peer.
type AckPolicy struct {
	opts AckOptions
	log  *zap.Logger
	peer *flit.Peer

	pending map[uint64]*unacked           // sent, awaiting acknowledgement
	toAck   map[uint32]mapset.Set[uint64] // sender → received IDs awaiting acknowledgement
	seen    mapset.Set[seenKey]           // already delivered acked-mode messages
}

// seenKey identifies a received message: IDs are numbered per sender.
type seenKey struct {
	sender uint32
	id     uint64
}

type unacked struct {
	msg    *flit.Message
	sentAt time.Time
	tries  int
}

// NewAckPolicy constructs an acknowledgement policy with the given
// options.
func NewAckPolicy(opts AckOptions) *AckPolicy {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &AckPolicy{
		opts:    opts,
		log:     log,
		pending: make(map[uint64]*unacked),
		toAck:   make(map[uint32]mapset.Set[uint64]),
		seen:    mapset.New[seenKey](),
	}
}

func (a *AckPolicy) now() time.Time {
	if a.opts.Now == nil {
		return time.Now()
	}
	return a.opts.Now()
}

// Attach binds the policy to the peer whose traffic it manages and
// registers the acknowledgement handler.
func (a *AckPolicy) Attach(p *flit.Peer) {
	a.peer = p
	p.Handle(flit.KindAck, a.handleAck)
}

// AfterSend is a flit.Processor for the SendPost hook. It records
// acked-mode messages for retransmission.
func (a *AckPolicy) AfterSend(m *flit.Message) *flit.Message {
	if m.Reliability == flit.Acked && m.Kind != flit.KindAck && !m.Resend {
		a.pending[m.ID] = &unacked{msg: m, sentAt: a.now()}
	}
	return m
}

// BeforeReceive is a flit.Processor for the RecvPre hook. It schedules an
// acknowledgement back to the message's sender for every acked-mode
// message received, and discards duplicates of messages already delivered
// once.
func (a *AckPolicy) BeforeReceive(m *flit.Message) *flit.Message {
	if m.Reliability != flit.Acked || m.ID == 0 {
		return m
	}
	batch := a.toAck[m.Sender]
	if batch == nil {
		batch = mapset.New[uint64]()
		a.toAck[m.Sender] = batch
	}
	batch.Add(m.ID)
	if batch.Len() >= a.opts.batchSize() {
		a.flushAcks()
	}
	key := seenKey{sender: m.Sender, id: m.ID}
	if a.seen.Has(key) {
		return nil // duplicate of a message the peer already delivered
	}
	a.seen.Add(key)
	return m
}

func (a *AckPolicy) handleAck(m *flit.Message) error {
	for id := range m.Acks {
		delete(a.pending, id)
	}
	return nil
}

// Tick implements the flit.Ticker interface: it flushes the outstanding
// acknowledgement batch and retransmits overdue messages.
func (a *AckPolicy) Tick() {
	a.flushAcks()

	now := a.now()
	for id, u := range a.pending {
		if now.Sub(u.sentAt) < a.opts.resendInterval() {
			continue
		}
		if u.tries >= a.opts.maxRetries() {
			delete(a.pending, id)
			a.log.Warn("retries exhausted, giving up",
				zap.Uint64("id", id), zap.Stringer("msg", u.msg))
			if f := a.opts.OnExhausted; f != nil {
				f(u.msg)
			}
			continue
		}
		u.tries++
		u.sentAt = now
		u.msg.Resend = true
		if err := a.peer.Send(u.msg); err != nil {
			a.log.Debug("retransmission failed", zap.Uint64("id", id), zap.Error(err))
		}
	}
}

// Pending reports how many sent messages are awaiting acknowledgement.
func (a *AckPolicy) Pending() int { return len(a.pending) }

// flushAcks sends one acknowledgement batch per sender. The batch is
// addressed to the sender it acknowledges, so a server replies down the
// right stream instead of broadcasting.
func (a *AckPolicy) flushAcks() {
	if len(a.toAck) == 0 || a.peer == nil {
		return
	}
	for sender, batch := range a.toAck {
		ack := flit.Ack()
		ack.Acks = batch
		ack.Receiver = sender
		delete(a.toAck, sender)
		if err := a.peer.Send(ack); err != nil {
			a.log.Debug("acknowledgement not sent",
				zap.Uint32("to", sender), zap.Error(err))
		}
	}
}
