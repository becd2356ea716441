// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package processor

import (
	"github.com/creachadair/flit"
	"go.uber.org/zap"
)

// A Store receives log entries for durable keeping. Implementations must
// be safe for use from the peer's processing goroutine; they should not
// block on slow media.
type Store interface {
	// Append records a message moving in the given direction,
	// "sent" or "received".
	Append(dir string, m *flit.Message) error
}

// A MessageLog keeps a bounded in-memory log of the messages a peer has
// sent and received, filtered by a predicate. Sent reliable messages are
// retained so that a retransmission source can recover them by ID.
//
// The log participates as a SendPost and RecvPre processor.
type MessageLog struct {
	limit  int
	filter func(*flit.Message) bool
	store  Store
	log    *zap.Logger

	sent     []*flit.Message
	received []*flit.Message
	byID     map[uint64]*flit.Message
}

// LogOptions are the settings for a message log.
// A zero LogOptions is ready for use and provides the defaults below.
type LogOptions struct {
	// Limit bounds how many messages are kept per direction; the oldest
	// entries are evicted first. Default: 1024.
	Limit int

	// Filter selects which messages are logged. The default keeps
	// reliable messages only.
	Filter func(*flit.Message) bool

	// Store, if set, additionally receives every logged message.
	Store Store

	// Log receives diagnostics. Default: no logging.
	Log *zap.Logger
}

// ReliableOnly is the default log filter: it keeps messages whose
// reliability mode is not unreliable.
func ReliableOnly(m *flit.Message) bool { return m.Reliability != flit.Unreliable }

// NewMessageLog constructs a message log with the given options.
func NewMessageLog(opts LogOptions) *MessageLog {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1024
	}
	filter := opts.Filter
	if filter == nil {
		filter = ReliableOnly
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageLog{
		limit:  limit,
		filter: filter,
		store:  opts.Store,
		log:    log,
		byID:   make(map[uint64]*flit.Message),
	}
}

// AfterSend is a flit.Processor for the SendPost hook.
func (l *MessageLog) AfterSend(m *flit.Message) *flit.Message {
	if !l.filter(m) || m.Resend {
		return m
	}
	l.sent = append(l.sent, m)
	l.byID[m.ID] = m
	if len(l.sent) > l.limit {
		delete(l.byID, l.sent[0].ID)
		l.sent = l.sent[1:]
	}
	l.persist("sent", m)
	return m
}

// BeforeReceive is a flit.Processor for the RecvPre hook.
func (l *MessageLog) BeforeReceive(m *flit.Message) *flit.Message {
	if !l.filter(m) {
		return m
	}
	l.received = append(l.received, m)
	if len(l.received) > l.limit {
		l.received = l.received[1:]
	}
	l.persist("received", m)
	return m
}

func (l *MessageLog) persist(dir string, m *flit.Message) {
	if l.store == nil {
		return
	}
	if err := l.store.Append(dir, m); err != nil {
		l.log.Warn("message log store failed", zap.String("dir", dir), zap.Error(err))
	}
}

// Sent returns the logged sent message with the given ID, if it is still
// retained.
func (l *MessageLog) Sent(id uint64) (*flit.Message, bool) {
	m, ok := l.byID[id]
	return m, ok
}

// NumSent reports how many sent messages are retained.
func (l *MessageLog) NumSent() int { return len(l.sent) }

// NumReceived reports how many received messages are retained.
func (l *MessageLog) NumReceived() int { return len(l.received) }
