// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package flit

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// A Server is a peer that multiplexes many clients: it tracks a registry of
// client addresses, evicts clients that fall silent, pulses keep-alives to
// keep idle reliable streams advancing, and fans broadcast messages out to
// every registered client.
//
// The server wraps a Peer and takes over its send and receive extension
// points; all Peer methods are available on the server. Like the Peer, a
// Server is driven from a single processing goroutine. The registry is
// additionally safe for concurrent reads, since the transport may look up
// clients from its own receive context.
type Server struct {
	*Peer

	mu       sync.Mutex
	clients  map[uint32]net.Addr  // client ID → remote address
	lastSeen map[uint32]time.Time // client ID → time of last received message
	required map[uint32]bool      // expected client ID → ready

	// Per-kind traffic counters, owned by the processing goroutine.
	// Only non-resend outbound broadcasts count as outgoing.
	inCount  map[Kind]int
	outCount map[Kind]int

	lastKeepAlive time.Time
}

// NewServer constructs a new unstarted server from cfg. The Host flag of
// the configuration is forced on.
func NewServer(cfg Config) *Server {
	cfg.Host = true
	s := &Server{
		Peer:     NewPeer(cfg),
		clients:  make(map[uint32]net.Addr),
		lastSeen: make(map[uint32]time.Time),
		required: make(map[uint32]bool),
		inCount:  make(map[Kind]int),
		outCount: make(map[Kind]int),
	}
	s.Peer.sendVia = s.broadcastOrDirect
	s.Peer.deliverVia = s.receive
	return s
}

// Process runs one server tick: the peer tick first (paced queue, tickers,
// transport I/O), then the keep-alive pulse, then timeout eviction.
func (s *Server) Process() {
	s.Peer.Process()
	now := s.cfg.now()

	if s.NumClients() > 0 && now.Sub(s.lastKeepAlive) > s.cfg.keepAliveInterval() {
		s.lastKeepAlive = now
		if err := s.Send(KeepAlive()); err != nil {
			s.log.Debug("keep-alive not sent", zap.Error(err))
		} else {
			peerMetrics.keepAlives.Add(1)
		}
	}

	for _, id := range s.expired(now) {
		s.log.Info("client timed out", zap.Uint32("client", id))
		peerMetrics.timeouts.Add(1)
		s.unregister(id)
	}
}

func (s *Server) expired(now time.Time) []uint32 {
	timeout := s.cfg.timeout()
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uint32
	for id, last := range s.lastSeen {
		if now.Sub(last) > timeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// NumClients reports the number of registered clients.
func (s *Server) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Clients returns the IDs of all registered clients, in no particular
// order.
func (s *Server) Clients() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientAddr returns the remote address of the given client, if it is
// registered.
func (s *Server) ClientAddr(id uint32) (net.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.clients[id]
	return addr, ok
}

// MarkReady records that a required client has finished its application
// handshake. It has no effect on clients the server does not require.
func (s *Server) MarkReady(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.required[id]; ok {
		s.required[id] = true
	}
}

// AllReady reports whether every required client is registered and marked
// ready. With an empty expectation set it reports true only when at least
// one client has registered.
func (s *Server) AllReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.cfg.Expected {
		if _, ok := s.required[id]; !ok {
			return false // an expected client has not registered
		}
	}
	if len(s.required) == 0 {
		return len(s.clients) > 0
	}
	for _, ready := range s.required {
		if !ready {
			return false
		}
	}
	return true
}

// knownAddr reports whether addr belongs to a registered client.
// Addresses compare by their string rendering, since transports hand out a
// fresh address value per datagram.
func (s *Server) knownAddr(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	key := addr.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.clients {
		if a.String() == key {
			return true
		}
	}
	return false
}

// receive is the server's inbound pipeline. Control messages update the
// registry; a connection request additionally passes the pre-receive chain,
// so that an acknowledgement policy confirms it. Everything else flows
// through the regular peer pipeline. A message flagged for broadcast is
// then fanned back out to the other clients.
func (s *Server) receive(m *Message) {
	now := s.cfg.now()

	if !s.knownAddr(m.From) && m.Kind != KindConnect {
		s.log.Warn("message from unknown sender", zap.Stringer("msg", m), stringerOrNil("addr", m.From))
		peerMetrics.dropped.Add(1)
		return
	}

	s.inCount[m.Kind]++

	s.mu.Lock()
	last := s.lastSeen[m.Sender]
	if m.Sender > 0 {
		s.lastSeen[m.Sender] = now
	}
	s.mu.Unlock()

	switch m.Kind {
	case KindLeave:
		s.unregister(m.Sender)
	case KindConnect:
		// Clients retransmit connection requests until acknowledged;
		// within the dedup window a repeat is not a re-join.
		if now.Sub(last) > s.cfg.connectWindow() {
			s.register(m.Sender, m.From)
		}
		runChain(s.log, "beforeReceive", s.cfg.RecvPre, m)
	default:
		s.Peer.receive(m)
	}

	if m.Broadcast {
		m.ClearID()
		m.Receiver = 0
		except := m.Sender
		if m.ToSender {
			except = 0
		}
		if err := s.broadcast(m, except); err != nil {
			s.log.Debug("rebroadcast failed", zap.Error(err), zap.Stringer("msg", m))
		}
	}
}

// register adds the client to the registry, treating an existing entry as
// a re-join: the old registration is torn down, hooks included, before the
// new one is recorded.
func (s *Server) register(id uint32, addr net.Addr) {
	s.mu.Lock()
	_, rejoin := s.clients[id]
	s.mu.Unlock()
	if rejoin {
		s.log.Info("client re-join", zap.Uint32("client", id))
		s.unregister(id)
	}

	now := s.cfg.now()
	s.mu.Lock()
	if s.cfg.Expected.IsEmpty() || s.cfg.Expected.Has(id) {
		s.required[id] = false
	}
	s.clients[id] = addr
	s.lastSeen[id] = now
	s.mu.Unlock()

	// Defer the next keep-alive by one interval, so a reliable-stream
	// heartbeat cannot be numbered before the newcomer can see it.
	s.lastKeepAlive = now

	s.log.Info("client registered", zap.Uint32("client", id), stringerOrNil("addr", addr))
	for _, h := range s.cfg.Hooks {
		h.OnRegister(id)
	}
}

// Unregister removes the client from the registry, the liveness map, and
// the required set, and fires the unregister hooks. It has no effect if
// the client is not registered.
func (s *Server) Unregister(id uint32) { s.unregister(id) }

func (s *Server) unregister(id uint32) {
	s.mu.Lock()
	addr, ok := s.clients[id]
	delete(s.clients, id)
	delete(s.lastSeen, id)
	delete(s.required, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.log.Info("client unregistered", zap.Uint32("client", id), stringerOrNil("addr", addr))
	for _, h := range s.cfg.Hooks {
		h.OnUnregister(id)
	}
}

// broadcastOrDirect is the server's Send extension point.
func (s *Server) broadcastOrDirect(m *Message) error { return s.broadcast(m, 0) }

// broadcast fans m out to every registered client except exceptID (0
// excludes no one). A message addressed to a specific receiver bypasses
// the fan-out and goes only to that client.
//
// The ID provider selects between two fan-out disciplines: with per-client
// IDs every recipient gets a freshly numbered, freshly encoded copy and
// the full chain runs per recipient; with a shared ID the message is
// encoded once, the chains run once, and only the address changes between
// transmissions.
func (s *Server) broadcast(m *Message, exceptID uint32) error {
	if m.Receiver > 0 {
		return s.sendTo(m.Receiver, m)
	}

	m.resolve()
	m.prepareToSend()
	if !m.Resend {
		s.outCount[m.Kind]++
	}

	var err error
	if s.ids.PerClientIDs() {
		err = s.fanOutPerClient(m, exceptID)
	} else {
		err = s.fanOutShared(m, exceptID)
	}
	if err == nil {
		// Fresh traffic on every stream: the keep-alive can wait.
		s.lastKeepAlive = s.cfg.now()
	}
	return err
}

// recipients snapshots the registry for a fan-out, excluding exceptID.
func (s *Server) recipients(exceptID uint32) map[uint32]net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]net.Addr, len(s.clients))
	for id, addr := range s.clients {
		if exceptID > 0 && id == exceptID {
			continue
		}
		out[id] = addr
	}
	return out
}

func (s *Server) fanOutPerClient(m *Message, exceptID uint32) error {
	var failed bool
	for id, addr := range s.recipients(exceptID) {
		c := m.Clone()
		c.Receiver = id
		c.ID = s.ids.NextID(c)
		c.Addr = addr
		if err := s.encodePayload(c); err != nil {
			failed = true
			continue
		}
		if err := s.beforeSend(c); err != nil {
			failed = true
			continue
		}
		if err := s.tp.Send(c); err != nil {
			s.log.Error("transmit failed", zap.Error(err), zap.Stringer("msg", c))
			failed = true
			continue
		}
		peerMetrics.sent.Add(1)
		if err := s.afterSend(c); err != nil {
			failed = true
		}
	}
	if failed {
		return ErrDiscarded
	}
	peerMetrics.broadcasts.Add(1)
	return nil
}

func (s *Server) fanOutShared(m *Message, exceptID uint32) error {
	if m.ID == 0 {
		m.ID = s.ids.NextID(m) // one shared ID for the whole fan-out
	}
	if err := s.beforeSend(m); err != nil {
		return err
	}
	// The shared encoding is made while the receiver is still zero, so
	// the wire copy carries the broadcast marker; addressing is purely by
	// socket.
	if err := s.encodePayload(m); err != nil {
		return err
	}

	var failed bool
	for id, addr := range s.recipients(exceptID) {
		m.Receiver = id
		m.Addr = addr
		if err := s.tp.Send(m); err != nil {
			s.log.Error("transmit failed", zap.Error(err), zap.Stringer("msg", m))
			failed = true
			continue
		}
		peerMetrics.sent.Add(1)
	}

	m.Receiver = 0
	if err := s.afterSend(m); err != nil {
		return err
	}
	if failed {
		return ErrDiscarded
	}
	peerMetrics.broadcasts.Add(1)
	return nil
}

// sendTo sends m directly to the given client through the full single-
// recipient pipeline. It fails if the client is not registered.
func (s *Server) sendTo(id uint32, m *Message) error {
	addr, ok := s.ClientAddr(id)
	if !ok {
		s.log.Warn("send to unknown client", zap.Uint32("client", id))
		return ErrUnknownClient
	}
	m.Addr = addr
	return s.Peer.send(m)
}

// MessagesIn reports how many messages of the given kind the server has
// received from registered clients.
func (s *Server) MessagesIn(k Kind) int { return s.inCount[k] }

// MessagesOut reports how many non-resend broadcasts of the given kind the
// server has fanned out.
func (s *Server) MessagesOut(k Kind) int { return s.outCount[k] }

func stringerOrNil(key string, addr net.Addr) zap.Field {
	if addr == nil {
		return zap.Skip()
	}
	return zap.Stringer(key, addr)
}
