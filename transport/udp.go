// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/flit"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// maxDatagramSize is the size of the receive buffer handed to the kernel.
// It comfortably exceeds any payload the core will agree to send.
const maxDatagramSize = 65535

// A UDP is a flit.Transport that exchanges wire-encoded messages over a
// UDP socket. Datagrams are read on a transport-owned goroutine, decoded,
// and parked in a bounded inbox; Process drains the inbox on the peer's
// processing goroutine, so delivery never races pipeline state. When the
// inbox is full further datagrams are dropped, as the network might have
// dropped them.
type UDP struct {
	local  string // local listen address
	remote string // default recipient, empty for servers
	log    *zap.Logger

	conn  *net.UDPConn
	raddr *net.UDPAddr
	tasks *taskgroup.Group
	inbox chan *flit.Message

	deliver func(*flit.Message)
}

// NewUDP constructs an unstarted UDP transport bound to the local address.
// Messages without a recipient address are sent to remote; a server, which
// addresses every message explicitly, leaves remote empty. If log is nil,
// logging is disabled.
func NewUDP(local, remote string, log *zap.Logger) *UDP {
	if log == nil {
		log = zap.NewNop()
	}
	return &UDP{local: local, remote: remote, log: log, inbox: make(chan *flit.Message, 256)}
}

// Start implements part of the [flit.Transport] interface. It opens the
// socket and starts the receive goroutine.
func (u *UDP) Start(deliver func(*flit.Message)) error {
	laddr, err := net.ResolveUDPAddr("udp", u.local)
	if err != nil {
		return fmt.Errorf("resolve local address: %w", err)
	}
	if u.remote != "" {
		u.raddr, err = net.ResolveUDPAddr("udp", u.remote)
		if err != nil {
			return fmt.Errorf("resolve remote address: %w", err)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	u.conn = conn
	u.deliver = deliver
	u.tasks = taskgroup.New(nil)
	u.tasks.Go(u.readLoop)
	return nil
}

func (u *UDP) readLoop() error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				u.log.Error("udp read failed", zap.Error(err))
			}
			return nil
		}
		m, err := Unmarshal(buf[:n])
		if err != nil {
			u.log.Warn("dropping undecodable datagram",
				zap.Stringer("from", addr), zap.Error(err))
			continue
		}
		m.From = addr
		select {
		case u.inbox <- m:
		default:
			u.log.Warn("inbox full, dropping message", zap.Stringer("msg", m))
		}
	}
}

// Stop implements part of the [flit.Transport] interface. It closes the
// socket and waits for the receive goroutine to exit.
func (u *UDP) Stop() {
	if u.conn != nil {
		u.conn.Close()
		u.tasks.Wait()
		u.conn = nil
	}
}

// Process implements part of the [flit.Transport] interface. It hands all
// parked inbound messages to the peer.
func (u *UDP) Process() {
	for {
		select {
		case m := <-u.inbox:
			u.deliver(m)
		default:
			return
		}
	}
}

// Send implements part of the [flit.Transport] interface. The write goes
// straight to the kernel socket buffer and does not block on the network.
func (u *UDP) Send(m *flit.Message) error {
	addr := m.Addr
	if addr == nil {
		if u.raddr == nil {
			return errors.New("message has no recipient address")
		}
		addr = u.raddr
	}
	if _, err := u.conn.WriteTo(m.Payload, addr); err != nil {
		return fmt.Errorf("udp write: %w", err)
	}
	return nil
}

// Encode implements part of the [flit.Transport] interface.
func (u *UDP) Encode(m *flit.Message) error {
	pay, err := Marshal(m)
	if err != nil {
		return err
	}
	m.Payload = pay
	return nil
}

// Decode implements the [flit.Decoder] interface, allowing reassembled
// message parts to re-enter delivery.
func (u *UDP) Decode(data []byte) (*flit.Message, error) { return Unmarshal(data) }

// LocalAddr returns the bound socket address, or nil if the transport has
// not started. Useful when listening on an ephemeral port.
func (u *UDP) LocalAddr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}
