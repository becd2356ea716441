// Package peers provides support code for managing and testing peers.
package peers

import (
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/flit"
)

// A Fabric is an in-memory datagram network. Ports attached to the fabric
// act as flit transports that pass messages directly, without wire
// encoding, and are addressable by name. A Fabric is suitable for tests
// and examples.
type Fabric struct {
	mu    sync.Mutex
	ports map[string]*Port
}

// NewFabric creates a new empty fabric.
func NewFabric() *Fabric { return &Fabric{ports: make(map[string]*Port)} }

// Port attaches a new port with the given name. Messages without an
// explicit recipient address are delivered to the port named remote; a
// port that addresses every message explicitly (a server) leaves remote
// empty. Port panics if name is already attached.
func (f *Fabric) Port(name, remote string) *Port {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ports[name]; ok {
		panic(fmt.Sprintf("port %q already attached", name))
	}
	p := &Port{
		fabric: f,
		addr:   loopAddr(name),
		remote: remote,
		inbox:  make(chan *flit.Message, 256),
	}
	f.ports[name] = p
	return p
}

func (f *Fabric) lookup(name string) *Port {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports[name]
}

// A Port is one endpoint of a Fabric. It implements flit.Transport and
// flit.Decoder.
type Port struct {
	fabric *Fabric
	addr   loopAddr
	remote string
	inbox  chan *flit.Message

	deliver func(*flit.Message)
}

// Addr returns the port's fabric address.
func (p *Port) Addr() net.Addr { return p.addr }

// Start implements part of the [flit.Transport] interface.
func (p *Port) Start(deliver func(*flit.Message)) error {
	p.deliver = deliver
	return nil
}

// Stop implements part of the [flit.Transport] interface. After a port is
// stopped, sends to it report an error.
func (p *Port) Stop() {
	p.fabric.mu.Lock()
	delete(p.fabric.ports, string(p.addr))
	p.fabric.mu.Unlock()
	close(p.inbox)
}

// Process implements part of the [flit.Transport] interface. It hands all
// parked inbound messages to the peer.
func (p *Port) Process() {
	for {
		select {
		case m, ok := <-p.inbox:
			if !ok {
				return
			}
			p.deliver(m)
		default:
			return
		}
	}
}

// Send implements part of the [flit.Transport] interface. The message is
// cloned, so the sender may keep mutating its copy.
func (p *Port) Send(m *flit.Message) (err error) {
	defer func() {
		if recover() != nil && err == nil {
			err = net.ErrClosed
		}
	}()

	dest := p.remote
	if m.Addr != nil {
		dest = m.Addr.String()
	}
	port := p.fabric.lookup(dest)
	if port == nil {
		return fmt.Errorf("no port %q", dest)
	}

	c := m.Clone()
	c.From = p.addr
	c.Addr = nil
	select {
	case port.inbox <- c:
		return nil
	default:
		return nil // a full inbox drops, as a real network would
	}
}

// Encode implements part of the [flit.Transport] interface. Fabric ports
// do not encode messages; the payload is the bare application data, which
// keeps payload size checks meaningful.
func (p *Port) Encode(m *flit.Message) error {
	m.Payload = m.Data
	return nil
}

// Decode implements the [flit.Decoder] interface for reassembled parts.
func (p *Port) Decode(data []byte) (*flit.Message, error) {
	return &flit.Message{Kind: flit.KindData, Data: data}, nil
}

type loopAddr string

func (loopAddr) Network() string  { return "fabric" }
func (a loopAddr) String() string { return string(a) }

// Local is a server and a client connected through an in-memory fabric,
// suitable for testing.
type Local struct {
	Server *flit.Server
	Client *flit.Peer
}

// NewLocal creates a connected server and client over a fresh fabric. The
// Transport fields of both configurations are filled in; all other fields
// are used as given.
func NewLocal(scfg, ccfg flit.Config) *Local {
	f := NewFabric()
	scfg.Transport = f.Port("server", "")
	ccfg.Transport = f.Port("client", "server")
	return &Local{
		Server: flit.NewServer(scfg),
		Client: flit.NewPeer(ccfg),
	}
}

// Start starts both peers, stopping the server again if the client fails
// to start.
func (l *Local) Start() error {
	if err := l.Server.Start(); err != nil {
		return err
	}
	if err := l.Client.Start(); err != nil {
		l.Server.Stop()
		return err
	}
	return nil
}

// Stop shuts down the client first, then the server.
func (l *Local) Stop() {
	l.Client.Stop()
	l.Server.Stop()
}
