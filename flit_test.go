// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package flit_test

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/creachadair/flit"
	"github.com/creachadair/mds/mapset"
	"github.com/google/go-cmp/cmp"
)

// testAddr is a fake network address.
type testAddr string

func (testAddr) Network() string  { return "test" }
func (a testAddr) String() string { return string(a) }

// testTransport is a flit.Transport that records every transmitted message
// and lets the test inject failures.
type testTransport struct {
	sent      []*flit.Message // clones, captured at Send time
	encodeErr error
	sendErr   error
	deliver   func(*flit.Message)
}

func (t *testTransport) Start(deliver func(*flit.Message)) error {
	t.deliver = deliver
	return nil
}
func (t *testTransport) Stop()    {}
func (t *testTransport) Process() {}

func (t *testTransport) Send(m *flit.Message) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, m.Clone())
	return nil
}

// Encode uses the bare message data as the payload, which keeps payload
// size checks meaningful without a wire format.
func (t *testTransport) Encode(m *flit.Message) error {
	if t.encodeErr != nil {
		return t.encodeErr
	}
	m.Payload = m.Data
	return nil
}

// sentTo returns the recipients of all recorded sends of the given kind.
// A send without an explicit address, which goes to the transport's default
// remote, is reported as "".
func (t *testTransport) sentTo(k flit.Kind) []string {
	var out []string
	for _, m := range t.sent {
		if m.Kind != k {
			continue
		}
		if m.Addr == nil {
			out = append(out, "")
		} else {
			out = append(out, m.Addr.String())
		}
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1000, 0)} }

func (c *fakeClock) Now() time.Time { return c.t }

// at moves the clock to base+d.
func (c *fakeClock) at(d time.Duration) { c.t = time.Unix(1000, 0).Add(d) }

// hookLog records server hook invocations in order.
type hookLog struct{ events []string }

func (h *hookLog) OnRegister(id uint32)   { h.events = append(h.events, fmt.Sprintf("reg %d", id)) }
func (h *hookLog) OnUnregister(id uint32) { h.events = append(h.events, fmt.Sprintf("unreg %d", id)) }

// connectFrom delivers a connection request for the given client from addr.
func connectFrom(s *flit.Server, id uint32, addr net.Addr) {
	m := flit.Connect(id)
	m.From = addr
	s.Deliver(m)
}

func TestConnectAndKeepAlive(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	hooks := new(hookLog)
	srv := flit.NewServer(flit.Config{
		Transport:         tp,
		Now:               clk.Now,
		KeepAliveInterval: 100 * time.Millisecond,
		Timeout:           500 * time.Millisecond,
		Hooks:             []flit.ServerHooks{hooks},
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	clk.at(10 * time.Millisecond)
	connectFrom(srv, 7, testAddr("addr7"))

	if diff := cmp.Diff([]uint32{7}, srv.Clients()); diff != "" {
		t.Errorf("Clients (-want, +got):\n%s", diff)
	}
	if addr, ok := srv.ClientAddr(7); !ok || addr.String() != "addr7" {
		t.Errorf("ClientAddr(7) = %v, %v; want addr7, true", addr, ok)
	}
	if diff := cmp.Diff([]string{"reg 7"}, hooks.events); diff != "" {
		t.Errorf("Hook events (-want, +got):\n%s", diff)
	}

	// No keep-alive is due before the interval has elapsed.
	clk.at(50 * time.Millisecond)
	srv.Process()
	if got := tp.sentTo(flit.KindKeepAlive); got != nil {
		t.Errorf("Keep-alives at t=50: %v, want none", got)
	}

	clk.at(120 * time.Millisecond)
	srv.Process()
	if diff := cmp.Diff([]string{"addr7"}, tp.sentTo(flit.KindKeepAlive)); diff != "" {
		t.Errorf("Keep-alive recipients (-want, +got):\n%s", diff)
	}
}

func TestTimeoutEviction(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	hooks := new(hookLog)
	srv := flit.NewServer(flit.Config{
		Transport: tp,
		Now:       clk.Now,
		Timeout:   500 * time.Millisecond,
		Hooks:     []flit.ServerHooks{hooks},
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	clk.at(10 * time.Millisecond)
	connectFrom(srv, 7, testAddr("addr7"))

	clk.at(600 * time.Millisecond)
	srv.Process()
	srv.Process() // a second tick must not re-fire the hook

	if n := srv.NumClients(); n != 0 {
		t.Errorf("NumClients = %d, want 0", n)
	}
	if diff := cmp.Diff([]string{"reg 7", "unreg 7"}, hooks.events); diff != "" {
		t.Errorf("Hook events (-want, +got):\n%s", diff)
	}
}

func TestAutoSplit(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	p := flit.NewPeer(flit.Config{
		Transport:     tp,
		Now:           clk.Now,
		MaxPacketSize: 1200,
		AutoSplit:     true,
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	big := flit.NewData(make([]byte, 3000), flit.Sequenced)
	if err := p.Send(big); !errors.Is(err, flit.ErrSplit) {
		t.Fatalf("Send: got error %v, want %v", err, flit.ErrSplit)
	}
	if len(tp.sent) != 0 {
		t.Errorf("Transmitted %d messages before pacing, want 0", len(tp.sent))
	}
	if n := p.QueueLen(); n != 3 {
		t.Errorf("QueueLen = %d, want 3", n)
	}

	// The split message's ID was stepped back: the next message to be
	// numbered must receive the ID the failed send briefly held.
	small := flit.NewData([]byte("ok"), flit.Sequenced)
	if err := p.Send(small); err != nil {
		t.Fatalf("Send small: %v", err)
	}
	if small.ID != big.ID {
		t.Errorf("Reissued ID = %d, want %d", small.ID, big.ID)
	}

	// Drain the queue: one part per tick, in order.
	for i := 0; i < 3; i++ {
		clk.at(time.Duration(i+1) * 10 * time.Millisecond)
		p.Process()
	}
	var parts []*flit.Message
	for _, m := range tp.sent {
		if m.Kind == flit.KindPart {
			parts = append(parts, m)
		}
	}
	if len(parts) != 3 {
		t.Fatalf("Transmitted %d parts, want 3", len(parts))
	}
	for i, part := range parts {
		if int(part.Index) != i {
			t.Errorf("Part %d has index %d", i, part.Index)
		}
		if part.Count != 3 {
			t.Errorf("Part %d has count %d, want 3", i, part.Count)
		}
		if part.Parent != big.ID {
			t.Errorf("Part %d has parent %d, want %d", i, part.Parent, big.ID)
		}
		if len(part.Data) > 1160 {
			t.Errorf("Part %d carries %d bytes, want at most 1160", i, len(part.Data))
		}
	}
}

func TestOversizeUnsplittable(t *testing.T) {
	tp := new(testTransport)
	p := flit.NewPeer(flit.Config{Transport: tp, MaxPacketSize: 100})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// Splitting disabled.
	m := flit.NewData(make([]byte, 200), flit.Sequenced)
	if err := p.Send(m); !errors.Is(err, flit.ErrOversize) {
		t.Errorf("Send: got error %v, want %v", err, flit.ErrOversize)
	}

	// Splitting enabled, but unreliable messages cannot be split.
	p2 := flit.NewPeer(flit.Config{Transport: tp, MaxPacketSize: 100, AutoSplit: true})
	if err := p2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p2.Stop()
	u := flit.NewData(make([]byte, 200), flit.Unreliable)
	if err := p2.Send(u); !errors.Is(err, flit.ErrOversize) {
		t.Errorf("Send unreliable: got error %v, want %v", err, flit.ErrOversize)
	}
	if n := p2.QueueLen(); n != 0 {
		t.Errorf("QueueLen = %d, want 0", n)
	}
}

// registerThree registers clients 1, 2, 3 with distinct addresses.
func registerThree(srv *flit.Server, clk *fakeClock) {
	clk.at(10 * time.Millisecond)
	connectFrom(srv, 1, testAddr("a"))
	connectFrom(srv, 2, testAddr("b"))
	connectFrom(srv, 3, testAddr("c"))
}

func TestBroadcastSharedIDs(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	var pre, post int
	srv := flit.NewServer(flit.Config{
		Transport: tp,
		Now:       clk.Now,
		IDs:       new(flit.MonotonicIDs), // shared broadcast stream
		SendPre:   []flit.Processor{func(m *flit.Message) *flit.Message { pre++; return m }},
		SendPost:  []flit.Processor{func(m *flit.Message) *flit.Message { post++; return m }},
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()
	registerThree(srv, clk)

	m := flit.NewData([]byte("hello"), flit.Sequenced)
	if err := srv.Send(m); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var ids []uint64
	var addrs []string
	for _, sm := range tp.sent {
		if sm.Kind != flit.KindData {
			continue
		}
		ids = append(ids, sm.ID)
		addrs = append(addrs, sm.Addr.String())
	}
	if len(addrs) != 3 {
		t.Fatalf("Transmitted %d copies, want 3", len(addrs))
	}
	for i, id := range ids {
		if id != ids[0] {
			t.Errorf("Copy %d has ID %d, want shared ID %d", i, id, ids[0])
		}
	}
	if pre != 1 || post != 1 {
		t.Errorf("Chains ran pre=%d post=%d times, want 1 and 1", pre, post)
	}
	if got := srv.MessagesOut(flit.KindData); got != 1 {
		t.Errorf("MessagesOut(DATA) = %d, want 1", got)
	}
	if m.Receiver != 0 {
		t.Errorf("Receiver = %d after fan-out, want 0", m.Receiver)
	}
}

func TestBroadcastPerClientIDs(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	var pre, post int
	srv := flit.NewServer(flit.Config{
		Transport: tp,
		Now:       clk.Now,
		IDs:       new(flit.ClientIDs), // number each recipient individually
		SendPre:   []flit.Processor{func(m *flit.Message) *flit.Message { pre++; return m }},
		SendPost:  []flit.Processor{func(m *flit.Message) *flit.Message { post++; return m }},
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()
	registerThree(srv, clk)

	if err := srv.Send(flit.NewData([]byte("hello"), flit.Sequenced)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ids := make(map[uint64]bool)
	n := 0
	for _, sm := range tp.sent {
		if sm.Kind != flit.KindData {
			continue
		}
		n++
		ids[sm.ID] = true
	}
	if n != 3 {
		t.Fatalf("Transmitted %d copies, want 3", n)
	}
	if len(ids) != 3 {
		t.Errorf("Distinct IDs = %d, want 3", len(ids))
	}
	if pre != 3 || post != 3 {
		t.Errorf("Chains ran pre=%d post=%d times, want 3 and 3", pre, post)
	}
}

func TestRejoin(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	hooks := new(hookLog)
	srv := flit.NewServer(flit.Config{
		Transport:     tp,
		Now:           clk.Now,
		ConnectWindow: time.Second,
		Hooks:         []flit.ServerHooks{hooks},
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	clk.at(0)
	connectFrom(srv, 4, testAddr("old"))

	// A repeat connect inside the dedup window is ignored.
	clk.at(500 * time.Millisecond)
	connectFrom(srv, 4, testAddr("dup"))
	if addr, _ := srv.ClientAddr(4); addr.String() != "old" {
		t.Errorf("Address after dup connect = %v, want old", addr)
	}

	clk.at(2 * time.Second)
	connectFrom(srv, 4, testAddr("new"))

	if diff := cmp.Diff([]string{"reg 4", "unreg 4", "reg 4"}, hooks.events); diff != "" {
		t.Errorf("Hook events (-want, +got):\n%s", diff)
	}
	if addr, ok := srv.ClientAddr(4); !ok || addr.String() != "new" {
		t.Errorf("ClientAddr(4) = %v, %v; want new, true", addr, ok)
	}
}

func TestRebroadcastExcludesSender(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	var got []*flit.Message
	srv := flit.NewServer(flit.Config{
		Transport: tp,
		Now:       clk.Now,
		Receive:   func(m *flit.Message) { got = append(got, m) },
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()
	registerThree(srv, clk)

	m := flit.NewData([]byte("shout"), flit.Sequenced)
	m.ID = 77
	m.Sender = 1
	m.Broadcast = true
	m.From = testAddr("a")
	srv.Deliver(m)

	// The application saw the message once, and the fan-out reached
	// everyone but the original sender.
	if len(got) != 1 {
		t.Errorf("Application received %d messages, want 1", len(got))
	}
	addrs := tp.sentTo(flit.KindData)
	for _, a := range addrs {
		if a == "a" {
			t.Errorf("Rebroadcast reached the original sender at %q", a)
		}
	}
	if len(addrs) != 2 {
		t.Errorf("Rebroadcast reached %d clients, want 2", len(addrs))
	}
	for _, sm := range tp.sent {
		if sm.Kind == flit.KindData && sm.ID == 77 {
			t.Errorf("Rebroadcast reused the inbound ID %d", sm.ID)
		}
	}
}

func TestRebroadcastToSender(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	srv := flit.NewServer(flit.Config{Transport: tp, Now: clk.Now})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()
	registerThree(srv, clk)

	m := flit.NewData([]byte("shout"), flit.Sequenced)
	m.Sender = 1
	m.Broadcast = true
	m.ToSender = true
	m.From = testAddr("a")
	srv.Deliver(m)

	if got := tp.sentTo(flit.KindData); len(got) != 3 {
		t.Errorf("Rebroadcast reached %d clients, want 3: %v", len(got), got)
	}
}

func TestUnknownSenderDropped(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	var got []*flit.Message
	srv := flit.NewServer(flit.Config{
		Transport: tp,
		Now:       clk.Now,
		Receive:   func(m *flit.Message) { got = append(got, m) },
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	m := flit.NewData([]byte("hi"), flit.Unreliable)
	m.Sender = 9
	m.From = testAddr("stranger")
	srv.Deliver(m)

	if len(got) != 0 {
		t.Errorf("Application received %d messages from a stranger, want 0", len(got))
	}
	if srv.MessagesIn(flit.KindData) != 0 {
		t.Errorf("MessagesIn(DATA) = %d, want 0", srv.MessagesIn(flit.KindData))
	}
}

func TestDirectSendUnknownClient(t *testing.T) {
	tp := new(testTransport)
	srv := flit.NewServer(flit.Config{Transport: tp})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	m := flit.NewData([]byte("x"), flit.Unreliable)
	m.Receiver = 99
	if err := srv.Send(m); !errors.Is(err, flit.ErrUnknownClient) {
		t.Errorf("Send: got error %v, want %v", err, flit.ErrUnknownClient)
	}
}

func TestPacingFIFO(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	p := flit.NewPeer(flit.Config{
		Transport:  tp,
		Now:        clk.Now,
		QueueDelay: 50 * time.Millisecond,
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	var want []string
	for i := 0; i < 3; i++ {
		text := fmt.Sprintf("msg-%d", i)
		p.Enqueue(flit.NewData([]byte(text), flit.Unreliable))
		want = append(want, text)
	}

	// Each 10ms tick accumulates delay; a message leaves only once more
	// than 50ms has accumulated, and the accumulator then resets.
	var at time.Duration
	for tick := 0; tick < 18 && len(tp.sent) < 3; tick++ {
		at += 10 * time.Millisecond
		clk.at(at)
		p.Process()
	}

	var got []string
	for _, m := range tp.sent {
		got = append(got, string(m.Data))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Send order (-want, +got):\n%s", diff)
	}
}

func TestProcessorDiscard(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*flit.Config)
	}{
		{"SendPre", func(c *flit.Config) {
			c.SendPre = []flit.Processor{func(*flit.Message) *flit.Message { return nil }}
		}},
		{"SendPost", func(c *flit.Config) {
			c.SendPost = []flit.Processor{func(*flit.Message) *flit.Message { return nil }}
		}},
		{"Congestion", func(c *flit.Config) {
			c.Congestion = func(*flit.Message) *flit.Message { return nil }
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tp := new(testTransport)
			cfg := flit.Config{Transport: tp}
			test.cfg(&cfg)
			p := flit.NewPeer(cfg)
			if err := p.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer p.Stop()

			err := p.Send(flit.NewData([]byte("x"), flit.Unreliable))
			if !errors.Is(err, flit.ErrDiscarded) {
				t.Errorf("Send: got error %v, want %v", err, flit.ErrDiscarded)
			}
			if test.name != "SendPost" && len(tp.sent) != 0 {
				t.Errorf("Transmitted %d messages after discard, want 0", len(tp.sent))
			}
		})
	}
}

func TestReceiveDiscard(t *testing.T) {
	tp := new(testTransport)
	var got []*flit.Message
	p := flit.NewPeer(flit.Config{
		Transport: tp,
		Receive:   func(m *flit.Message) { got = append(got, m) },
		RecvPre: []flit.Processor{func(m *flit.Message) *flit.Message {
			if string(m.Data) == "drop" {
				return nil
			}
			return m
		}},
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.Deliver(flit.NewData([]byte("drop"), flit.Unreliable))
	p.Deliver(flit.NewData([]byte("keep"), flit.Unreliable))

	if len(got) != 1 || string(got[0].Data) != "keep" {
		t.Errorf("Received %v, want just %q", got, "keep")
	}
}

func TestInstantDispatch(t *testing.T) {
	const kindCustom = flit.Kind(42)

	tp := new(testTransport)
	var instant, external int
	p := flit.NewPeer(flit.Config{
		Transport: tp,
		Receive:   func(*flit.Message) { external++ },
	})
	p.Handle(kindCustom, func(*flit.Message) error { instant++; return nil })
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.Deliver(&flit.Message{Kind: kindCustom})
	p.Deliver(flit.NewData(nil, flit.Unreliable))
	p.Deliver(flit.KeepAlive()) // protocol plumbing, invisible to the app

	if instant != 1 {
		t.Errorf("Instant handler ran %d times, want 1", instant)
	}
	if external != 1 {
		t.Errorf("External receiver ran %d times, want 1", external)
	}
}

func TestStopSendsLeave(t *testing.T) {
	tp := new(testTransport)
	p := flit.NewPeer(flit.Config{Transport: tp, LocalID: 7})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Enqueue(flit.NewData([]byte("never"), flit.Unreliable))
	p.Stop()

	leaves := tp.sentTo(flit.KindLeave)
	if len(leaves) != 1 {
		t.Fatalf("Transmitted %d leave requests, want 1", len(leaves))
	}
	for _, m := range tp.sent {
		if m.Kind == flit.KindLeave && m.Sender != 7 {
			t.Errorf("Leave request sender = %d, want 7", m.Sender)
		}
		if m.Kind == flit.KindData {
			t.Errorf("Queued message escaped during Stop")
		}
	}
	if p.QueueLen() != 0 {
		t.Errorf("QueueLen = %d after Stop, want 0", p.QueueLen())
	}
}

func TestEncodeFailure(t *testing.T) {
	tp := &testTransport{encodeErr: errors.New("bad payload")}
	p := flit.NewPeer(flit.Config{Transport: tp})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	m := flit.NewData([]byte("x"), flit.Sequenced)
	if err := p.Send(m); err == nil {
		t.Error("Send succeeded with a failing encoder")
	}
	if len(tp.sent) != 0 {
		t.Errorf("Transmitted %d messages, want 0", len(tp.sent))
	}
}

func TestExpectedClients(t *testing.T) {
	tp := new(testTransport)
	clk := newFakeClock()
	srv := flit.NewServer(flit.Config{
		Transport: tp,
		Now:       clk.Now,
		Expected:  mapset.New[uint32](1, 2),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	clk.at(10 * time.Millisecond)
	connectFrom(srv, 1, testAddr("a"))
	connectFrom(srv, 3, testAddr("c")) // not expected, but still welcome

	if n := srv.NumClients(); n != 2 {
		t.Errorf("NumClients = %d, want 2", n)
	}
	if srv.AllReady() {
		t.Error("AllReady = true before client 2 arrived")
	}
	connectFrom(srv, 2, testAddr("b"))
	srv.MarkReady(1)
	srv.MarkReady(2)
	srv.MarkReady(3) // not required, must not matter
	if !srv.AllReady() {
		t.Error("AllReady = false with both required clients ready")
	}
}
