package peers_test

import (
	"testing"
	"time"

	"github.com/creachadair/flit"
	"github.com/creachadair/flit/peers"
	"github.com/fortytw2/leaktest"
)

// pump runs n processing ticks on both ends of the pair.
func pump(loc *peers.Local, n int) {
	for i := 0; i < n; i++ {
		loc.Client.Process()
		loc.Server.Process()
	}
}

func TestLocalPair(t *testing.T) {
	defer leaktest.Check(t)()

	var clientGot, serverGot []string
	loc := peers.NewLocal(flit.Config{
		Receive: func(m *flit.Message) { serverGot = append(serverGot, string(m.Data)) },
	}, flit.Config{
		LocalID: 7,
		Receive: func(m *flit.Message) { clientGot = append(clientGot, string(m.Data)) },
	})
	if err := loc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer loc.Stop()

	// Register the client with the server.
	if err := loc.Client.Send(flit.Connect(7)); err != nil {
		t.Fatalf("Send connect: %v", err)
	}
	pump(loc, 2)
	if n := loc.Server.NumClients(); n != 1 {
		t.Fatalf("NumClients = %d, want 1", n)
	}

	// Client to server.
	if err := loc.Client.Send(flit.NewData([]byte("up"), flit.Unreliable)); err != nil {
		t.Fatalf("Send up: %v", err)
	}
	pump(loc, 2)
	if len(serverGot) != 1 || serverGot[0] != "up" {
		t.Errorf("Server received %v, want [up]", serverGot)
	}

	// Server broadcast to the client.
	if err := loc.Server.Send(flit.NewData([]byte("down"), flit.Unreliable)); err != nil {
		t.Fatalf("Send down: %v", err)
	}
	pump(loc, 2)
	if len(clientGot) != 1 || clientGot[0] != "down" {
		t.Errorf("Client received %v, want [down]", clientGot)
	}
}

func TestLeaveUnregisters(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(flit.Config{}, flit.Config{LocalID: 3})
	if err := loc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer loc.Stop()

	if err := loc.Client.Send(flit.Connect(3)); err != nil {
		t.Fatalf("Send connect: %v", err)
	}
	pump(loc, 2)
	if n := loc.Server.NumClients(); n != 1 {
		t.Fatalf("NumClients = %d, want 1", n)
	}

	loc.Client.Stop()
	loc.Server.Process()
	if n := loc.Server.NumClients(); n != 0 {
		t.Errorf("NumClients after leave = %d, want 0", n)
	}
}

func TestFabricFanOut(t *testing.T) {
	defer leaktest.Check(t)()

	f := peers.NewFabric()
	srv := flit.NewServer(flit.Config{Transport: f.Port("server", "")})

	var got [2][]string
	var cli [2]*flit.Peer
	for i := range cli {
		i := i
		name := []string{"one", "two"}[i]
		cli[i] = flit.NewPeer(flit.Config{
			LocalID:   uint32(i + 1),
			Transport: f.Port(name, "server"),
			Receive:   func(m *flit.Message) { got[i] = append(got[i], string(m.Data)) },
		})
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start server: %v", err)
	}
	defer srv.Stop()
	for i, c := range cli {
		if err := c.Start(); err != nil {
			t.Fatalf("Start client %d: %v", i, err)
		}
		defer c.Stop()
		if err := c.Send(flit.Connect(uint32(i + 1))); err != nil {
			t.Fatalf("Connect client %d: %v", i, err)
		}
	}
	srv.Process()
	if n := srv.NumClients(); n != 2 {
		t.Fatalf("NumClients = %d, want 2", n)
	}

	if err := srv.Send(flit.NewData([]byte("all"), flit.Unreliable)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for i := 0; i < 3; i++ {
		for _, c := range cli {
			c.Process()
		}
		srv.Process()
		time.Sleep(time.Millisecond)
	}
	for i := range got {
		if len(got[i]) != 1 || got[i][0] != "all" {
			t.Errorf("Client %d received %v, want [all]", i, got[i])
		}
	}
}
