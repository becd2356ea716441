// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"testing"
	"time"

	"github.com/creachadair/flit"
	"github.com/creachadair/flit/transport"
	"github.com/fortytw2/leaktest"
)

func TestUDPExchange(t *testing.T) {
	defer leaktest.Check(t)()

	a := transport.NewUDP("127.0.0.1:0", "", nil)
	var got []*flit.Message
	if err := a.Start(func(m *flit.Message) { got = append(got, m) }); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	defer a.Stop()

	b := transport.NewUDP("127.0.0.1:0", a.LocalAddr().String(), nil)
	if err := b.Start(func(*flit.Message) {}); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer b.Stop()

	m := &flit.Message{
		ID:          3,
		Kind:        flit.KindData,
		Sender:      9,
		Reliability: flit.Sequenced,
		Data:        []byte("over the wire"),
	}
	if err := b.Encode(m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := b.Send(m); err != nil { // no Addr: goes to the default remote
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(got) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for delivery")
		}
		a.Process()
		time.Sleep(time.Millisecond)
	}

	r := got[0]
	if r.ID != 3 || r.Kind != flit.KindData || r.Sender != 9 || string(r.Data) != "over the wire" {
		t.Errorf("Received %v, want the message as sent", r)
	}
	if r.From == nil {
		t.Error("Received message has no origin address")
	}
}

func TestUDPBadDatagramIgnored(t *testing.T) {
	defer leaktest.Check(t)()

	a := transport.NewUDP("127.0.0.1:0", "", nil)
	var got []*flit.Message
	if err := a.Start(func(m *flit.Message) { got = append(got, m) }); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	defer a.Stop()

	b := transport.NewUDP("127.0.0.1:0", a.LocalAddr().String(), nil)
	if err := b.Start(func(*flit.Message) {}); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer b.Stop()

	// Garbage first, then a valid message; only the latter arrives.
	if err := b.Send(&flit.Message{Payload: []byte("not a flit message")}); err != nil {
		t.Fatalf("Send garbage: %v", err)
	}
	ok := &flit.Message{Kind: flit.KindData, Data: []byte("fine")}
	if err := b.Encode(ok); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := b.Send(ok); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(got) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for delivery")
		}
		a.Process()
		time.Sleep(time.Millisecond)
	}
	if len(got) != 1 || string(got[0].Data) != "fine" {
		t.Errorf("Received %v, want just the valid message", got)
	}
}
