// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package flit

import "expvar"

// metrics record peer activity counters.
type metrics struct {
	sent       expvar.Int // messages handed to the transport
	received   expvar.Int // messages delivered by the transport
	dropped    expvar.Int // messages discarded before dispatch
	queued     expvar.Int // messages entered into the paced queue
	splits     expvar.Int // oversize messages split into parts
	broadcasts expvar.Int // completed broadcast fan-outs
	keepAlives expvar.Int // keep-alive pulses sent
	timeouts   expvar.Int // clients evicted for silence

	emap *expvar.Map
}

var peerMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("messages_sent", &m.sent)
	m.emap.Set("messages_received", &m.received)
	m.emap.Set("messages_dropped", &m.dropped)
	m.emap.Set("messages_queued", &m.queued)
	m.emap.Set("messages_split", &m.splits)
	m.emap.Set("broadcasts", &m.broadcasts)
	m.emap.Set("keep_alives", &m.keepAlives)
	m.emap.Set("client_timeouts", &m.timeouts)
	return m
}
