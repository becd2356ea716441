// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package flit

import "go.uber.org/zap"

// A Processor inspects, rewrites, or vetoes a message at a named pipeline
// hook. Returning nil discards the message: the pipeline stops at that
// stage and reports failure without progressing. Processors run on the
// peer's processing context and must not assume re-entrancy.
type Processor func(*Message) *Message

// A Ticker is implemented by processors that need a share of the peer's
// periodic processing time. Tick is called once per Process call, after
// the paced queue has been serviced.
type Ticker interface {
	Tick()
}

// ServerHooks receives notifications about server-side client lifecycle
// events. Hooks are invoked synchronously from the processing context.
type ServerHooks interface {
	OnRegister(client uint32)
	OnUnregister(client uint32)
}

// runChain runs the named processor list over m, in order. It reports false
// if a processor discarded the message.
func runChain(log *zap.Logger, stage string, ps []Processor, m *Message) bool {
	for _, p := range ps {
		if p(m) == nil {
			log.Debug("message discarded by processor",
				zap.String("stage", stage), zap.Stringer("msg", m))
			return false
		}
	}
	return true
}
