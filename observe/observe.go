// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package observe exports flit server activity as Prometheus metrics.
package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creachadair/flit"
)

var (
	clientsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flit_clients_online",
		Help: "Number of registered clients",
	})

	registrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flit_registrations_total",
		Help: "Total client registrations",
	})

	unregistrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flit_unregistrations_total",
		Help: "Total client unregistrations (leave or timeout)",
	})

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flit_messages_total",
			Help: "Total messages by direction and kind",
		},
		[]string{"dir", "kind"}, // sent|received
	)

	resendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flit_resends_total",
		Help: "Total retransmitted messages sent",
	})
)

func init() {
	prometheus.MustRegister(
		clientsOnline,
		registrationsTotal,
		unregistrationsTotal,
		messagesTotal,
		resendsTotal,
	)
}

// Hooks is a flit.ServerHooks implementation that tracks the registered
// client population.
type Hooks struct{}

// OnRegister implements part of the [flit.ServerHooks] interface.
func (Hooks) OnRegister(client uint32) {
	clientsOnline.Inc()
	registrationsTotal.Inc()
}

// OnUnregister implements part of the [flit.ServerHooks] interface.
func (Hooks) OnUnregister(client uint32) {
	clientsOnline.Dec()
	unregistrationsTotal.Inc()
}

// CountSent is a flit.Processor for the SendPost hook that counts
// outbound traffic by kind.
func CountSent(m *flit.Message) *flit.Message {
	messagesTotal.WithLabelValues("sent", m.Kind.String()).Inc()
	if m.Resend {
		resendsTotal.Inc()
	}
	return m
}

// CountReceived is a flit.Processor for the RecvPre hook that counts
// inbound traffic by kind.
func CountReceived(m *flit.Message) *flit.Message {
	messagesTotal.WithLabelValues("received", m.Kind.String()).Inc()
	return m
}

// Handler returns an HTTP handler serving the metrics in Prometheus
// exposition format.
func Handler() http.Handler { return promhttp.Handler() }
