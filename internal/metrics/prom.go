package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every bridge collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	promConnectionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "wlbridge",
		Name:      "connections_total",
		Help:      "Virtual connections accepted.",
	})
	promConnectionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "wlbridge",
		Name:      "connections_active",
		Help:      "Virtual connections currently open.",
	})
	promConnectionsClosed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wlbridge",
		Name:      "connections_closed_total",
		Help:      "Virtual connections closed, by reason.",
	}, []string{"reason"})
	promMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wlbridge",
		Name:      "messages_forwarded_total",
		Help:      "Protocol messages forwarded, by direction.",
	}, []string{"direction"})
	promRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wlbridge",
		Name:      "messages_rejected_total",
		Help:      "Protocol messages rejected before forwarding, by reason.",
	}, []string{"reason"})
	promResourceBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wlbridge",
		Name:      "resource_bytes_total",
		Help:      "Resource payload bytes shipped, by direction.",
	}, []string{"direction"})
	promTransfers = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wlbridge",
		Name:      "resource_transfers_total",
		Help:      "Resource transfers finished, by outcome.",
	}, []string{"outcome"})
	promXWaylandState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wlbridge",
		Name:      "xwayland_state",
		Help:      "Current Xwayland controller state (1 for the active state).",
	}, []string{"state"})
	promXWaylandDisplay = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "wlbridge",
		Name:      "xwayland_display",
		Help:      "X display number of the running Xwayland, -1 when none.",
	})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promXWaylandDisplay.Set(-1)
	promXWaylandState.WithLabelValues("idle").Set(1)
}
