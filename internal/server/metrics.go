package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsRegistry = prometheus.NewRegistry()

	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "phosphor",
		Name:      "active_connections",
		Help:      "Current number of websocket connections.",
	})

	activeRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "phosphor",
		Name:      "active_rooms",
		Help:      "Number of session rooms held by the hub.",
	})

	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phosphor",
		Name:      "broadcasts_total",
		Help:      "Messages fanned out to room members, by type.",
	}, []string{"type"})

	gmAuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phosphor",
		Name:      "gm_auth_failures_total",
		Help:      "Rejected GM password challenges.",
	})

	droppedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phosphor",
		Name:      "dropped_clients_total",
		Help:      "Clients disconnected for not draining their send buffer.",
	})
)

func init() {
	metricsRegistry.MustRegister(
		activeConnections,
		activeRooms,
		broadcastsTotal,
		gmAuthFailures,
		droppedClients,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}
