// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveRooms tracks rooms currently held by the registry.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms",
		Help: "Number of rooms currently active.",
	})

	// ConnectedClients tracks WebSocket clients across all rooms.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_clients",
		Help: "Number of connected clients across all rooms.",
	})

	// FramesReceived counts inbound frames by message type.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_received_total",
		Help: "Inbound frames by message type.",
	}, []string{"type"})

	// UpdatesBroadcast counts document updates fanned out to clients.
	UpdatesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_updates_broadcast_total",
		Help: "Document updates fanned out to clients.",
	})

	// MalformedFrames counts frames dropped as undecodable.
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_malformed_frames_total",
		Help: "Frames dropped as malformed.",
	})

	// StoreWrites counts successful store appends.
	StoreWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_store_writes_total",
		Help: "Successful update store writes.",
	})

	// StoreWriteFailures counts failed store appends.
	StoreWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_store_write_failures_total",
		Help: "Failed update store writes.",
	})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
