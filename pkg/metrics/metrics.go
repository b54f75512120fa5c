// Package metrics provides Prometheus metrics for the mirror, the peer
// session and the signaling server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedfs_reconcile_total",
			Help: "Records reconciled into the replicated tree, by outcome",
		},
		[]string{"type", "outcome"},
	)

	nodesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedfs_nodes_created_total",
			Help: "Nodes lazily created in the replicated tree",
		},
		[]string{"type"},
	)

	peerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedfs_peer_messages_total",
			Help: "Room messages exchanged with peers",
		},
		[]string{"direction", "type"},
	)

	peersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharedfs_peers_connected",
			Help: "Peers currently connected to the session",
		},
	)

	signalingClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharedfs_signaling_clients",
			Help: "Clients connected to the signaling server",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReconcile records whether reconciling a record of type `typ` wrote
// to the replicated tree.
func RecordReconcile(typ string, wrote bool) {
	outcome := "skipped"
	if wrote {
		outcome = "written"
	}
	reconcileTotal.WithLabelValues(typ, outcome).Inc()
}

// RecordNodeCreated records a newly created node.
func RecordNodeCreated(typ string) {
	nodesCreatedTotal.WithLabelValues(typ).Inc()
}

// RecordPeerMessage records a room message. `direction` is "in" or "out".
func RecordPeerMessage(direction, msgType string) {
	peerMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// SetPeersConnected sets the number of connected peers.
func SetPeersConnected(count int) {
	peersConnected.Set(float64(count))
}

// AddSignalingClients adjusts the number of signaling clients by `delta`.
func AddSignalingClients(delta int) {
	signalingClients.Add(float64(delta))
}
