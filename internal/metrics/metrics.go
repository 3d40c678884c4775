package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for RoomRelay.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	DeliveriesTotal   *prometheus.CounterVec
	EvictionsTotal    prometheus.Counter
	PersistTotal      *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	OccupiedRooms     prometheus.Gauge
	StoreReachable    prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_connections_total",
			Help: "Total WebSocket connections accepted",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_active_connections",
			Help: "Current active connections",
		}),
		FramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_frames_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_deliveries_total",
			Help: "Broadcast deliveries by result",
		}, []string{"result"}),
		EvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_evictions_total",
			Help: "Connections evicted by a newer session for the same user",
		}),
		PersistTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_persist_total",
			Help: "Chat persistence attempts by result",
		}, []string{"result"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
		OccupiedRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_occupied_rooms",
			Help: "Rooms with at least one present member",
		}),
		StoreReachable: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_store_reachable",
			Help: "Persistence store reachability (1=up, 0=down)",
		}),
	}
}
