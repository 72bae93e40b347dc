package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics, scraped from the HTTP listener's /metrics endpoint.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tw_connections_total",
		Help: "Total number of client connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tw_connections_active",
		Help: "Current number of live client connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tw_connections_rejected_total",
		Help: "Connections rejected at accept time, by reason",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tw_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	ConnectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tw_connection_duration_seconds",
		Help:    "Connection lifetime before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tw_messages_sent_total",
		Help: "Total messages written to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tw_messages_received_total",
		Help: "Total messages decoded from clients",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tw_bytes_sent_total",
		Help: "Total bytes written to clients",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tw_bytes_received_total",
		Help: "Total bytes read from clients",
	})

	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tw_broadcasts_total",
		Help: "Total publish calls from the feed",
	})

	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tw_broadcast_fanout",
		Help:    "Subscribers reached per published event",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tw_dropped_messages_total",
		Help: "Outbound messages dropped, by reason",
	}, []string{"reason"})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tw_rate_limited_messages_total",
		Help: "Inbound messages dropped by the per-connection rate limiter",
	})

	OrdersForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tw_orders_forwarded_total",
		Help: "order_submit messages forwarded to the trade-execution service",
	})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tw_process_cpu_percent",
		Help: "Process CPU usage sampled on the metrics interval",
	})

	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tw_process_memory_bytes",
		Help: "Process resident memory sampled on the metrics interval",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		ConnectionDuration,
		MessagesSent,
		MessagesReceived,
		BytesSent,
		BytesReceived,
		BroadcastsTotal,
		BroadcastFanout,
		DroppedMessages,
		RateLimitedMessages,
		OrdersForwarded,
		ProcessCPUPercent,
		ProcessMemoryBytes,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Disconnect reasons, shared between the server and the metrics labels.
const (
	DisconnectReasonClientClose         = "client_close"
	DisconnectReasonReadError           = "read_error"
	DisconnectReasonWriteError          = "write_error"
	DisconnectReasonProtocolError       = "protocol_error"
	DisconnectReasonAuthFailure         = "auth_failure"
	DisconnectReasonHeartbeatTimeout    = "heartbeat_timeout"
	DisconnectReasonBackpressure        = "backpressure_overflow"
	DisconnectReasonServerShutdown      = "server_shutdown"
	DisconnectReasonMaxConnections      = "max_connections"
	DropReasonQueueFullPriceUpdate      = "queue_full_price_update"
	DropReasonUnauthenticatedConnection = "unauthenticated_connection"
)
