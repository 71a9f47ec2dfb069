package courier

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierd_messages_total",
			Help: "Messages settled by the courier, by disposition",
		},
		[]string{"status"},
	)

	daemonReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierd_daemon_reconnects_total",
			Help: "Daemon reconnect attempts made from the message loop",
		},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courierd_inflight",
			Help: "Messages currently being processed (0 or 1)",
		},
	)
)

// RegisterMetrics registers the courier metrics with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(messagesTotal, daemonReconnects, inflight)
}
