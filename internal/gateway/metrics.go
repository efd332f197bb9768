package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics are the gateway's Prometheus instruments, registered on their own
// registry so that several gateways can coexist in one process.
type Metrics struct {
	Registry       *prometheus.Registry
	Connections    prometheus.Gauge
	Messages       *prometheus.CounterVec
	AuthFailures   prometheus.Counter
	PersistSeconds prometheus.Histogram
}

// NewMetrics creates and registers the gateway instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskchat_gateway_connections",
			Help: "Number of authenticated gateway connections.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskchat_gateway_messages_total",
			Help: "sendMessage requests by result.",
		}, []string{"result"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskchat_gateway_auth_failures_total",
			Help: "Rejected handshakes.",
		}),
		PersistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskchat_gateway_persist_seconds",
			Help:    "Time spent persisting a message.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.Registry.MustRegister(m.Connections, m.Messages, m.AuthFailures, m.PersistSeconds)
	m.Registry.MustRegister(collectors.NewGoCollector())
	return m
}
