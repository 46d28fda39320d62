// Package metrics exposes socksbridge's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "socksbridge"

// Metrics holds the collectors for one proxy instance on a private
// registry. All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	tunnelsActive    prometheus.Gauge
	tunnelsTotal     *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	connectRejected  prometheus.Counter
	handshakeSeconds prometheus.Histogram
}

// New creates and registers the collectors, along with the standard Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of CONNECT tunnels currently in progress",
		}),
		tunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "Finished CONNECT tunnels by result",
		}, []string{"result"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed through tunnels by direction",
		}, []string{"direction"}),
		connectRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_rejected_total",
			Help:      "CONNECT requests rejected with 400 Bad Request",
		}),
		handshakeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_seconds",
			Help:      "Time spent on the upstream SOCKS5 handshake",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	m.registry.MustRegister(
		m.tunnelsActive,
		m.tunnelsTotal,
		m.bytesTotal,
		m.connectRejected,
		m.handshakeSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TunnelStarted() {
	if m == nil {
		return
	}
	m.tunnelsActive.Inc()
}

// TunnelFinished records the end of a tunnel started with TunnelStarted.
func (m *Metrics) TunnelFinished(result string, upstream, downstream int64) {
	if m == nil {
		return
	}
	m.tunnelsActive.Dec()
	m.tunnelsTotal.WithLabelValues(result).Inc()
	m.bytesTotal.WithLabelValues("upstream").Add(float64(upstream))
	m.bytesTotal.WithLabelValues("downstream").Add(float64(downstream))
}

func (m *Metrics) ConnectRejected() {
	if m == nil {
		return
	}
	m.connectRejected.Inc()
}

func (m *Metrics) ObserveHandshake(d time.Duration) {
	if m == nil {
		return
	}
	m.handshakeSeconds.Observe(d.Seconds())
}
