// Package metrics holds the Prometheus collectors of the switch components and
// the HTTP server exposing them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian_switch"

var (
	// Registry collects every metric of the process.
	Registry = prometheus.NewRegistry()

	ChannelRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "requests_total",
		Help:      "Channel calls by channel, operation and result.",
	}, []string{"channel", "op", "result"})

	ChannelLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "request_duration_seconds",
		Help:      "Latency of channel calls.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"channel", "op"})

	ChannelFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "consecutive_failures",
		Help:      "Consecutive failed calls or probes per channel.",
	}, []string{"channel"})

	ChannelQuarantined = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "quarantined",
		Help:      "1 when the channel only receives recovery probes.",
	}, []string{"channel"})

	QuorumFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "quorum_failures_total",
		Help:      "Publish or fetch operations that did not reach quorum.",
	}, []string{"op"})

	InvalidEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "invalid_events_total",
		Help:      "Fetched events dropped because id or signature did not verify.",
	}, []string{"channel"})

	SharesReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "guardian",
		Name:      "shares_released_total",
		Help:      "Share releases published by this guardian.",
	})

	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "events_total",
		Help:      "Events received by the relay server by result.",
	}, []string{"result"})

	RelaySubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "subscriptions",
		Help:      "Open websocket subscriptions.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ChannelRequests,
		ChannelLatency,
		ChannelFailures,
		ChannelQuarantined,
		QuorumFailures,
		InvalidEvents,
		SharesReleased,
		RelayEvents,
		RelaySubscriptions,
	)
}

// ObserveChannelCall records the outcome of one channel call.
func ObserveChannelCall(channel, op string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ChannelRequests.WithLabelValues(channel, op, result).Inc()
	ChannelLatency.WithLabelValues(channel, op).Observe(took.Seconds())
}

// MetricsServer serves /metrics.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on listenAddr. The service name is
// exported through a build_info gauge.
func New(service, listenAddr string) (*MetricsServer, error) {
	info := prometheus.NewRegistry()
	err := info.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Always 1, labelled with the service name.",
		ConstLabels: prometheus.Labels{"service": service},
	}, func() float64 { return 1 }))
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{Registry, info}, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks until the server is shut down.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
