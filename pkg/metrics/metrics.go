// Package metrics exposes the engine's Prometheus collectors on a
// dedicated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	TasksStarted      prometheus.Counter
	TasksCompleted    prometheus.Counter
	TasksFailed       prometheus.Counter
	BytesDownloaded   prometheus.Counter
	RunningTasks      prometheus.Gauge
	QueueDepth        prometheus.Gauge
	StoreBytesWritten prometheus.Counter
	RangeRequests     prometheus.Counter
	ProxyRequests     *prometheus.CounterVec
}

// New builds the collectors and registers them.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.TasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_tasks_started_total",
		Help: "Download tasks dispatched.",
	})
	m.TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_tasks_completed_total",
		Help: "Download tasks finished successfully.",
	})
	m.TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_tasks_failed_total",
		Help: "Download tasks that failed terminally.",
	})
	m.BytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_bytes_downloaded_total",
		Help: "Bytes fetched from the origin.",
	})
	m.RunningTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediacache_running_tasks",
		Help: "Tasks currently in flight.",
	})
	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediacache_queue_depth",
		Help: "Tasks queued but not started.",
	})
	m.StoreBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_store_bytes_written_total",
		Help: "Bytes written through to the content store.",
	})
	m.RangeRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_range_requests_total",
		Help: "Range requests served from the store.",
	})
	m.ProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_proxy_requests_total",
		Help: "Requests relayed to the origin, by endpoint.",
	}, []string{"endpoint"})

	m.registry.MustRegister(
		m.TasksStarted, m.TasksCompleted, m.TasksFailed, m.BytesDownloaded,
		m.RunningTasks, m.QueueDepth, m.StoreBytesWritten, m.RangeRequests,
		m.ProxyRequests,
	)
	return m
}

// Handler returns the /metrics HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
