// Package metrics holds the service's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/feed"
)

const namespace = "warehouse"

// Metrics is a private registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	changes     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	feedStatus  *prometheus.CounterVec
	workspaces  prometheus.Gauge
	httpLatency *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "changes_applied_total",
			Help: "Remote changes merged into a collection.",
		}, []string{"collection", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "changes_dropped_total",
			Help: "Changes ignored by a collection (duplicate, absent, stale).",
		}, []string{"collection", "reason"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rollbacks_total",
			Help: "Optimistic mutations rolled back.",
		}, []string{"collection"}),
		feedStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_status_total",
			Help: "Change feed subscription status transitions.",
		}, []string{"collection", "state", "reason"}),
		workspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workspaces_open",
			Help: "Open user workspaces.",
		}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.changes, m.dropped, m.rollbacks, m.feedStatus, m.workspaces, m.httpLatency,
	)
	return m
}

// Applied, Dropped and RolledBack make Metrics a reconcile.Observer.
func (m *Metrics) Applied(collection, kind string) {
	m.changes.WithLabelValues(collection, kind).Inc()
}

func (m *Metrics) Dropped(collection, reason string) {
	m.dropped.WithLabelValues(collection, reason).Inc()
}

func (m *Metrics) RolledBack(collection string) {
	m.rollbacks.WithLabelValues(collection).Inc()
}

// FeedStatus records a subscription status change.
func (m *Metrics) FeedStatus(t feed.Topic, st feed.Status) {
	m.feedStatus.WithLabelValues(t.Collection, st.State.String(), st.Reason.String()).Inc()
}

func (m *Metrics) WorkspaceOpened() { m.workspaces.Inc() }
func (m *Metrics) WorkspaceClosed() { m.workspaces.Dec() }

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	m.httpLatency.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
