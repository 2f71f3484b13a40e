package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/regsync/internal/registry"
	"github.com/danmuck/regsync/internal/replication"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "regsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	registryEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "regsync",
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Live entries after the last reload.",
		},
		[]string{"node", "registry"},
	)
	registryReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regsync",
			Subsystem: "registry",
			Name:      "reloads_total",
			Help:      "Completed reload cycles.",
		},
		[]string{"node", "registry"},
	)
	registryReloadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "regsync",
			Subsystem: "registry",
			Name:      "reload_duration_seconds",
			Help:      "Time from BeginReload to OnReload in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "registry"},
	)
	registrySkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regsync",
			Subsystem: "registry",
			Name:      "skipped_total",
			Help:      "Entries left out of a reload, by reason.",
		},
		[]string{"node", "registry", "reason"},
	)
	syncSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regsync",
			Subsystem: "sync",
			Name:      "entries_sent_total",
			Help:      "Entries sent in sync sessions.",
		},
		[]string{"node", "registry"},
	)
	syncCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regsync",
			Subsystem: "sync",
			Name:      "sessions_committed_total",
			Help:      "Sync sessions committed by receivers.",
		},
		[]string{"node", "registry", "self_hosted"},
	)
	syncDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regsync",
			Subsystem: "sync",
			Name:      "dropped_total",
			Help:      "Sync messages or entries dropped, by reason.",
		},
		[]string{"node", "registry", "reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			registryEntries, registryReloads, registryReloadDuration, registrySkipped,
			syncSent, syncCommitted, syncDropped,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// Metrics reports registry and replication activity for one node.
type Metrics struct {
	Node string
}

var (
	_ registry.Metrics    = Metrics{}
	_ replication.Metrics = Metrics{}
)

func NewMetrics(node string) Metrics {
	RegisterMetrics()
	return Metrics{Node: node}
}

func (m Metrics) Reloaded(path string, entries int, elapsed time.Duration) {
	registryEntries.WithLabelValues(m.Node, path).Set(float64(entries))
	registryReloads.WithLabelValues(m.Node, path).Inc()
	registryReloadDuration.WithLabelValues(m.Node, path).Observe(elapsed.Seconds())
}

func (m Metrics) Skipped(path, reason string) {
	registrySkipped.WithLabelValues(m.Node, path, reason).Inc()
}

func (m Metrics) Sent(path string, n int) {
	syncSent.WithLabelValues(m.Node, path).Add(float64(n))
}

func (m Metrics) Committed(path string, n int, selfHosted bool) {
	registryEntries.WithLabelValues(m.Node, path).Set(float64(n))
	syncCommitted.WithLabelValues(m.Node, path, strconv.FormatBool(selfHosted)).Inc()
}

func (m Metrics) Dropped(path, reason string) {
	syncDropped.WithLabelValues(m.Node, path, reason).Inc()
}
