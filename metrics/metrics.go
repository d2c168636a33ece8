package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps the packages that take one usable in
// tests without a registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Ingestion
	Uploads        *prometheus.CounterVec
	UploadBytes    prometheus.Counter
	DedupHits      prometheus.Counter
	UploadDuration prometheus.Histogram

	// Replication
	ReplicationFetches  *prometheus.CounterVec
	ReplicationBytes    prometheus.Counter
	WriteThroughDropped prometheus.Counter
	InternalRequests    *prometheus.CounterVec

	// Licenses
	LicensesIssued prometheus.Counter
	LicenseChecks  *prometheus.CounterVec

	StagingSwept prometheus.Counter
}

func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		gatherer: registry,

		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depot_uploads_total",
			Help: "Upload attempts by response status",
		}, []string{"status"}),
		UploadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "depot_upload_bytes_total",
			Help: "Bytes accepted by the ingestion pipeline",
		}),
		DedupHits: f.NewCounter(prometheus.CounterOpts{
			Name: "depot_dedup_hits_total",
			Help: "Uploads whose content was already stored",
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "depot_upload_duration_seconds",
			Help:    "Time from validation to commit",
			Buckets: prometheus.DefBuckets,
		}),

		ReplicationFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depot_replication_fetches_total",
			Help: "Fetch attempts against peer nodes by outcome",
		}, []string{"outcome"}),
		ReplicationBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "depot_replication_bytes_total",
			Help: "Bytes received from peer nodes",
		}),
		WriteThroughDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "depot_write_through_dropped_total",
			Help: "Replicated copies that could not be cached locally",
		}),
		InternalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depot_internal_requests_total",
			Help: "Peer fetch requests served by status",
		}, []string{"status"}),

		LicensesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "depot_licenses_issued_total",
			Help: "Licenses issued",
		}),
		LicenseChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depot_license_checks_total",
			Help: "License checks on the serving path by outcome",
		}, []string{"outcome"}),

		StagingSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "depot_staging_swept_total",
			Help: "Orphaned staging files removed",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Upload(status int) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(http.StatusText(status)).Inc()
}

func (m *Metrics) Fetch(outcome string) {
	if m == nil {
		return
	}
	m.ReplicationFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Internal(status int) {
	if m == nil {
		return
	}
	m.InternalRequests.WithLabelValues(http.StatusText(status)).Inc()
}

func (m *Metrics) LicenseCheck(outcome string) {
	if m == nil {
		return
	}
	m.LicenseChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Add(c prometheus.Counter, v float64) {
	if m == nil || c == nil {
		return
	}
	c.Add(v)
}

func (m *Metrics) Observe(h prometheus.Histogram, v float64) {
	if m == nil || h == nil {
		return
	}
	h.Observe(v)
}
