package importer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/rpattn/assetimport/internal/importer")

type importerMetrics struct {
	rows          *prometheus.CounterVec
	batches       *prometheus.CounterVec
	commitSeconds prometheus.Histogram
	activeJobs    prometheus.Gauge
	queuedJobs    prometheus.Gauge
	jobs          *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
}

var metrics = sync.OnceValue(func() *importerMetrics {
	return &importerMetrics{
		rows: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetimport",
			Subsystem: "importer",
			Name:      "rows_total",
			Help:      "Processed import rows by outcome.",
		}, []string{"outcome"}),
		batches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetimport",
			Subsystem: "importer",
			Name:      "batches_total",
			Help:      "Committed import batches by result.",
		}, []string{"result"}),
		commitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "assetimport",
			Subsystem: "importer",
			Name:      "batch_commit_seconds",
			Help:      "Duration of batch commit transactions.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "assetimport",
			Subsystem: "importer",
			Name:      "active_jobs",
			Help:      "Import jobs currently being processed.",
		}),
		queuedJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "assetimport",
			Subsystem: "importer",
			Name:      "queued_jobs",
			Help:      "Accepted import jobs waiting for a worker.",
		}),
		jobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetimport",
			Subsystem: "importer",
			Name:      "jobs_finished_total",
			Help:      "Import jobs by terminal status.",
		}, []string{"status"}),
		rollbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetimport",
			Subsystem: "importer",
			Name:      "rollbacks_total",
			Help:      "Import rollbacks by result.",
		}, []string{"result"}),
	}
})
