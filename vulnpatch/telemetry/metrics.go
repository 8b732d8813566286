package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// IngestJobs counts ingestion jobs by terminal status
	IngestJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vulnpatch",
			Name:      "ingest_jobs_total",
			Help:      "Total number of ingestion jobs by terminal status",
		},
		[]string{"status"},
	)

	// IngestDuration observes end-to-end job time
	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vulnpatch",
			Name:      "ingest_duration_seconds",
			Help:      "Time from parsing to terminal status",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// EnrichmentResults counts enrichment sub-step outcomes
	EnrichmentResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vulnpatch",
			Name:      "enrichment_results_total",
			Help:      "Enrichment sub-step outcomes by source",
		},
		[]string{"source", "outcome"},
	)

	// CacheRequests counts cache lookups
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vulnpatch",
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache name and result",
		},
		[]string{"cache", "result"},
	)

	// ProgressSubscribers tracks live progress connections
	ProgressSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vulnpatch",
			Name:      "progress_subscribers",
			Help:      "Currently connected progress subscribers",
		},
	)

	once sync.Once
)

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(IngestJobs)
		prometheus.DefaultRegisterer.Register(IngestDuration)
		prometheus.DefaultRegisterer.Register(EnrichmentResults)
		prometheus.DefaultRegisterer.Register(CacheRequests)
		prometheus.DefaultRegisterer.Register(ProgressSubscribers)
	})
}
