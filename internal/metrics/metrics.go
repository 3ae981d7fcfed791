package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contractocr"

var (
	backendReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Total remote backend requests by backend, model and result",
		},
		[]string{"backend", "model", "result"},
	)

	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Duration of remote backend requests by backend and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "model"},
	)

	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages by stage and result",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage", "result"},
	)

	pagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_processed_total",
			Help:      "Logical pages processed by result (clean, degraded, failed)",
		},
		[]string{"result"},
	)

	assessments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Quality assessments by result (assessed, unassessed)",
		},
		[]string{"result"},
	)

	tilesEnhanced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_enhanced_total",
			Help:      "Tiles passed through the enhancer by result (enhanced, fallback)",
		},
		[]string{"result"},
	)

	merges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge attempts by result (llm, fallback, rejected, error)",
		},
		[]string{"result"},
	)

	contracts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contracts_extracted_total",
			Help:      "Contract records written by result (extracted, fallback)",
		},
		[]string{"result"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried judgment calls by provider",
		},
		[]string{"provider"},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_events_total",
			Help:      "Backend cooldown events by backend and action",
		},
		[]string{"backend", "action"},
	)

	jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Queued jobs by final result",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream and dlq",
		},
		[]string{"type"},
	)
)

// Collectors lists every collector, for registration or tests.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{backendReqs, backendLatency, stageLatency, pagesProcessed, assessments, tilesEnhanced, merges, contracts, retriesTotal, breakerEvents, jobs, queueDepth}
}

// Init registers collectors.
func Init() {
	prometheus.MustRegister(Collectors()...)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveBackend(backend, model, result string, dur time.Duration) {
	backendReqs.WithLabelValues(backend, model, result).Inc()
	backendLatency.WithLabelValues(backend, model).Observe(dur.Seconds())
}

func ObserveStage(stage, result string, dur time.Duration) {
	stageLatency.WithLabelValues(stage, result).Observe(dur.Seconds())
}

func IncPage(result string)       { pagesProcessed.WithLabelValues(result).Inc() }
func IncAssessment(result string) { assessments.WithLabelValues(result).Inc() }
func IncTile(result string)       { tilesEnhanced.WithLabelValues(result).Inc() }
func IncMerge(result string)      { merges.WithLabelValues(result).Inc() }
func IncContract(result string)   { contracts.WithLabelValues(result).Inc() }
func IncRetry(provider string)    { retriesTotal.WithLabelValues(provider).Inc() }
func IncJob(result string)        { jobs.WithLabelValues(result).Inc() }

func BreakerOpened(backend string) { breakerEvents.WithLabelValues(backend, "opened").Inc() }
func BreakerSkipped(backend string) { breakerEvents.WithLabelValues(backend, "skipped").Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
