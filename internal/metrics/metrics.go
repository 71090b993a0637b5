package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the TechCoin collectors exposed on /metrics.
	Registry = prometheus.NewRegistry()

	postings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "techcoin",
			Subsystem: "ledger",
			Name:      "postings_total",
			Help:      "Ledger credit and debit attempts by outcome.",
		},
		[]string{"direction", "category", "result"},
	)

	postingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "techcoin",
			Subsystem: "ledger",
			Name:      "posting_duration_seconds",
			Help:      "Time spent inside the per-owner atomic unit.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"direction"},
	)

	discrepancies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "techcoin",
			Subsystem: "ledger",
			Name:      "reconcile_discrepancies",
			Help:      "Wallets whose balance disagreed with their log at the last reconcile run.",
		},
	)

	escrowEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "techcoin",
			Subsystem: "escrow",
			Name:      "events_total",
			Help:      "Challenge escrow lifecycle events.",
		},
		[]string{"event"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "techcoin",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Scheduled job executions.",
		},
		[]string{"job", "success"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "techcoin",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "techcoin",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		postings,
		postingDuration,
		discrepancies,
		escrowEvents,
		jobRuns,
		httpRequests,
		httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObservePosting records one ledger posting attempt.
func ObservePosting(direction, category, result string, d time.Duration) {
	postings.WithLabelValues(direction, category, result).Inc()
	if d > 0 {
		postingDuration.WithLabelValues(direction).Observe(d.Seconds())
	}
}

// SetDiscrepancies publishes the size of the last reconcile report.
func SetDiscrepancies(n int) {
	discrepancies.Set(float64(n))
}

// ObserveEscrow counts an escrow event such as "joined" or "settled".
func ObserveEscrow(event string) {
	escrowEvents.WithLabelValues(event).Inc()
}

// ObserveJob records a scheduled job run.
func ObserveJob(job string, success bool) {
	result := "false"
	if success {
		result = "true"
	}
	jobRuns.WithLabelValues(job, result).Inc()
}

// ObserveHTTP records a served request. route should be the registered
// pattern, not the raw path, to keep label cardinality bounded.
func ObserveHTTP(method, route, status string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
