package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_jobs_processed_total",
			Help: "Total number of job attempts processed",
		},
		[]string{"queue", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genflow_job_duration_seconds",
			Help:    "Job attempt duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"queue"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genflow_jobs_in_flight",
			Help: "Number of jobs currently being processed",
		},
		[]string{"queue"},
	)

	dlqMovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_dlq_moves_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"queue"},
	)

	jobsRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_jobs_recovered_total",
			Help: "Total number of jobs re-enqueued by recovery",
		},
		[]string{"reason"},
	)

	providerPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_provider_polls_total",
			Help: "Total number of provider status polls",
		},
		[]string{"node_type", "status"},
	)

	executionCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_node_cost_total",
			Help: "Accumulated cost of completed nodes",
		},
		[]string{"node_type"},
	)
)

func RecordJobEnqueued(queue string) {
	jobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

// RecordJobProcessed records one finished attempt.
func RecordJobProcessed(queue, status string, duration time.Duration) {
	jobsProcessedTotal.WithLabelValues(queue, status).Inc()
	jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func JobStarted(queue string) {
	jobsInFlight.WithLabelValues(queue).Inc()
}

func JobFinished(queue string) {
	jobsInFlight.WithLabelValues(queue).Dec()
}

func RecordDLQMove(queue string) {
	dlqMovesTotal.WithLabelValues(queue).Inc()
}

// RecordRecovered counts a re-enqueue; reason is "stalled", "execution" or "dlq".
func RecordRecovered(reason string) {
	jobsRecoveredTotal.WithLabelValues(reason).Inc()
}

func RecordProviderPoll(nodeType, status string) {
	providerPollsTotal.WithLabelValues(nodeType, status).Inc()
}

func RecordNodeCost(nodeType string, cost float64) {
	if cost > 0 {
		executionCost.WithLabelValues(nodeType).Add(cost)
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
