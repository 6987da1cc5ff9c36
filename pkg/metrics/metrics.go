package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet state metrics
	ProjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clawlets_projects_total",
			Help: "Total number of projects by status",
		},
		[]string{"status"},
	)

	RunnersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clawlets_runners_total",
			Help: "Total number of runners by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clawlets_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	DeletionJobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clawlets_deletion_jobs_total",
			Help: "Total number of project erasure jobs by status",
		},
		[]string{"status"},
	)

	// Lease engine metrics
	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawlets_jobs_enqueued_total",
			Help: "Total number of jobs accepted by enqueue",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawlets_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawlets_jobs_requeued_total",
			Help: "Total number of jobs requeued after lease expiry",
		},
	)

	SealedReservationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawlets_sealed_reservations_expired_total",
			Help: "Total number of sealed-input reservations that expired before finalize",
		},
	)

	LeaseNextDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clawlets_lease_next_duration_seconds",
			Help:    "Time taken to select and lease the next job in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawlets_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawlets_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawlets_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"op"},
	)

	// Reconciler metrics
	ReconcileCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawlets_reconcile_cycles_total",
			Help: "Total number of runner liveness sweeps",
		},
	)

	RunnersMarkedOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawlets_runners_marked_offline_total",
			Help: "Total number of runners flipped offline by the reconciler",
		},
	)

	// Maintenance metrics
	RetentionRowsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawlets_retention_rows_deleted_total",
			Help: "Total number of rows deleted by retention sweeps, by table",
		},
		[]string{"table"},
	)

	RetentionSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clawlets_retention_sweep_duration_seconds",
			Help:    "Retention sweep pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(RunnersTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(DeletionJobsTotal)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(SealedReservationsExpired)
	prometheus.MustRegister(LeaseNextDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(ReconcileCycles)
	prometheus.MustRegister(RunnersMarkedOffline)
	prometheus.MustRegister(RetentionRowsDeleted)
	prometheus.MustRegister(RetentionSweepDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
