/*
Package metrics provides Prometheus metrics collection and exposition for the
control plane.

Metrics fall in two groups. Counters and histograms are incremented inline by
the code paths they measure (enqueue, lease selection, API middleware,
retention deletes). Fleet-state gauges are refreshed by the Collector, which
walks storage on a 15 second interval and republishes per-status totals for
projects, runners, jobs, and erasure jobs.

# Architecture

	┌───────────────────── METRICS SYSTEM ─────────────────────┐
	│                                                          │
	│  engine / api / retention        Collector (every 15s)   │
	│  increment counters inline       reads storage, resets   │
	│  at the point of work            and re-sets gauges      │
	│            │                            │                │
	│            └──────────┬─────────────────┘                │
	│                       ▼                                  │
	│            Prometheus DefaultRegistry                    │
	│            (MustRegister at package init)                │
	│                       │                                  │
	│                       ▼                                  │
	│            GET /metrics (promhttp.Handler)               │
	└──────────────────────────────────────────────────────────┘

Gauges are Reset before each refresh so a status class that empties reports
zero instead of its last value.

# Health Endpoints

The package also carries the process health checker backing /health, /ready,
and /live. Components report in via RegisterComponent/UpdateComponent;
readiness requires the critical set (storage, scheduler, api) to be
registered and healthy.

# Usage

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

Inline instrumentation uses the exported vars directly:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LeaseNextDuration)
	metrics.JobsEnqueued.Inc()

# Metric Catalog

Fleet state (gauges, Collector-refreshed):

  - clawlets_projects_total{status}
  - clawlets_runners_total{status}
  - clawlets_jobs_total{status}
  - clawlets_deletion_jobs_total{status}

Lease engine (inline):

  - clawlets_jobs_enqueued_total
  - clawlets_jobs_completed_total{status}
  - clawlets_jobs_requeued_total
  - clawlets_sealed_reservations_expired_total
  - clawlets_lease_next_duration_seconds

API and maintenance (inline):

  - clawlets_api_requests_total{method,status}
  - clawlets_api_request_duration_seconds{method}
  - clawlets_rate_limit_rejections_total{op}
  - clawlets_retention_rows_deleted_total{table}
  - clawlets_retention_sweep_duration_seconds
*/
package metrics
