package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Executions counts finished executions by target (local, ssh) and
	// outcome (completed, failed, cancelled, timeout, error).
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "httprun_executions_total",
		Help: "Total number of command executions",
	}, []string{"target", "outcome"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "httprun_execution_duration_seconds",
		Help:    "Wall-clock duration of command executions",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"target"})

	StreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "httprun_stream_sessions_active",
		Help: "Number of open streaming connections",
	})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "httprun_auth_failures_total",
		Help: "Rejected authentication or authorization attempts",
	}, []string{"reason"})

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "httprun_audit_write_failures_total",
		Help: "Audit records that could not be persisted",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "httprun_http_requests_total",
		Help: "HTTP requests by method and status code",
	}, []string{"method", "code"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "httprun_rate_limited_total",
		Help: "Runs rejected by the per-token rate limiter",
	})

	// SSHPoolClients reports pooled SSH clients by state (active, idle).
	SSHPoolClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "httprun_ssh_pool_clients",
		Help: "Pooled SSH client connections",
	}, []string{"state"})
)
