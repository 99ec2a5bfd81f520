// Package metrics provides Prometheus instrumentation for visitguard.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "visitguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VisitValidationsTotal counts validate-visit outcomes (accepted, rejected, error).
	VisitValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visit_validations_total",
			Help:      "Visit validations by outcome.",
		},
		[]string{"outcome"},
	)

	// VisitFlagsTotal counts every flag raised during validation.
	VisitFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visit_flags_total",
			Help:      "Flags raised during visit validation.",
		},
		[]string{"flag"},
	)

	// VisitConfidence observes the confidence score of every validation.
	VisitConfidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "visit_confidence",
		Help:      "Confidence score distribution (0-100).",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// VisitValidationDuration observes end-to-end engine latency.
	VisitValidationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "visit_validation_duration_seconds",
		Help:      "Time spent validating a visit claim.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	})

	// AuditWriteFailuresTotal counts audit records that could not be persisted.
	AuditWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_write_failures_total",
		Help:      "Audit records dropped after retries were exhausted.",
	})

	// ChallengesIssuedTotal counts issued challenges.
	ChallengesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "challenges_issued_total",
		Help:      "Total challenges issued.",
	})

	// ChallengeConsumptionsTotal counts consume attempts by result code.
	ChallengeConsumptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenge_consumptions_total",
			Help:      "Challenge consume attempts by result.",
		},
		[]string{"result"},
	)

	// RewardsTotal counts award attempts by result.
	RewardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_total",
			Help:      "Award attempts by result (awarded, replayed, rejected, rate_limited, banned, duplicate).",
		},
		[]string{"result"},
	)

	// XPAwardedTotal sums experience points granted.
	XPAwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "xp_awarded_total",
		Help:      "Experience points granted.",
	})

	// BansIssuedTotal counts temporary bans.
	BansIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_issued_total",
		Help:      "Temporary reward bans issued.",
	})

	// FailOpenTotal counts decisions taken without the counter store.
	FailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_store_fail_open_total",
			Help:      "Rate-limit or ban checks skipped because the counter store was unavailable.",
		},
		[]string{"check"},
	)

	// SessionAnomaliesTotal counts session anomaly flags.
	SessionAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_anomalies_total",
			Help:      "Session anomalies detected by flag.",
		},
		[]string{"flag"},
	)

	// SessionRevocationsTotal counts revoked sessions.
	SessionRevocationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_revocations_total",
		Help:      "Sessions revoked.",
	})

	// ActiveWebSocketClients tracks connected security-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VisitValidationsTotal,
		VisitFlagsTotal,
		VisitConfidence,
		VisitValidationDuration,
		AuditWriteFailuresTotal,
		ChallengesIssuedTotal,
		ChallengeConsumptionsTotal,
		RewardsTotal,
		XPAwardedTotal,
		BansIssuedTotal,
		FailOpenTotal,
		SessionAnomaliesTotal,
		SessionRevocationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
