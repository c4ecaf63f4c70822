// Package metrics provides Prometheus instrumentation for the settlement service.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agriconnect",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agriconnect",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhooksIngestedTotal counts gateway webhook callbacks by gateway and outcome.
	WebhooksIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agriconnect",
			Name:      "webhooks_ingested_total",
			Help:      "Total gateway webhook callbacks by gateway and outcome.",
		},
		[]string{"gateway", "outcome"},
	)

	// WebhookDuplicatesTotal counts webhook callbacks dropped as duplicates.
	WebhookDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agriconnect",
			Name:      "webhook_duplicates_total",
			Help:      "Total webhook callbacks ignored as duplicate deliveries.",
		},
		[]string{"gateway"},
	)

	// EscrowOpenedTotal counts escrow accounts opened.
	EscrowOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agriconnect",
		Name:      "escrow_opened_total",
		Help:      "Total escrow accounts opened.",
	})

	// ReleasesTotal counts escrow releases by trigger (milestone, manual, auto, resolution).
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agriconnect",
			Name:      "escrow_releases_total",
			Help:      "Total escrow releases by trigger.",
		},
		[]string{"trigger"},
	)

	// RefundsTotal counts escrow refunds.
	RefundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agriconnect",
		Name:      "escrow_refunds_total",
		Help:      "Total escrow refunds.",
	})

	// DisputesTotal counts disputes by terminal outcome (open, resolved_buyer,
	// resolved_seller, resolved_split).
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agriconnect",
			Name:      "disputes_total",
			Help:      "Total dispute operations by outcome.",
		},
		[]string{"outcome"},
	)

	// ReconcileRunsTotal counts reconciliation passes.
	ReconcileRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agriconnect",
		Name:      "reconcile_runs_total",
		Help:      "Total reconciliation passes completed.",
	})

	// ReconcileMismatchesTotal counts ledger/account mismatches flagged.
	ReconcileMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agriconnect",
		Name:      "reconcile_mismatches_total",
		Help:      "Total ledger/account mismatches flagged by reconciliation.",
	})

	// AutoReleasesTotal counts escrows auto-released after their windows expired.
	AutoReleasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agriconnect",
		Name:      "escrow_auto_released_total",
		Help:      "Total escrows auto-released after the release window expired.",
	})

	// NotificationsTotal counts outbound notification deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agriconnect",
			Name:      "notifications_total",
			Help:      "Total outbound notification deliveries by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agriconnect", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agriconnect", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agriconnect", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agriconnect", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agriconnect", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agriconnect", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhooksIngestedTotal,
		WebhookDuplicatesTotal,
		EscrowOpenedTotal,
		ReleasesTotal,
		RefundsTotal,
		DisputesTotal,
		ReconcileRunsTotal,
		ReconcileMismatchesTotal,
		AutoReleasesTotal,
		NotificationsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
