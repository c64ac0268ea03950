package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	vsRecordsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veriseal_records_appended_total",
		Help: "Total audit records appended to the unsealed tail.",
	})

	vsBlocksSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veriseal_blocks_sealed_total",
		Help: "Total blocks sealed onto the chain.",
	})

	vsSealDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veriseal_seal_duration_seconds",
		Help:    "Duration of a seal operation in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	vsSealedRecords = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veriseal_sealed_records_per_block",
		Help:    "Records captured per sealed block.",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
	})

	vsVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriseal_verifications_total",
		Help: "Total verification results by outcome.",
	}, []string{"outcome"})

	vsAnchorSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriseal_anchor_submissions_total",
		Help: "Total anchor submissions by result.",
	}, []string{"result"})

	vsAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriseal_alerts_total",
		Help: "Total integrity alerts raised by kind.",
	}, []string{"kind"})

	vsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriseal_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	vsRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veriseal_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		vsRequestsTotal.WithLabelValues(method, path, status).Inc()
		vsRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records an audit record append.
func RecordAppend() {
	vsRecordsAppendedTotal.Inc()
}

// RecordSeal records a sealed block with its record count and duration.
func RecordSeal(recordCount int, duration time.Duration) {
	vsBlocksSealedTotal.Inc()
	vsSealDuration.Observe(duration.Seconds())
	vsSealedRecords.Observe(float64(recordCount))
}

// RecordVerification records a verification outcome (VALID, TAMPERED, UNSEALED).
func RecordVerification(outcome string) {
	vsVerificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordAnchorSubmission records an anchor submission attempt.
func RecordAnchorSubmission(success bool) {
	if success {
		vsAnchorSubmissionsTotal.WithLabelValues("success").Inc()
	} else {
		vsAnchorSubmissionsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordAlert records a raised integrity alert.
func RecordAlert(kind string) {
	vsAlertsTotal.WithLabelValues(kind).Inc()
}
