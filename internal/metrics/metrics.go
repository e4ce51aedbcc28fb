// Package metrics provides Prometheus instrumentation for the agent.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presenced",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "presenced",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SyncRecordsTotal counts records pushed to the remote authority by
	// entity type and result.
	SyncRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presenced",
			Name:      "sync_records_total",
			Help:      "Total mutation records pushed remotely by entity type and result.",
		},
		[]string{"entity_type", "result"},
	)

	// SyncPassDuration observes full sync pass duration.
	SyncPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presenced",
		Name:      "sync_pass_duration_seconds",
		Help:      "Duration of sync scheduler passes in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	// SyncPassesSkipped counts passes skipped because one was already in flight.
	SyncPassesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presenced",
		Name:      "sync_passes_skipped_total",
		Help:      "Sync passes skipped due to single-flight.",
	})

	// PendingMutations tracks pending ledger entries by entity type.
	PendingMutations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "presenced",
			Name:      "pending_mutations",
			Help:      "Pending ledger mutations by entity type.",
		},
		[]string{"entity_type"},
	)

	// FramesSampled counts camera frames submitted to detection.
	FramesSampled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presenced",
		Name:      "frames_sampled_total",
		Help:      "Camera frames submitted to the detection stage.",
	})

	// FramesDropped counts sampled frames dropped because processing was busy.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presenced",
		Name:      "frames_dropped_total",
		Help:      "Sampled frames dropped while detection was in flight.",
	})

	// VerificationsTotal counts verification verdicts by result. Rejections
	// carry the failing gate so abuse patterns are visible.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presenced",
			Name:      "verifications_total",
			Help:      "Verification verdicts by result (accepted or failing gate).",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts guardian notification attempts by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presenced",
			Name:      "notifications_total",
			Help:      "Guardian notification attempts by result.",
		},
		[]string{"result"},
	)

	// RemoteOnline is 1 while the backend is reachable, 0 while offline.
	RemoteOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presenced",
			Name:      "remote_online",
			Help:      "Whether the remote backend is currently reachable (1) or not (0).",
		},
	)

	// ActiveStreamClients tracks connected event stream clients.
	ActiveStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presenced",
			Name:      "active_stream_clients",
			Help:      "Number of currently connected event stream clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presenced", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presenced", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presenced", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SyncRecordsTotal,
		SyncPassDuration,
		SyncPassesSkipped,
		PendingMutations,
		FramesSampled,
		FramesDropped,
		VerificationsTotal,
		NotificationsTotal,
		RemoteOnline,
		ActiveStreamClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// NewPassTimer returns a timer observing into SyncPassDuration on
// ObserveDuration.
func NewPassTimer() *prometheus.Timer {
	return prometheus.NewTimer(SyncPassDuration)
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

// Handler returns the Prometheus scrape handler wrapped for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
