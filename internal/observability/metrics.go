package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	DirectionPush = "push"
	DirectionPull = "pull"
)

var (
	registerOnce sync.Once

	sessionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbctl",
			Subsystem: "session",
			Name:      "total",
			Help:      "Command pipeline sessions by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "adbctl",
			Subsystem: "session",
			Name:      "handshake_duration_seconds",
			Help:      "Time from dial to the terminal response of the command queue.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)
	commandStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbctl",
			Subsystem: "command",
			Name:      "status_total",
			Help:      "Status tokens received for queued commands.",
		},
		[]string{"status"},
	)
	syncBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbctl",
			Subsystem: "sync",
			Name:      "bytes_total",
			Help:      "Payload bytes moved through the sync sub-protocol.",
		},
		[]string{"direction"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served by the metrics endpoint.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "adbctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Metrics endpoint request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	framebufferCaptures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbctl",
			Subsystem: "framebuffer",
			Name:      "captures_total",
			Help:      "Framebuffer captures by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionTotal, sessionDuration, commandStatus, syncBytes, framebufferCaptures,
			httpRequests, httpDuration,
		)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

func RecordSession(operation string, err error, duration time.Duration) {
	outcome := Outcome(err)
	sessionTotal.WithLabelValues(operation, outcome).Inc()
	sessionDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

func RecordCommandStatus(status string) {
	commandStatus.WithLabelValues(status).Inc()
}

func RecordSyncBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	syncBytes.WithLabelValues(direction).Add(float64(n))
}

func RecordFramebufferCapture(err error) {
	framebufferCaptures.WithLabelValues(Outcome(err)).Inc()
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}
