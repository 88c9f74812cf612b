// Package observability exposes Prometheus metrics for the bridge.
package observability

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beaglecam_poll_cycles_total",
			Help: "Poll cycles by result (ok, offline, failed, skipped).",
		},
		[]string{"result"},
	)

	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beaglecam_poll_cycle_duration_seconds",
			Help:    "Duration of successful poll cycles.",
			Buckets: prometheus.DefBuckets,
		},
	)

	deviceCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beaglecam_device_commands_total",
			Help: "Device commands by operation and outcome.",
		},
		[]string{"pro", "outcome"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beaglecam_http_requests_total",
			Help: "API requests by endpoint, method, and status.",
		},
		[]string{"endpoint", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(pollCycles, pollDuration, deviceCommands, httpRequests)
}

// ObservePoll records a poll cycle outcome.
func ObservePoll(result string, dur time.Duration) {
	pollCycles.WithLabelValues(result).Inc()
	if result == "ok" {
		pollDuration.Observe(dur.Seconds())
	}
}

// ObserveCommand records a device command outcome.
func ObserveCommand(pro, outcome string) {
	deviceCommands.WithLabelValues(pro, outcome).Inc()
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts API requests by endpoint, method, and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so WebSocket upgrades work behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
