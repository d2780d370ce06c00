// Package metrics holds the Prometheus collectors shared by the booking
// service, the reconciler, the HTTP layer and the store's circuit breaker.
// Every method is safe on a nil *Metrics so callers can run without metrics.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "envbook"

type Metrics struct {
	gatherer prometheus.Gatherer

	bookingsCreated   *prometheus.CounterVec
	conflictsDetected *prometheus.CounterVec
	statusChanges     *prometheus.CounterVec
	taskRuns          *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	taskItems         *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	breakerState      prometheus.Gauge
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		bookingsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_created_total",
			Help:      "Bookings created, by priority.",
		}, []string{"priority"}),
		conflictsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Conflict rows recorded, by detection path.",
		}, []string{"source"}),
		statusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_status_changes_total",
			Help:      "Booking lifecycle transitions.",
		}, []string{"from", "to"}),
		taskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_task_runs_total",
			Help:      "Reconciler task executions, by result.",
		}, []string{"task", "result"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_task_duration_seconds",
			Help:      "Reconciler task duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		taskItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_task_items_total",
			Help:      "Items a reconciler task acted on.",
		}, []string{"task"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method and status code.",
		}, []string{"method", "code"}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_circuit_breaker_state",
			Help:      "Store circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
	}
}

func (m *Metrics) BookingCreated(priority string) {
	if m == nil {
		return
	}
	m.bookingsCreated.WithLabelValues(priority).Inc()
}

func (m *Metrics) ConflictsDetected(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.conflictsDetected.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) StatusChanged(from, to string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(from, to).Inc()
}

// TaskRun records one reconciler task execution. result is "ok", "error" or
// "panic".
func (m *Metrics) TaskRun(task, result string, d time.Duration, items int) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, result).Inc()
	m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
	if items > 0 {
		m.taskItems.WithLabelValues(task).Add(float64(items))
	}
}

func (m *Metrics) HTTPRequest(method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) BreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts every request passing through next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPRequest(r.Method, rec.code)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack not supported")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}
