package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"deploywatch/progress"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds the relay's collectors. It implements progress.Observer and
// is shared by every tracker.
type Metrics struct {
	events         *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	snapshots      *prometheus.CounterVec
	polls          *prometheus.CounterVec
	sessions       prometheus.Gauge
	viewers        prometheus.Gauge
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

var _ progress.Observer = (*Metrics)(nil)

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploywatch",
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Push events reconciled, by type and whether they changed state",
		}, []string{"type", "changed"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploywatch",
			Subsystem: "sync",
			Name:      "events_dropped_total",
			Help:      "Push events dropped before reconciliation",
		}, []string{"reason"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploywatch",
			Subsystem: "sync",
			Name:      "snapshots_applied_total",
			Help:      "Poll snapshots reconciled, by whether they changed state",
		}, []string{"changed"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploywatch",
			Subsystem: "sync",
			Name:      "polls_total",
			Help:      "Snapshot polls completed, by result",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deploywatch",
			Subsystem: "relay",
			Name:      "sessions_active",
			Help:      "Deployments currently tracked",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deploywatch",
			Subsystem: "relay",
			Name:      "viewers_active",
			Help:      "Dashboard connections currently attached",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploywatch",
			Subsystem: "relay",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deploywatch",
			Subsystem: "relay",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}

	collectors := []prometheus.Collector{
		m.events, m.dropped, m.snapshots, m.polls,
		m.sessions, m.viewers, m.requestTotal, m.requestLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) EventApplied(t progress.EventType, changed bool) {
	m.events.WithLabelValues(string(t), strconv.FormatBool(changed)).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SnapshotApplied(changed bool) {
	m.snapshots.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

func (m *Metrics) PollCompleted(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionStarted() { m.sessions.Inc() }
func (m *Metrics) SessionEnded()   { m.sessions.Dec() }
func (m *Metrics) ViewerJoined()   { m.viewers.Inc() }
func (m *Metrics) ViewerLeft()     { m.viewers.Dec() }

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		m.requestTotal.With(labels).Inc()
		m.requestLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}
