// ABOUTME: Prometheus collector for broker events and gateway HTTP traffic.
// ABOUTME: Implements broker.Observer on a private registry served by Handler.

package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/browtrix-gateway/internal/broker"
)

const namespace = "browtrix"

// Collector records broker and HTTP metrics.
type Collector struct {
	registry *prometheus.Registry

	sessionsAdmitted prometheus.Counter
	sessionsRejected prometheus.Counter
	sessionsRemoved  *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	orphaned         *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	pendingRequests  prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ broker.Observer = (*Collector)(nil)

// New creates a Collector with Go runtime and process metrics included.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "admitted_total",
			Help:      "Browser sessions admitted.",
		}),
		sessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "rejected_total",
			Help:      "Browser sessions refused because the connection limit was reached.",
		}),
		sessionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "removed_total",
			Help:      "Browser sessions removed, by reason.",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Broker requests finished, by request type and outcome.",
		}, []string{"type", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time from send to resolution of broker requests.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type"}),
		orphaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "orphaned_total",
			Help:      "Responses that matched no pending request, by kind (late or unknown).",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Inbound frames dropped before correlation, by reason.",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Currently connected browser sessions.",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Requests waiting for a browser response.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sessionsAdmitted,
		c.sessionsRejected,
		c.sessionsRemoved,
		c.requests,
		c.requestDuration,
		c.orphaned,
		c.dropped,
		c.activeSessions,
		c.pendingRequests,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SessionAdmitted() { c.sessionsAdmitted.Inc() }

func (c *Collector) SessionRejected() { c.sessionsRejected.Inc() }

func (c *Collector) SessionRemoved(reason string) {
	c.sessionsRemoved.WithLabelValues(reason).Inc()
}

func (c *Collector) RequestFinished(requestType string, outcome broker.Outcome, latency time.Duration) {
	c.requests.WithLabelValues(requestType, string(outcome)).Inc()
	c.requestDuration.WithLabelValues(requestType).Observe(latency.Seconds())
}

func (c *Collector) ResponseOrphaned(kind string) {
	c.orphaned.WithLabelValues(kind).Inc()
}

func (c *Collector) FrameDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Collector) Gauges(activeSessions, pendingRequests int) {
	c.activeSessions.Set(float64(activeSessions))
	c.pendingRequests.Set(float64(pendingRequests))
}

// Instrument wraps next so every request is counted under route.
func (c *Collector) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
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

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrader. A hijacked request
// is recorded as 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}
