package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service exports. All methods are safe on
// a nil *Collector so components can run without metrics in tests.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	GateDecisions     *prometheus.CounterVec
	CheckDuration     *prometheus.HistogramVec
	CheckUnavailable  *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	AlertsCreated     *prometheus.CounterVec
	AlertTransitions  *prometheus.CounterVec
	BroadcastMessages *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	ConnectedClients  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers the service metrics on reg. Pass
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Prescription gate outcomes by state and degraded flag.",
		}, []string{"state", "degraded"}),

		CheckDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "check_duration_seconds",
			Help:      "Safety checker latency distribution.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"check"}),

		CheckUnavailable: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "check_unavailable_total",
			Help:      "Safety checks that failed, timed out, or panicked. Alert if non-zero.",
		}, []string{"check"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "interaction_cache_lookups_total",
			Help:      "Interaction cache lookups by tier and result.",
		}, []string{"tier", "result"}),

		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "created_total",
			Help:      "Clinical alerts created by type and severity.",
		}, []string{"type", "severity"}),

		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "transitions_total",
			Help:      "Alert status transitions by target status and result.",
		}, []string{"status", "result"}),

		BroadcastMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_total",
			Help:      "Broadcast messages by event and result.",
		}, []string{"event", "result"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Domain events published by type and result.",
		}, []string{"type", "result"}),

		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "connected_clients",
			Help:      "Current number of connected real-time observers.",
		}),

		gatherer: reg,
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) ObserveCheck(check string, d time.Duration, unavailable bool) {
	if c == nil {
		return
	}
	c.CheckDuration.WithLabelValues(check).Observe(d.Seconds())
	if unavailable {
		c.CheckUnavailable.WithLabelValues(check).Inc()
	}
}

func (c *Collector) ObserveGate(state string, degraded bool) {
	if c == nil {
		return
	}
	c.GateDecisions.WithLabelValues(state, strconv.FormatBool(degraded)).Inc()
}

func (c *Collector) CacheLookup(tier string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(tier, result).Inc()
}

func (c *Collector) AlertCreated(alertType, severity string) {
	if c == nil {
		return
	}
	c.AlertsCreated.WithLabelValues(alertType, severity).Inc()
}

func (c *Collector) AlertTransition(status string, err error) {
	if c == nil {
		return
	}
	c.AlertTransitions.WithLabelValues(status, resultLabel(err)).Inc()
}

func (c *Collector) Broadcast(event string, err error) {
	if c == nil {
		return
	}
	c.BroadcastMessages.WithLabelValues(event, resultLabel(err)).Inc()
}

func (c *Collector) EventPublished(eventType string, err error) {
	if c == nil {
		return
	}
	c.EventsPublished.WithLabelValues(eventType, resultLabel(err)).Inc()
}

func (c *Collector) ClientConnected(delta float64) {
	if c == nil {
		return
	}
	c.ConnectedClients.Add(delta)
}

// Middleware records request count and latency per echo route template, so
// path parameters never become label values.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if c == nil {
				return next(ctx)
			}
			start := time.Now()
			err := next(ctx)
			status := ctx.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := ctx.Path()
			method := ctx.Request().Method
			c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
