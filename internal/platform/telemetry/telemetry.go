// Package telemetry exposes Prometheus metrics for the wound-care API:
// HTTP traffic, model gateway outcomes and latency, and patient
// registrations. Metrics live on a private registry so that tests and
// multiple servers in one process do not collide on the global one.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/woundcare/woundcare/internal/platform/apierr"
)

// Metrics groups every collector the service records.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatewayOutcomes *prometheus.CounterVec
	gatewayAttempts *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec

	registrations *prometheus.CounterVec
	idFallbacks   prometheus.Counter
}

// New builds and registers all collectors. Process and Go runtime
// collectors are included so /metrics is useful on its own.
func New(service string) *Metrics {
	constLabels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"method", "route"}),

		gatewayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "assessment_gateway_outcomes_total",
			Help:        "Model gateway results by prompt template and outcome",
			ConstLabels: constLabels,
		}, []string{"template", "outcome"}),

		gatewayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "assessment_gateway_attempts_total",
			Help:        "Individual provider calls, including retries",
			ConstLabels: constLabels,
		}, []string{"template", "result"}),

		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "assessment_gateway_duration_seconds",
			Help:        "Wall time of a gateway assessment including retries",
			Buckets:     []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
			ConstLabels: constLabels,
		}, []string{"template"}),

		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "patient_registrations_total",
			Help:        "Patient registration attempts by result",
			ConstLabels: constLabels,
		}, []string{"result"}),

		idFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "patient_id_fallbacks_total",
			Help:        "Allocations that reset the sequence because the last stored id was malformed",
			ConstLabels: constLabels,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.gatewayOutcomes, m.gatewayAttempts, m.gatewayDuration,
		m.registrations, m.idFallbacks,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and durations keyed by route pattern
// (not raw path) to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status, _ = apierr.Classify(err)
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ObserveGatewayAttempt counts one provider call. result is "ok",
// "blocked", "transient_error" or "error".
func (m *Metrics) ObserveGatewayAttempt(template, result string) {
	if m == nil {
		return
	}
	m.gatewayAttempts.WithLabelValues(template, result).Inc()
}

// ObserveGatewayOutcome records the final outcome of an assessment call.
func (m *Metrics) ObserveGatewayOutcome(template, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayOutcomes.WithLabelValues(template, outcome).Inc()
	m.gatewayDuration.WithLabelValues(template).Observe(elapsed.Seconds())
}

// ObserveRegistration counts a registration attempt by result
// ("created", "invalid", "storage_error", "error").
func (m *Metrics) ObserveRegistration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// ObserveIDFallback counts a sequence reset caused by a malformed stored id.
func (m *Metrics) ObserveIDFallback() {
	if m == nil {
		return
	}
	m.idFallbacks.Inc()
}
