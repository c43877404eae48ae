// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
	blocked      *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	inFlight     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by route, method and status class.",
		}, []string{"route", "method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests denied by the rate limiter, by policy.",
		}, []string{"policy"}),
		blocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_blocked_total",
			Help: "Requests denied by the block list, by scope.",
		}, []string{"scope"}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "JWT verification failures, by failure code.",
		}, []string{"code"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Breaker state per route: 0 closed, 1 open, 2 half-open.",
		}, []string{"route"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_in_flight_requests",
			Help: "Requests currently being handled.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(routeID string, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(routeID, method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(routeID, method).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimited(policy string) { m.rateLimited.WithLabelValues(policy).Inc() }
func (m *Metrics) Blocked(scope string)      { m.blocked.WithLabelValues(scope).Inc() }
func (m *Metrics) AuthFailure(code string)   { m.authFailures.WithLabelValues(code).Inc() }
func (m *Metrics) RequestStarted()           { m.inFlight.Inc() }
func (m *Metrics) RequestFinished()          { m.inFlight.Dec() }

func (m *Metrics) SetBreakerState(routeID string, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half_open":
		v = 2
	}
	m.breakerState.WithLabelValues(routeID).Set(v)
}
