// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"forward-proxy/internal/model"
)

// Default histogram buckets for request and connect latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Request outcomes used as the "outcome" label. The set is closed to keep
// label cardinality bounded.
const (
	OutcomeOK                  = "ok"
	OutcomeMalformed           = "malformed_request"
	OutcomeUnsupportedMethod   = "unsupported_method"
	OutcomeUpstreamUnreachable = "upstream_unreachable"
	OutcomeRelayFailure        = "relay_failure"
	OutcomeCanceled            = "canceled"
	OutcomeOther               = "other"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsWaiting  prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestsInFlight    prometheus.Gauge
	BytesRelayed        prometheus.Counter

	UpstreamConnectDuration prometheus.Histogram
	UpstreamErrors          *prometheus.CounterVec

	AccessLogErrors prometheus.Counter

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forward_proxy_connections_accepted_total",
			Help: "Total client connections accepted by the listener.",
		}),

		ConnectionsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forward_proxy_connections_waiting",
			Help: "1 while the accept loop is blocked on admission control.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_requests_total",
			Help: "Total proxied requests by outcome.",
		}, []string{"outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forward_proxy_request_duration_seconds",
			Help:    "Time from accept to connection close in seconds.",
			Buckets: defaultBuckets,
		}, []string{"outcome"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forward_proxy_requests_in_flight",
			Help: "Number of workers currently handling a connection.",
		}),

		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forward_proxy_bytes_relayed_total",
			Help: "Total response bytes relayed from origins to clients.",
		}),

		UpstreamConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forward_proxy_upstream_connect_duration_seconds",
			Help:    "Upstream resolve plus connect latency in seconds.",
			Buckets: defaultBuckets,
		}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_upstream_errors_total",
			Help: "Upstream failures by stage (resolve, connect).",
		}, []string{"stage"}),

		AccessLogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forward_proxy_access_log_errors_total",
			Help: "Access log appends that failed.",
		}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_admin_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forward_proxy_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsWaiting,
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BytesRelayed,
		m.UpstreamConnectDuration,
		m.UpstreamErrors,
		m.AccessLogErrors,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
	)

	return m
}

// Outcome maps a pipeline error to a bounded outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, model.ErrUnsupportedMethod):
		return OutcomeUnsupportedMethod
	case errors.Is(err, model.ErrMalformedRequest):
		return OutcomeMalformed
	case errors.Is(err, model.ErrUpstreamUnreachable):
		return OutcomeUpstreamUnreachable
	case errors.Is(err, model.ErrRelayFailure):
		return OutcomeRelayFailure
	}
	return OutcomeOther
}

var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label. Non-standard methods
// map to "other".
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute maps an echo route template to a bounded label. Requests
// that matched no route, or only a wildcard, are reported as "other".
func NormalizeRoute(route string) string {
	if route == "" || strings.Contains(route, "*") {
		return "other"
	}
	return route
}
