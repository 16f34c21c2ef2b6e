/*
Package metrics exposes Prometheus collectors for the commission engine.

PURPOSE:
  Implements engine.Observer so distribution and recalculation outcomes are
  counted without the engine importing Prometheus, and records HTTP request
  counts and latencies for the api package.

COLLECTORS:
  commission_distributions_total{status}
  commission_recalculation_duration_seconds{op}
  commission_recalculation_errors_total{op, reason}
  commission_http_requests_total{method, route, code}
  commission_http_request_duration_seconds{method, route}

  Every Metrics owns its registry, so tests can build as many as they like.
*/
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/commission-engine/engine"
)

const namespace = "commission"

const (
	ReasonClientError      = "client_error"
	ReasonConflict         = "conflict"
	ReasonNotFound         = "not_found"
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonCanceled         = "canceled"
	ReasonBatchAborted     = "batch_aborted"
	ReasonUnknown          = "unknown"
)

// Metrics holds the engine and HTTP collectors.
type Metrics struct {
	registry *prometheus.Registry

	distributions  *prometheus.CounterVec
	recalcDuration *prometheus.HistogramVec
	recalcErrors   *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

var _ engine.Observer = (*Metrics)(nil)

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributions_total",
			Help:      "Branch-day distributions by outcome status.",
		}, []string{"status"}),
		recalcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recalculation_duration_seconds",
			Help:      "Duration of recalculation operations.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"op"}),
		recalcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalculation_errors_total",
			Help:      "Failed recalculation operations by reason.",
		}, []string{"op", "reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.distributions,
		m.recalcDuration,
		m.recalcErrors,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) DistributionFinished(status engine.DistributionStatus) {
	m.distributions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) RecalculationFinished(op string, elapsed time.Duration, err error) {
	m.recalcDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.recalcErrors.WithLabelValues(op, ClassifyError(err)).Inc()
	}
}

// ObserveRequest records one served HTTP request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ClassifyError maps an engine error to a bounded reason label.
func ClassifyError(err error) string {
	var batch *engine.RecalculationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.As(err, &batch):
		return ReasonBatchAborted
	case engine.IsClientError(err):
		return ReasonClientError
	case engine.IsConflict(err):
		return ReasonConflict
	case engine.IsNotFound(err):
		return ReasonNotFound
	}
	return ReasonUnknown
}
