package service

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	gateScans       *prometheus.CounterVec
	decisionTotal   *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	gateScans := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gate_scans_total",
		Help: "Gate QR scans by direction and outcome",
	}, []string{"direction", "outcome"})

	decisionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outpass_decisions_total",
		Help: "Warden decisions applied to outpass requests",
	}, []string{"decision"})

	registry.MustRegister(requestDuration, requestTotal, gateScans, decisionTotal)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		gateScans:       gateScans,
		decisionTotal:   decisionTotal,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records one served request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := []string{method, path, fmt.Sprintf("%d", status)}
	s.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	s.requestTotal.WithLabelValues(labels...).Inc()
}

// RecordGateScan counts one verification attempt. Direction is "exit",
// "entry", or "unknown" when the token never resolved.
func (s *MetricsService) RecordGateScan(direction, outcome string) {
	if s == nil {
		return
	}
	s.gateScans.WithLabelValues(direction, outcome).Inc()
}

// RecordDecision counts one warden decision.
func (s *MetricsService) RecordDecision(decision string) {
	if s == nil {
		return
	}
	s.decisionTotal.WithLabelValues(decision).Inc()
}
