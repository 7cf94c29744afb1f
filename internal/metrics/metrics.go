package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// Inbound HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Outbound OCPI call metrics
	ClientRequestTotal    *prometheus.CounterVec
	ClientRequestDuration *prometheus.HistogramVec
	ClientRetryTotal      *prometheus.CounterVec

	// Registration handshake metrics
	RegistrationTotal    *prometheus.CounterVec
	RegistrationDuration *prometheus.HistogramVec

	// Directory cache metrics
	DirectoryRefreshTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpi_http_requests_total",
			Help: "Total number of inbound OCPI HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocpi_http_request_duration_seconds",
			Help:    "Inbound OCPI HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		ClientRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpi_client_requests_total",
			Help: "Total number of outbound OCPI calls",
		}, []string{"method", "module", "status"}),

		ClientRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocpi_client_request_duration_seconds",
			Help:    "Outbound OCPI call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "module", "status"}),

		ClientRetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpi_client_retries_total",
			Help: "Total number of retried outbound OCPI call attempts",
		}, []string{"method", "module"}),

		RegistrationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpi_registrations_total",
			Help: "Total number of registration handshakes",
		}, []string{"result"}),

		RegistrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocpi_registration_duration_seconds",
			Help:    "Registration handshake duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),

		DirectoryRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpi_directory_refreshes_total",
			Help: "Total number of version/endpoint cache refreshes",
		}, []string{"kind", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ClientRequestTotal)
	registerOrGet(m.ClientRequestDuration)
	registerOrGet(m.ClientRetryTotal)
	registerOrGet(m.RegistrationTotal)
	registerOrGet(m.RegistrationDuration)
	registerOrGet(m.DirectoryRefreshTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
