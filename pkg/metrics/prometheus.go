package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the HTTP metrics of one storage node. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	httpTimeoutsTotal    *prometheus.CounterVec

	// Blob Metrics
	blobsStoredTotal *prometheus.CounterVec
	blobBytes        prometheus.Histogram

	// Rate Limiting Metrics
	rateLimitBlockedTotal prometheus.Counter
}

// NewMetrics creates and registers the node metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		httpTimeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_request_timeouts_total",
				Help:        "Requests that exceeded their deadline",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint"},
		),
		blobsStoredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "blobs_stored_total",
				Help:        "Blob uploads by outcome",
				ConstLabels: labels,
			},
			[]string{"result"}, // created, certified, error
		),
		blobBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "blob_size_bytes",
				Help:        "Size of uploaded blobs",
				ConstLabels: labels,
				Buckets:     []float64{1024, 10240, 102400, 1048576, 10485760, 67108864},
			},
		),
		rateLimitBlockedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "rate_limit_blocked_total",
				Help:        "Requests rejected by the rate limiter",
				ConstLabels: labels,
			},
		),
	}
}

// GetRegistry returns the registry holding the node metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordTimeout records a request that ran past its deadline
func (m *Metrics) RecordTimeout(method, endpoint string) {
	m.httpTimeoutsTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordBlobStored records an upload outcome
func (m *Metrics) RecordBlobStored(result string, size int) {
	m.blobsStoredTotal.WithLabelValues(result).Inc()
	if size > 0 {
		m.blobBytes.Observe(float64(size))
	}
}

// RecordRateLimited records a rejected request
func (m *Metrics) RecordRateLimited() {
	m.rateLimitBlockedTotal.Inc()
}
