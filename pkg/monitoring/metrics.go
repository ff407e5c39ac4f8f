package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for a service
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	// Standard HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec
}

// NewMetricsCollector creates a new metrics collector for a service.
// Each collector owns a private registry so tests can construct as many
// instances as they like without duplicate-registration panics.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	sanitizedServiceName := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName: sanitizedServiceName,
		registry:    prometheus.NewRegistry(),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_active_connections",
			Help: "Number of active connections",
		},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)

	mc.registry.MustRegister(mc.httpRequestsTotal)
	mc.registry.MustRegister(mc.httpRequestDuration)
	mc.registry.MustRegister(mc.activeConnections)
	mc.registry.MustRegister(mc.serviceInfo)

	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// Registry exposes the collector's registry for component metrics.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// NewCounter creates a new counter metric for the service
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.registry.MustRegister(counter)
	return counter
}

// NewGauge creates a new gauge metric for the service
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.registry.MustRegister(gauge)
	return gauge
}

// NewHistogram creates a new histogram metric for the service
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_" + name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
	mc.registry.MustRegister(histogram)
	return histogram
}

// CreateHookMetrics creates the hook-processing metrics surface.
func (mc *MetricsCollector) CreateHookMetrics() (
	*prometheus.CounterVec, // hook_requests_total{action, result}
	*prometheus.HistogramVec, // hook_duration_seconds{action}
) {
	requests := mc.NewCounter("hook_requests_total", "Total hook requests", []string{"action", "result"})
	duration := mc.NewHistogram("hook_duration_seconds", "Hook processing duration", []string{"action"}, nil)
	return requests, duration
}

// CreateAuthMetrics creates the authorization resolver metrics surface.
func (mc *MetricsCollector) CreateAuthMetrics() (
	*prometheus.CounterVec, // auth_lookups_total{tier, outcome}
	*prometheus.GaugeVec, // auth_cache_hit_rate
) {
	lookups := mc.NewCounter("auth_lookups_total", "Auth lookups by tier and outcome", []string{"tier", "outcome"})
	hitRate := mc.NewGauge("auth_cache_hit_rate", "Auth cache hit rate", []string{"cache"})
	return lookups, hitRate
}

// CreateSchedulerMetrics creates the stream scheduler metrics surface.
func (mc *MetricsCollector) CreateSchedulerMetrics() (
	*prometheus.CounterVec, // scheduler_operations_total{operation, status}
	*prometheus.GaugeVec, // scheduler_active_tasks{type}
) {
	operations := mc.NewCounter("scheduler_operations_total", "Scheduler operations", []string{"operation", "status"})
	active := mc.NewGauge("scheduler_active_tasks", "Active stream tasks", []string{"type"})
	return operations, active
}

// CreatePoolMetrics creates the connection/worker pool metrics surface.
func (mc *MetricsCollector) CreatePoolMetrics() (
	*prometheus.GaugeVec, // pool_connections{pool, state}
	*prometheus.CounterVec, // pool_events_total{pool, event}
) {
	connections := mc.NewGauge("pool_connections", "Pool connection counts", []string{"pool", "state"})
	events := mc.NewCounter("pool_events_total", "Pool lifecycle events", []string{"pool", "event"})
	return connections, events
}
