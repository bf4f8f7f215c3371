// Package metrics provides Prometheus metrics collection for rdmarm.
//
// The package exposes metrics at /metrics on the admin port for monitoring:
//
// Pool Metrics:
//   - rdmarm_qps: Live queue pairs by state (in_use, free)
//   - rdmarm_cqs / rdmarm_srqs: Live completion and shared receive queues
//   - rdmarm_qp_classes: Number of queue pair classes
//   - rdmarm_qp_acquire_total: Acquisitions by result (reused, created, failed)
//
// Memory Metrics:
//   - rdmarm_region_bytes: Registered bytes by region
//
// Lifecycle Metrics:
//   - rdmarm_startup_failures_total: Startup failures by error kind
//   - rdmarm_teardown_duration_seconds: Duration of resource teardown
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts admin API requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmarm_admin_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration tracks admin API request duration in seconds
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmarm_admin_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// QueuePairs tracks live queue pairs by allocation state
	QueuePairs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmarm_qps",
			Help: "Live queue pairs by allocation state",
		},
		[]string{"state"},
	)

	// CompletionQueues tracks live completion queues
	CompletionQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmarm_cqs",
			Help: "Live completion queues",
		},
	)

	// SharedReceiveQueues tracks live shared receive queues
	SharedReceiveQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmarm_srqs",
			Help: "Live shared receive queues",
		},
	)

	// QPClasses tracks the number of queue pair classes
	QPClasses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmarm_qp_classes",
			Help: "Number of queue pair classes",
		},
	)

	// QPAcquireTotal counts queue pair acquisitions by result
	QPAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmarm_qp_acquire_total",
			Help: "Total queue pair acquisitions by result",
		},
		[]string{"result"},
	)

	// QPReleaseTotal counts queue pairs returned to a free list
	QPReleaseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmarm_qp_release_total",
			Help: "Total queue pairs returned to a free list",
		},
	)

	// QPRetireTotal counts queue pairs destroyed instead of recycled
	QPRetireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmarm_qp_retire_total",
			Help: "Total queue pairs retired",
		},
	)

	// RegionBytes tracks registered memory by region
	RegionBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmarm_region_bytes",
			Help: "Registered memory in bytes by region",
		},
		[]string{"region"},
	)

	// StartupFailures counts fatal startup failures by error kind
	StartupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmarm_startup_failures_total",
			Help: "Total resource manager startup failures by error kind",
		},
		[]string{"kind"},
	)

	// TeardownDuration tracks how long draining all resources takes
	TeardownDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmarm_teardown_duration_seconds",
			Help:    "Duration of resource teardown",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		},
		[]string{"result"},
	)

	// NodeInfo provides node information
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmarm_node_info",
			Help: "Resource manager information",
		},
		[]string{"manager_id", "device", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init records the identity of the running manager
func Init(managerID, device string) {
	NodeInfo.Reset()
	NodeInfo.WithLabelValues(managerID, device, Version).Set(1)
}

// RecordRequest records an admin request with its method, route, status, and duration
func RecordRequest(method, route string, status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(method, route, statusCodeToString(status)).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetPoolStats publishes the occupancy of the queue pool
func SetPoolStats(live, inUse, free, cqs, srqs, classes int) {
	QueuePairs.WithLabelValues("in_use").Set(float64(inUse))
	QueuePairs.WithLabelValues("free").Set(float64(free))
	QueuePairs.WithLabelValues("live").Set(float64(live))
	CompletionQueues.Set(float64(cqs))
	SharedReceiveQueues.Set(float64(srqs))
	QPClasses.Set(float64(classes))
}

// RecordQPAcquire records a queue pair acquisition
func RecordQPAcquire(result string) {
	QPAcquireTotal.WithLabelValues(result).Inc()
}

// RecordQPRelease records a queue pair release
func RecordQPRelease() {
	QPReleaseTotal.Inc()
}

// RecordQPRetire records a queue pair retirement
func RecordQPRetire() {
	QPRetireTotal.Inc()
}

// SetRegionRegistered records the size of a registered region
func SetRegionRegistered(region string, bytes uint64) {
	RegionBytes.WithLabelValues(region).Set(float64(bytes))
}

// ClearRegion records that a region was deregistered
func ClearRegion(region string) {
	RegionBytes.WithLabelValues(region).Set(0)
}

// RecordStartupFailure records a fatal startup failure
func RecordStartupFailure(kind string) {
	StartupFailures.WithLabelValues(kind).Inc()
}

// RecordTeardown records a resource teardown and whether it completed cleanly
func RecordTeardown(duration time.Duration, err error) {
	result := "clean"
	if err != nil {
		result = "incomplete"
	}

	TeardownDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// statusCodeToString converts HTTP status code to a category string
func statusCodeToString(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
