package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for shutdown monitoring.
var (
	shutdownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmarm_shutdown_duration_seconds",
		Help: "Total duration of the shutdown process in seconds",
	})

	shutdownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rdmarm_shutdown_phase",
		Help: "Current shutdown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	inFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmarm_shutdown_in_flight",
		Help: "Number of in-flight data-plane users during shutdown",
	})

	resourcesDrained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmarm_shutdown_resources_drained_total",
		Help: "Total number of resource managers drained during shutdown",
	})

	shutdownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmarm_shutdown_errors_total",
		Help: "Total number of errors during shutdown",
	})

	shutdownStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmarm_shutdown_start_timestamp_seconds",
		Help: "Unix timestamp when shutdown started",
	})
)

var allPhases = []Phase{
	PhaseNone,
	PhaseDraining,
	PhaseHTTPServers,
	PhaseResources,
	PhaseComplete,
	PhaseForcedShutdown,
}

// SetShutdownDuration sets the shutdown duration metric.
func SetShutdownDuration(d time.Duration) {
	shutdownDuration.Set(d.Seconds())
}

// SetShutdownPhase marks phase as the only active phase.
func SetShutdownPhase(phase Phase) {
	for _, p := range allPhases {
		shutdownPhase.WithLabelValues(string(p)).Set(0)
	}

	shutdownPhase.WithLabelValues(string(phase)).Set(1)
}

// SetInFlightRequests sets the in-flight users metric.
func SetInFlightRequests(count int64) {
	inFlightRequests.Set(float64(count))
}

// IncrementResourcesDrained increments the drained resource managers counter.
func IncrementResourcesDrained() {
	resourcesDrained.Inc()
}

// IncrementShutdownErrors increments the shutdown errors counter.
func IncrementShutdownErrors() {
	shutdownErrors.Inc()
}

// SetShutdownStartTime sets the shutdown start timestamp.
func SetShutdownStartTime(t time.Time) {
	shutdownStartTime.Set(float64(t.Unix()))
}
