// Package shutdown provides graceful shutdown coordination for the rdmarm daemon.
//
// RDMA objects must be destroyed only after every data-plane user has stopped
// touching them, so the coordinator runs a fixed phased sequence:
//
//  1. Draining - Wait for in-flight data-plane users to quiesce
//  2. HTTP Servers - Shutdown the admin servers concurrently
//  3. Resources - Drain the resource manager and close the verbs backend
//
// Each phase runs its registered hooks first. Progress is exported as metrics
// and every phase is bounded by a timeout.
package shutdown

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseResources      Phase = "resources"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for data-plane users to quiesce.
	// Default: 10 seconds
	DrainTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 5 seconds
	HTTPTimeout time.Duration

	// ResourceTimeout is the time allowed for RDMA resource teardown.
	// Default: 10 seconds
	ResourceTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:    30 * time.Second,
		DrainTimeout:    10 * time.Second,
		HTTPTimeout:     5 * time.Second,
		ResourceTimeout: 10 * time.Second,
		ForceTimeout:    5 * time.Second,
	}
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// Coordinator manages graceful shutdown of all daemon components.
type Coordinator struct {
	started  time.Time
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	phase    Phase
	errors   []error
	config   Config
	mu       sync.RWMutex
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown initiates graceful shutdown of all components. Only the first
// call runs the sequence; later calls return immediately.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.executeDrainPhase(shutdownCtx, components)
	c.executeHTTPServersPhase(shutdownCtx, components)
	c.executeResourcesPhase(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// InFlightTracker tracks data-plane users that must quiesce first
	InFlightTracker InFlightTracker

	// Resources is the RDMA resource manager
	Resources ResourceDrainer

	// Backend is the verbs backend, closed after Resources is drained
	Backend io.Closer

	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// ResourceDrainer tears down every hardware object it owns.
type ResourceDrainer interface {
	DrainAll() error
}

// InFlightTracker tracks in-flight data-plane users.
type InFlightTracker interface {
	// InFlightCount returns the number of in-flight users
	InFlightCount() int64
	// WaitForDrain waits for all in-flight users to finish
	WaitForDrain(ctx context.Context) error
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	if components.InFlightTracker == nil {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	inFlight := components.InFlightTracker.InFlightCount()
	SetInFlightRequests(inFlight)

	if inFlight > 0 {
		log.Info().Int64("in_flight", inFlight).Msg("Waiting for data-plane users to quiesce")

		if err := components.InFlightTracker.WaitForDrain(drainCtx); err != nil {
			log.Warn().
				Err(err).
				Int64("remaining", components.InFlightTracker.InFlightCount()).
				Msg("Drain timeout, proceeding with shutdown")
			c.addError(err)
		}
	}

	SetInFlightRequests(0)
}

func (c *Coordinator) executeHTTPServersPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseHTTPServers)
	c.runHooks(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

// executeResourcesPhase drains the manager and then closes the backend. The
// backend is left open if the drain did not finish, since closing a device
// with objects still attached is refused by the driver anyway.
func (c *Coordinator) executeResourcesPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseResources)
	c.runHooks(ctx, PhaseResources)

	resCtx, cancel := context.WithTimeout(ctx, c.config.ResourceTimeout)
	defer cancel()

	if components.Resources != nil {
		if !c.runWithTimeout(resCtx, "resource_manager", components.Resources.DrainAll) {
			return
		}

		IncrementResourcesDrained()
	}

	if components.Backend != nil {
		c.runWithTimeout(resCtx, "verbs_backend", components.Backend.Close)
	}
}

// runWithTimeout runs fn and reports whether it returned before ctx expired.
// A returned error is recorded but still counts as finished.
func (c *Coordinator) runWithTimeout(ctx context.Context, name string, fn func() error) bool {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error closing component")
			c.addError(err)
		} else {
			log.Info().Str("component", name).Msg("Component closed")
		}

		return true
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout closing component")
		c.addError(ctx.Err())

		return false
	}
}
