package shutdown_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmarm/internal/rdma"
	"github.com/piwi3910/rdmarm/internal/shutdown"
)

func fastConfig() shutdown.Config {
	return shutdown.Config{
		TotalTimeout:    100 * time.Millisecond,
		DrainTimeout:    10 * time.Millisecond,
		HTTPTimeout:     10 * time.Millisecond,
		ResourceTimeout: 20 * time.Millisecond,
		ForceTimeout:    50 * time.Millisecond,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := shutdown.DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.TotalTimeout)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10*time.Second, cfg.ResourceTimeout)
	assert.Equal(t, 5*time.Second, cfg.ForceTimeout)
}

func TestNewCoordinator(t *testing.T) {
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())

	require.NotNil(t, coord)
	assert.Equal(t, shutdown.PhaseNone, coord.Phase())
	assert.False(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorPhaseTransitions(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	err := coord.Shutdown(context.Background(), shutdown.ShutdownComponents{})

	require.NoError(t, err)
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
	assert.True(t, coord.IsShuttingDown())
}

func TestCoordinatorShutdownOnlyOnce(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())
	res := &mockResources{}
	components := shutdown.ShutdownComponents{Resources: res}

	require.NoError(t, coord.Shutdown(context.Background(), components))
	require.NoError(t, coord.Shutdown(context.Background(), components))

	assert.Equal(t, int32(1), res.calls.Load())
}

func TestCoordinatorDoneChannel(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = coord.Shutdown(context.Background(), shutdown.ShutdownComponents{})
	}()

	select {
	case <-coord.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Done channel was not closed")
	}
}

func TestCoordinatorPhaseOrder(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	var (
		mu    sync.Mutex
		order []shutdown.Phase
	)

	for _, phase := range []shutdown.Phase{shutdown.PhaseResources, shutdown.PhaseHTTPServers, shutdown.PhaseDraining} {
		coord.RegisterHook(phase, func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()

			order = append(order, phase)

			return nil
		})
	}

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{}))

	assert.Equal(t, []shutdown.Phase{
		shutdown.PhaseDraining,
		shutdown.PhaseHTTPServers,
		shutdown.PhaseResources,
	}, order)
}

func TestCoordinatorWithHTTPServers(t *testing.T) {
	cfg := fastConfig()
	cfg.HTTPTimeout = 50 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	server1 := &mockHTTPServer{name: "admin"}
	server2 := &mockHTTPServer{name: "metrics"}

	err := coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		HTTPServers: []shutdown.HTTPServerShutdown{server1, server2},
	})

	require.NoError(t, err)
	assert.True(t, server1.shutdownCalled.Load())
	assert.True(t, server2.shutdownCalled.Load())
}

func TestCoordinatorWithHTTPServerError(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	expectedErr := errors.New("shutdown error")
	server := &mockHTTPServer{name: "failing-server", err: expectedErr}

	err := coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		HTTPServers: []shutdown.HTTPServerShutdown{server},
	})

	require.NoError(t, err)
	assert.True(t, server.shutdownCalled.Load())
	require.Len(t, coord.Errors(), 1)
	assert.Equal(t, expectedErr, coord.Errors()[0])
}

func TestCoordinatorConcurrentHTTPServerShutdown(t *testing.T) {
	cfg := fastConfig()
	cfg.TotalTimeout = 500 * time.Millisecond
	cfg.HTTPTimeout = 200 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	servers := []*mockHTTPServer{
		{name: "server1", delay: 50 * time.Millisecond},
		{name: "server2", delay: 50 * time.Millisecond},
		{name: "server3", delay: 50 * time.Millisecond},
	}

	components := shutdown.ShutdownComponents{}
	for _, s := range servers {
		components.HTTPServers = append(components.HTTPServers, s)
	}

	start := time.Now()
	require.NoError(t, coord.Shutdown(context.Background(), components))
	elapsed := time.Since(start)

	for _, s := range servers {
		assert.True(t, s.shutdownCalled.Load(), s.name)
	}

	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestCoordinatorWithInFlightTracker(t *testing.T) {
	cfg := fastConfig()
	cfg.TotalTimeout = 200 * time.Millisecond
	cfg.DrainTimeout = 50 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	tracker := &mockInFlightTracker{count: 5}

	err := coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		InFlightTracker: tracker,
	})

	require.NoError(t, err)
	assert.True(t, tracker.waitCalled)
}

func TestCoordinatorRegisterHook(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	hookCalled := false
	coord.RegisterHook(shutdown.PhaseDraining, func(ctx context.Context) error {
		hookCalled = true

		return nil
	})

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{}))
	assert.True(t, hookCalled)
}

func TestCoordinatorHookError(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	expectedErr := errors.New("hook error")
	coord.RegisterHook(shutdown.PhaseDraining, func(ctx context.Context) error {
		return expectedErr
	})

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{}))
	require.Len(t, coord.Errors(), 1)
	assert.Equal(t, expectedErr, coord.Errors()[0])
}

func TestCoordinatorResourcesBeforeBackend(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	var seq []string

	res := &mockResources{onDrain: func() { seq = append(seq, "drain") }}
	backend := &mockCloser{onClose: func() { seq = append(seq, "close") }}

	err := coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		Resources: res,
		Backend:   backend,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"drain", "close"}, seq)
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorResourceDrainError(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	drainErr := errors.New("pd still has children")
	backend := &mockCloser{}

	err := coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		Resources: &mockResources{err: drainErr},
		Backend:   backend,
	})

	require.NoError(t, err)
	require.Len(t, coord.Errors(), 1)
	assert.ErrorIs(t, coord.Errors()[0], drainErr)
	assert.True(t, backend.closeCalled.Load())
}

func TestCoordinatorTimeoutOnSlowDrain(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	backend := &mockCloser{}

	err := coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		Resources: &mockResources{delay: 100 * time.Millisecond},
		Backend:   backend,
	})

	require.NoError(t, err)
	require.Len(t, coord.Errors(), 1)
	assert.ErrorIs(t, coord.Errors()[0], context.DeadlineExceeded)
	assert.False(t, backend.closeCalled.Load(), "backend must stay open while the drain is unfinished")
}

func TestCoordinatorDrainsManager(t *testing.T) {
	backend := rdma.NewSimulatedBackend()
	require.NoError(t, backend.Init())

	cfg := rdma.DefaultConfig()
	cfg.HugePages = false

	m, err := rdma.Open(cfg, backend)
	require.NoError(t, err)

	qp, err := m.Acquire(7)
	require.NoError(t, err)
	require.NoError(t, m.Pool().Release(qp))

	_, err = m.Acquire(8)
	require.NoError(t, err)

	var liveAtClose int

	closer := &mockCloser{onClose: func() {
		liveAtClose = backend.Counts().Total()
		_ = backend.Close()
	}}

	coord := shutdown.NewCoordinator(fastConfig())
	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		Resources: m,
		Backend:   closer,
	}))

	assert.Empty(t, coord.Errors())
	assert.Equal(t, 0, liveAtClose)
	assert.False(t, m.Ready())
}

func TestCoordinatorWaitsForManagerQuiesce(t *testing.T) {
	backend := rdma.NewSimulatedBackend()
	require.NoError(t, backend.Init())

	defer backend.Close()

	cfg := rdma.DefaultConfig()
	cfg.HugePages = false

	m, err := rdma.Open(cfg, backend)
	require.NoError(t, err)

	qp, err := m.Acquire(3)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		assert.NoError(t, m.Pool().Release(qp))
	}()

	var inFlightAfterDrain int64 = -1

	coord := shutdown.NewCoordinator(shutdown.Config{
		TotalTimeout:    2 * time.Second,
		DrainTimeout:    time.Second,
		HTTPTimeout:     100 * time.Millisecond,
		ResourceTimeout: 500 * time.Millisecond,
		ForceTimeout:    100 * time.Millisecond,
	})
	coord.RegisterHook(shutdown.PhaseHTTPServers, func(_ context.Context) error {
		inFlightAfterDrain = m.InFlightCount()
		return nil
	})

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		InFlightTracker: m,
		Resources:       m,
	}))

	assert.Empty(t, coord.Errors())
	assert.Equal(t, int64(0), inFlightAfterDrain)
	assert.Equal(t, 0, backend.Counts().Total())
}

func TestCoordinatorQuiesceTimeoutStillDrains(t *testing.T) {
	backend := rdma.NewSimulatedBackend()
	require.NoError(t, backend.Init())

	defer backend.Close()

	cfg := rdma.DefaultConfig()
	cfg.HugePages = false

	m, err := rdma.Open(cfg, backend)
	require.NoError(t, err)

	_, err = m.Acquire(3)
	require.NoError(t, err)

	coord := shutdown.NewCoordinator(fastConfig())
	_ = coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		InFlightTracker: m,
		Resources:       m,
	})

	require.NotEmpty(t, coord.Errors(), "held queue pair reported")
	assert.ErrorIs(t, coord.Errors()[0], context.DeadlineExceeded)
	assert.Equal(t, 0, backend.Counts().Total(), "resources drained after the timeout")
}

type mockHTTPServer struct {
	err            error
	name           string
	delay          time.Duration
	shutdownCalled atomic.Bool
}

func (m *mockHTTPServer) Name() string {
	return m.name
}

func (m *mockHTTPServer) Shutdown(_ context.Context) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.shutdownCalled.Store(true)

	return m.err
}

type mockResources struct {
	err     error
	onDrain func()
	delay   time.Duration
	calls   atomic.Int32
}

func (m *mockResources) DrainAll() error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.calls.Add(1)

	if m.onDrain != nil {
		m.onDrain()
	}

	return m.err
}

type mockCloser struct {
	err         error
	onClose     func()
	closeCalled atomic.Bool
}

func (m *mockCloser) Close() error {
	m.closeCalled.Store(true)

	if m.onClose != nil {
		m.onClose()
	}

	return m.err
}

type mockInFlightTracker struct {
	count      int64
	waitCalled bool
}

func (m *mockInFlightTracker) InFlightCount() int64 {
	return atomic.LoadInt64(&m.count)
}

func (m *mockInFlightTracker) WaitForDrain(_ context.Context) error {
	m.waitCalled = true
	atomic.StoreInt64(&m.count, 0)

	return nil
}
