package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmarm/internal/rdma"
)

type mockSource struct {
	status rdma.Status
	ready  bool
	calls  int
}

func (m *mockSource) Ready() bool { return m.ready }

func (m *mockSource) Status() rdma.Status {
	m.calls++

	return m.status
}

type mockShutdown struct {
	shuttingDown bool
}

func (m *mockShutdown) IsShuttingDown() bool { return m.shuttingDown }

func healthyStatus() rdma.Status {
	return rdma.Status{
		Regions: map[string]rdma.RegionDescriptor{
			"main_memory": {Addr: 0x1000, Length: 4096, LKey: 1, RKey: 2, Access: rdma.AccessFull, Valid: true},
		},
		Device:    "mlx5_0",
		PortState: "ACTIVE",
		AtomicCap: "hca",
		Port:      1,
		LID:       1,
		Pool:      rdma.PoolStats{LiveQPs: 2, InUseQPs: 1, FreeQPs: 1, CQs: 2, Classes: 1},
	}
}

func TestNewChecker(t *testing.T) {
	checker := NewChecker(&mockSource{}, nil)

	require.NotNil(t, checker)
	assert.Equal(t, 2*time.Second, checker.cacheTTL)
}

func TestCheckHealthy(t *testing.T) {
	checker := NewChecker(&mockSource{status: healthyStatus(), ready: true}, nil)

	status := checker.Check(context.Background())

	assert.Equal(t, StatusHealthy, status.Status)
	assert.Len(t, status.Checks, 3)
	assert.Equal(t, "mlx5_0 port 1 ACTIVE", status.Checks["device"].Message)
}

func TestCheckDegraded(t *testing.T) {
	s := healthyStatus()
	s.PortState = "DOWN"

	checker := NewChecker(&mockSource{status: s, ready: true}, nil)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Checks["device"].Status)
}

func TestCheckUnhealthyWithoutSource(t *testing.T) {
	checker := NewChecker(nil, nil)

	status := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks, "manager")
}

func TestCheckDevice(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*rdma.Status)
		want   Status
	}{
		{"healthy", func(*rdma.Status) {}, StatusHealthy},
		{"drained", func(s *rdma.Status) { s.Drained = true }, StatusUnhealthy},
		{"no device", func(s *rdma.Status) { s.Device = "" }, StatusUnhealthy},
		{"no atomics", func(s *rdma.Status) { s.AtomicCap = "none" }, StatusUnhealthy},
		{"port init", func(s *rdma.Status) { s.PortState = "INIT" }, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := healthyStatus()
			tt.mutate(&s)
			assert.Equal(t, tt.want, CheckDevice(s).Status)
		})
	}
}

func TestCheckMemory(t *testing.T) {
	s := healthyStatus()
	assert.Equal(t, StatusHealthy, CheckMemory(s).Status)

	delete(s.Regions, "main_memory")
	check := CheckMemory(s)
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "main memory not registered", check.Message)
}

func TestCheckPool(t *testing.T) {
	s := healthyStatus()
	assert.Equal(t, StatusHealthy, CheckPool(s).Status)

	s.Pool = rdma.PoolStats{}
	assert.Equal(t, StatusHealthy, CheckPool(s).Status, "an empty pool is healthy")

	s.Pool = rdma.PoolStats{LiveQPs: 3, InUseQPs: 3}
	assert.Equal(t, StatusDegraded, CheckPool(s).Status)

	s.Pool.Drained = true
	assert.Equal(t, StatusUnhealthy, CheckPool(s).Status)
}

func TestIsReady(t *testing.T) {
	tests := []struct {
		source   ResourceSource
		shutdown ShutdownState
		name     string
		want     bool
	}{
		{name: "ready", source: &mockSource{ready: true}, want: true},
		{name: "not ready", source: &mockSource{ready: false}, want: false},
		{name: "no source", source: nil, want: false},
		{name: "shutting down", source: &mockSource{ready: true}, shutdown: &mockShutdown{shuttingDown: true}, want: false},
		{name: "running", source: &mockSource{ready: true}, shutdown: &mockShutdown{}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(tt.source, tt.shutdown)
			assert.Equal(t, tt.want, checker.IsReady(context.Background()))
		})
	}
}

func TestIsLive(t *testing.T) {
	assert.True(t, NewChecker(nil, nil).IsLive(context.Background()))
}

func TestDetermineOverallStatus(t *testing.T) {
	tests := []struct {
		checks map[string]Check
		name   string
		want   Status
	}{
		{
			name:   "all healthy",
			checks: map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusHealthy}},
			want:   StatusHealthy,
		},
		{
			name:   "one degraded",
			checks: map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusDegraded}},
			want:   StatusDegraded,
		},
		{
			name:   "unhealthy wins",
			checks: map[string]Check{"a": {Status: StatusDegraded}, "b": {Status: StatusUnhealthy}},
			want:   StatusUnhealthy,
		},
		{
			name:   "empty",
			checks: map[string]Check{},
			want:   StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineOverallStatus(tt.checks))
		})
	}
}

func TestCaching(t *testing.T) {
	source := &mockSource{status: healthyStatus(), ready: true}
	checker := NewChecker(source, nil)
	checker.SetCacheTTL(time.Hour)

	first := checker.Check(context.Background())
	second := checker.Check(context.Background())

	assert.Same(t, first, second)
	assert.Equal(t, 1, source.calls)

	checker.SetCacheTTL(0)
	checker.Check(context.Background())
	assert.Equal(t, 2, source.calls)
}

func TestLivenessHandler(t *testing.T) {
	handler := NewHandler(NewChecker(nil, nil))

	rec := httptest.NewRecorder()
	handler.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	source := &mockSource{ready: true}
	handler := NewHandler(NewChecker(source, nil))

	rec := httptest.NewRecorder()
	handler.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	source.ready = false

	rec = httptest.NewRecorder()
	handler.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not ready"}`, rec.Body.String())
}

func TestDetailedHandler(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*rdma.Status)
		wantCode int
		want     Status
	}{
		{"healthy", func(*rdma.Status) {}, http.StatusOK, StatusHealthy},
		{"degraded", func(s *rdma.Status) { s.PortState = "ARMED" }, http.StatusOK, StatusDegraded},
		{"unhealthy", func(s *rdma.Status) { s.Drained = true }, http.StatusServiceUnavailable, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := healthyStatus()
			tt.mutate(&s)

			handler := NewHandler(NewChecker(&mockSource{status: s}, nil))

			rec := httptest.NewRecorder()
			handler.DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Status)
		})
	}
}

func TestCheckerAgainstManager(t *testing.T) {
	backend := rdma.NewSimulatedBackend()
	require.NoError(t, backend.Init())

	t.Cleanup(func() { _ = backend.Close() })

	cfg := rdma.DefaultConfig()
	cfg.HugePages = false

	m, err := rdma.Open(cfg, backend)
	require.NoError(t, err)

	checker := NewChecker(m, nil)
	checker.SetCacheTTL(0)

	assert.True(t, checker.IsReady(context.Background()))
	assert.NotEqual(t, StatusUnhealthy, checker.Check(context.Background()).Status)

	require.NoError(t, m.DrainAll())

	assert.False(t, checker.IsReady(context.Background()))
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}
