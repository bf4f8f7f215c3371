package commands

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmarm/internal/config"
	"github.com/piwi3910/rdmarm/internal/rdma"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	t.Chdir(t.TempDir())

	cfg, err := config.Load("", config.Options{Backend: rdma.BackendSimulated})
	require.NoError(t, err)

	cfg.Memory.HugePages = false

	return cfg
}

func TestRunSelfTestPasses(t *testing.T) {
	cfg := testConfig(t)

	backend := rdma.NewSimulatedBackend()
	require.NoError(t, backend.Init())

	defer backend.Close()

	report := RunSelfTest(cfg, backend)

	assert.True(t, report.Passed, "%+v", report.Steps)
	assert.Equal(t, "mlx5_0", report.Device)
	require.Len(t, report.Steps, 7)

	for _, s := range report.Steps {
		assert.True(t, s.OK, s.Name)
	}

	assert.Equal(t, 0, backend.Counts().Total())
}

func TestRunSelfTestReportsOpenFailure(t *testing.T) {
	cfg := testConfig(t)

	backend := rdma.NewSimulatedBackend()
	require.NoError(t, backend.Init())

	defer backend.Close()

	backend.InjectFault(rdma.SimOpAllocPD, 1)

	report := RunSelfTest(cfg, backend)

	assert.False(t, report.Passed)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, "open", report.Steps[0].Name)
	assert.NotEmpty(t, report.Steps[0].Error)
}

func TestRunChurn(t *testing.T) {
	cfg := testConfig(t)

	backend := rdma.NewSimulatedBackend()
	require.NoError(t, backend.Init())

	defer backend.Close()

	m, err := rdma.Open(cfg.ManagerConfig(), backend)
	require.NoError(t, err)

	report, err := RunChurn(context.Background(), m, ChurnOptions{
		Workers:       4,
		Iterations:    200,
		Classes:       3,
		RetirePercent: 10,
		Hold:          3,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(800), report.Acquired)
	assert.Equal(t, report.Acquired, report.Released+report.Retired)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Pool.InUseQPs)
	assert.Equal(t, report.Pool.LiveQPs, report.Pool.FreeQPs)
	assert.LessOrEqual(t, report.Pool.Classes, 3)

	require.NoError(t, m.DrainAll())
	assert.Equal(t, 0, backend.Counts().Total())
}

func TestRunChurnRejectsBadOptions(t *testing.T) {
	_, err := RunChurn(context.Background(), nil, ChurnOptions{})
	assert.Error(t, err)
}

func TestConfigShowPrintsYAML(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := NewConfigCmd(&GlobalOptions{Device: "mlx5_1"})

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show"})
	require.NoError(t, cmd.Execute())

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, "mlx5_1", cfg.Device.Name)
	assert.Equal(t, rdma.BackendSimulated, cfg.Backend)
	assert.Equal(t, 9101, cfg.AdminPort)
}

func TestDevicesCmdEmptySysfs(t *testing.T) {
	cmd := NewDevicesCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--sysfs", t.TempDir()})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "No RDMA devices found")
}
