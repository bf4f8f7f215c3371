package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/piwi3910/rdmarm/internal/rdma"
)

func validConfig() Config {
	return Config{
		Backend:   rdma.BackendSimulated,
		LogLevel:  "info",
		AdminPort: 9101,
		Device:    DeviceConfig{Port: 1, RequireVendorExtension: true},
		Memory:    MemoryConfig{MainSize: 4096, HugePages: true},
		Pool: PoolConfig{
			QPType:        "rc",
			MaxClasses:    100,
			CQEntries:     256,
			MaxSendWR:     256,
			MaxRecvWR:     256,
			MaxSendSGE:    1,
			MaxRecvSGE:    1,
			MaxInlineData: 64,
		},
		SRQ:       SRQConfig{Enabled: true, MaxWR: 16, MaxSGE: 1},
		Directory: DirectoryConfig{MaxNodes: 128, MaxQPsPerNode: 16},
		Shutdown:  ShutdownConfig{TotalTimeout: 30 * time.Second},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "hardware backend is valid",
			mutate:  func(c *Config) { c.Backend = rdma.BackendHardware },
			wantErr: false,
		},
		{
			name:    "unknown backend is invalid",
			mutate:  func(c *Config) { c.Backend = "dpdk" },
			wantErr: true,
			errMsg:  "invalid backend \"dpdk\"",
		},
		{
			name:    "unknown log level is invalid",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name:    "port zero is invalid",
			mutate:  func(c *Config) { c.Device.Port = 0 },
			wantErr: true,
			errMsg:  "invalid device.port 0",
		},
		{
			name:    "port above 255 is invalid",
			mutate:  func(c *Config) { c.Device.Port = 256 },
			wantErr: true,
			errMsg:  "invalid device.port 256",
		},
		{
			name:    "negative main size is invalid",
			mutate:  func(c *Config) { c.Memory.MainSize = -1 },
			wantErr: true,
			errMsg:  "memory.main_size must not be negative",
		},
		{
			name:    "zero main size disables the region",
			mutate:  func(c *Config) { c.Memory.MainSize = 0 },
			wantErr: false,
		},
		{
			name:    "zero cq entries is invalid",
			mutate:  func(c *Config) { c.Pool.CQEntries = 0 },
			wantErr: true,
			errMsg:  "pool.cq_entries must be positive",
		},
		{
			name:    "zero max classes is invalid",
			mutate:  func(c *Config) { c.Pool.MaxClasses = 0 },
			wantErr: true,
			errMsg:  "pool.max_classes must be positive",
		},
		{
			name:    "unknown qp type is invalid",
			mutate:  func(c *Config) { c.Pool.QPType = "xrc" },
			wantErr: true,
			errMsg:  "invalid pool.qp_type",
		},
		{
			name:    "zero srq capacity is invalid when enabled",
			mutate:  func(c *Config) { c.SRQ.MaxWR = 0 },
			wantErr: true,
			errMsg:  "srq.max_wr must be positive",
		},
		{
			name: "zero srq capacity is ignored when disabled",
			mutate: func(c *Config) {
				c.SRQ.Enabled = false
				c.SRQ.MaxWR = 0
			},
			wantErr: false,
		},
		{
			name:    "zero directory size is invalid",
			mutate:  func(c *Config) { c.Directory.MaxNodes = 0 },
			wantErr: true,
			errMsg:  "directory.max_nodes must be positive",
		},
		{
			name:    "negative inline data is invalid",
			mutate:  func(c *Config) { c.Pool.MaxInlineData = -1 },
			wantErr: true,
			errMsg:  "pool.max_inline_data must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("validate() expected error containing %q, got nil", tt.errMsg)
					return
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("validate() error = %q, want containing %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("validate() unexpected error: %v", err)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("", Options{})
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.Backend != rdma.BackendSimulated {
		t.Errorf("Backend = %q, want %q", cfg.Backend, rdma.BackendSimulated)
	}
	if cfg.Memory.MainSize != 4096 {
		t.Errorf("Memory.MainSize = %d, want 4096", cfg.Memory.MainSize)
	}
	if !cfg.Memory.HugePages {
		t.Error("Memory.HugePages = false, want true")
	}
	if cfg.Pool.MaxClasses != 100 {
		t.Errorf("Pool.MaxClasses = %d, want 100", cfg.Pool.MaxClasses)
	}
	if cfg.SRQ.MaxWR != 16 {
		t.Errorf("SRQ.MaxWR = %d, want 16", cfg.SRQ.MaxWR)
	}
	if cfg.Directory.MaxNodes != 128 {
		t.Errorf("Directory.MaxNodes = %d, want 128", cfg.Directory.MaxNodes)
	}
	if cfg.Shutdown.TotalTimeout != 30*time.Second {
		t.Errorf("Shutdown.TotalTimeout = %s, want 30s", cfg.Shutdown.TotalTimeout)
	}
}

func TestLoad_FileEnvAndOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rdmarm.yaml")

	content := `
backend: simulated
admin_port: 9200
device:
  name: mlx5_1
  port: 1
memory:
  main_size: 8192
  huge_pages: false
pool:
  max_inline_data: 128
srq:
  max_wr: 64
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RDMARM_POOL_CQ_ENTRIES", "512")

	cfg, err := Load(path, Options{AdminPort: 9300})
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.Device.Name != "mlx5_1" {
		t.Errorf("Device.Name = %q, want mlx5_1", cfg.Device.Name)
	}
	if cfg.Memory.MainSize != 8192 || cfg.Memory.HugePages {
		t.Errorf("Memory = %+v, want 8192 bytes without huge pages", cfg.Memory)
	}
	if cfg.Pool.MaxInlineData != 128 {
		t.Errorf("Pool.MaxInlineData = %d, want 128", cfg.Pool.MaxInlineData)
	}
	if cfg.Pool.CQEntries != 512 {
		t.Errorf("Pool.CQEntries = %d, want 512 from environment", cfg.Pool.CQEntries)
	}
	if cfg.SRQ.MaxWR != 64 {
		t.Errorf("SRQ.MaxWR = %d, want 64", cfg.SRQ.MaxWR)
	}
	if cfg.AdminPort != 9300 {
		t.Errorf("AdminPort = %d, want 9300 from options", cfg.AdminPort)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidBackendOption(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("", Options{Backend: "dpdk"})
	if err == nil || !strings.Contains(err.Error(), "invalid backend") {
		t.Fatalf("Load() error = %v, want invalid backend", err)
	}
}

func TestConfig_ManagerConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Device.Name = "mlx5_0"
	cfg.Memory.DeviceMemorySize = 4096
	cfg.Pool.QPType = "ud"

	mc := cfg.ManagerConfig()

	if mc.DeviceName != "mlx5_0" || mc.Port != 1 {
		t.Errorf("device = %q port %d, want mlx5_0 port 1", mc.DeviceName, mc.Port)
	}
	if mc.Pool.Type != rdma.QPTypeUD {
		t.Errorf("Pool.Type = %v, want UD", mc.Pool.Type)
	}
	if mc.Pool.Cap.MaxInlineData != 64 || mc.Pool.Cap.MaxSendWR != 256 {
		t.Errorf("Pool.Cap = %+v", mc.Pool.Cap)
	}
	if !mc.SRQ.Enabled || mc.SRQ.MaxWR != 16 {
		t.Errorf("SRQ = %+v", mc.SRQ)
	}
	if mc.DeviceMemorySize != 4096 || mc.MainMemorySize != 4096 {
		t.Errorf("memory sizes = %d/%d", mc.MainMemorySize, mc.DeviceMemorySize)
	}
	if mc.MaxNodes != 128 || mc.MaxQPsPerNode != 16 {
		t.Errorf("directory = %d/%d", mc.MaxNodes, mc.MaxQPsPerNode)
	}
}
