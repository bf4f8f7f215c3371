// Package config provides configuration management for rdmarm.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMARM_* prefix)
//  3. Configuration file (rdmarm.yaml)
//  4. Default values (lowest priority)
//
// The package uses Viper for configuration binding, supporting:
//   - YAML configuration files
//   - Environment variable overrides
//   - Type-safe configuration structs
//   - Validation and defaults
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmarm/rdmarm.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/rdmarm/internal/rdma"
)

// Config holds all configuration for rdmarm
type Config struct {
	// Verbs backend: "simulated" or "hardware"
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Logging level
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Admin/metrics HTTP port
	AdminPort int `mapstructure:"admin_port" yaml:"admin_port"`

	// Device selection
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Registered memory
	Memory MemoryConfig `mapstructure:"memory" yaml:"memory"`

	// Queue pair pool
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Shared receive queue
	SRQ SRQConfig `mapstructure:"srq" yaml:"srq"`

	// Remote node directory
	Directory DirectoryConfig `mapstructure:"directory" yaml:"directory"`

	// Graceful shutdown
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`
}

// DeviceConfig selects the RDMA device and port
type DeviceConfig struct {
	// Name of the device; empty selects the first device with the vendor extension
	Name string `mapstructure:"name" yaml:"name"`

	// Port number to query (1-based)
	Port int `mapstructure:"port" yaml:"port"`

	// RequireVendorExtension rejects devices without the vendor verbs extension
	RequireVendorExtension bool `mapstructure:"require_vendor_extension" yaml:"require_vendor_extension"`
}

// MemoryConfig configures the memory regions registered at startup
type MemoryConfig struct {
	// MainSize is the size of the main memory region in bytes (0 disables it)
	MainSize int `mapstructure:"main_size" yaml:"main_size"`

	// HugePages backs the main region with 2 MiB pages
	HugePages bool `mapstructure:"huge_pages" yaml:"huge_pages"`

	// DeviceMemorySize is the amount of on-NIC memory to register (0 disables it)
	DeviceMemorySize int `mapstructure:"device_memory_size" yaml:"device_memory_size"`
}

// PoolConfig configures queue pairs created by the pool
type PoolConfig struct {
	QPType        string `mapstructure:"qp_type" yaml:"qp_type"`
	MaxClasses    int    `mapstructure:"max_classes" yaml:"max_classes"`
	CQEntries     int    `mapstructure:"cq_entries" yaml:"cq_entries"`
	MaxSendWR     int    `mapstructure:"max_send_wr" yaml:"max_send_wr"`
	MaxRecvWR     int    `mapstructure:"max_recv_wr" yaml:"max_recv_wr"`
	MaxSendSGE    int    `mapstructure:"max_send_sge" yaml:"max_send_sge"`
	MaxRecvSGE    int    `mapstructure:"max_recv_sge" yaml:"max_recv_sge"`
	MaxInlineData int    `mapstructure:"max_inline_data" yaml:"max_inline_data"`
}

// SRQConfig configures the shared receive queue created at startup
type SRQConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	MaxWR   int  `mapstructure:"max_wr" yaml:"max_wr"`
	MaxSGE  int  `mapstructure:"max_sge" yaml:"max_sge"`
}

// DirectoryConfig bounds the remote node directory
type DirectoryConfig struct {
	MaxNodes      int `mapstructure:"max_nodes" yaml:"max_nodes"`
	MaxQPsPerNode int `mapstructure:"max_qps_per_node" yaml:"max_qps_per_node"`
}

// ShutdownConfig configures graceful shutdown behavior
type ShutdownConfig struct {
	// TotalTimeout is the maximum time for the entire shutdown process
	TotalTimeout time.Duration `mapstructure:"total_timeout" yaml:"total_timeout"`

	// DrainTimeout is the time to wait for data-plane users to quiesce
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`

	// HTTPTimeout is the time to wait for the admin server to stop
	HTTPTimeout time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`

	// ResourceTimeout is the time allowed for RDMA resource teardown
	ResourceTimeout time.Duration `mapstructure:"resource_timeout" yaml:"resource_timeout"`
}

// Options are command line overrides
type Options struct {
	Backend   string
	Device    string
	AdminPort int
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmarm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmarm")
		v.AddConfigPath("$HOME/.rdmarm")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RDMARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.Backend != "" {
		v.Set("backend", opts.Backend)
	}
	if opts.Device != "" {
		v.Set("device.name", opts.Device)
	}
	if opts.AdminPort != 0 {
		v.Set("admin_port", opts.AdminPort)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", rdma.BackendSimulated)
	v.SetDefault("log_level", "info")
	v.SetDefault("admin_port", 9101)

	// Device defaults
	v.SetDefault("device.name", "")
	v.SetDefault("device.port", 1)
	v.SetDefault("device.require_vendor_extension", true)

	// Memory defaults
	v.SetDefault("memory.main_size", 4096)
	v.SetDefault("memory.huge_pages", true)
	v.SetDefault("memory.device_memory_size", 0)

	// Pool defaults
	v.SetDefault("pool.qp_type", "rc")
	v.SetDefault("pool.max_classes", 100)
	v.SetDefault("pool.cq_entries", 256)
	v.SetDefault("pool.max_send_wr", 256)
	v.SetDefault("pool.max_recv_wr", 256)
	v.SetDefault("pool.max_send_sge", 1)
	v.SetDefault("pool.max_recv_sge", 1)
	v.SetDefault("pool.max_inline_data", 64)

	// SRQ defaults
	v.SetDefault("srq.enabled", true)
	v.SetDefault("srq.max_wr", 16)
	v.SetDefault("srq.max_sge", 1)

	// Directory defaults
	v.SetDefault("directory.max_nodes", 128)
	v.SetDefault("directory.max_qps_per_node", 16)

	// Shutdown defaults
	v.SetDefault("shutdown.total_timeout", 30*time.Second)
	v.SetDefault("shutdown.drain_timeout", 10*time.Second)
	v.SetDefault("shutdown.http_timeout", 5*time.Second)
	v.SetDefault("shutdown.resource_timeout", 10*time.Second)
}

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func (c *Config) validate() error {
	switch c.Backend {
	case rdma.BackendSimulated, rdma.BackendHardware:
	default:
		return fmt.Errorf("invalid backend %q: must be %q or %q", c.Backend, rdma.BackendSimulated, rdma.BackendHardware)
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin_port %d", c.AdminPort)
	}

	if c.Device.Port < 1 || c.Device.Port > 255 {
		return fmt.Errorf("invalid device.port %d: must be between 1 and 255", c.Device.Port)
	}

	if c.Memory.MainSize < 0 {
		return fmt.Errorf("memory.main_size must not be negative, got %d", c.Memory.MainSize)
	}

	if c.Memory.DeviceMemorySize < 0 {
		return fmt.Errorf("memory.device_memory_size must not be negative, got %d", c.Memory.DeviceMemorySize)
	}

	if _, err := parseQPType(c.Pool.QPType); err != nil {
		return err
	}

	positive := []struct {
		name  string
		value int
	}{
		{"pool.max_classes", c.Pool.MaxClasses},
		{"pool.cq_entries", c.Pool.CQEntries},
		{"pool.max_send_wr", c.Pool.MaxSendWR},
		{"pool.max_recv_wr", c.Pool.MaxRecvWR},
		{"pool.max_send_sge", c.Pool.MaxSendSGE},
		{"pool.max_recv_sge", c.Pool.MaxRecvSGE},
		{"directory.max_nodes", c.Directory.MaxNodes},
		{"directory.max_qps_per_node", c.Directory.MaxQPsPerNode},
	}

	if c.SRQ.Enabled {
		positive = append(positive,
			struct {
				name  string
				value int
			}{"srq.max_wr", c.SRQ.MaxWR},
			struct {
				name  string
				value int
			}{"srq.max_sge", c.SRQ.MaxSGE},
		)
	}

	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.Pool.MaxInlineData < 0 {
		return fmt.Errorf("pool.max_inline_data must not be negative, got %d", c.Pool.MaxInlineData)
	}

	if c.Shutdown.TotalTimeout <= 0 {
		return fmt.Errorf("shutdown.total_timeout must be positive, got %s", c.Shutdown.TotalTimeout)
	}

	return nil
}

func parseQPType(s string) (rdma.QPType, error) {
	switch strings.ToLower(s) {
	case "rc", "":
		return rdma.QPTypeRC, nil
	case "uc":
		return rdma.QPTypeUC, nil
	case "ud":
		return rdma.QPTypeUD, nil
	default:
		return 0, fmt.Errorf("invalid pool.qp_type %q: must be rc, uc or ud", s)
	}
}

// ManagerConfig converts the configuration into resource manager settings
func (c *Config) ManagerConfig() *rdma.Config {
	qpType, _ := parseQPType(c.Pool.QPType)

	return &rdma.Config{
		DeviceName:             c.Device.Name,
		Port:                   uint8(c.Device.Port), //nolint:gosec // G115: validated to 1-255
		RequireVendorExtension: c.Device.RequireVendorExtension,
		MainMemorySize:         c.Memory.MainSize,
		HugePages:              c.Memory.HugePages,
		DeviceMemorySize:       c.Memory.DeviceMemorySize,
		Pool: rdma.PoolConfig{
			Cap: rdma.QPCap{
				MaxSendWR:     c.Pool.MaxSendWR,
				MaxRecvWR:     c.Pool.MaxRecvWR,
				MaxSendSGE:    c.Pool.MaxSendSGE,
				MaxRecvSGE:    c.Pool.MaxRecvSGE,
				MaxInlineData: c.Pool.MaxInlineData,
			},
			MaxClasses: c.Pool.MaxClasses,
			CQEntries:  c.Pool.CQEntries,
			Type:       qpType,
		},
		SRQ: rdma.SRQConfig{
			Enabled: c.SRQ.Enabled,
			MaxWR:   c.SRQ.MaxWR,
			MaxSGE:  c.SRQ.MaxSGE,
		},
		MaxNodes:      c.Directory.MaxNodes,
		MaxQPsPerNode: c.Directory.MaxQPsPerNode,
	}
}
