package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmarm/internal/metrics"
)

// SRQConfig configures the shared receive queue created at startup.
type SRQConfig struct {
	Enabled bool
	MaxWR   int
	MaxSGE  int
}

// Config holds the resource manager configuration.
type Config struct {
	DeviceName             string
	Pool                   PoolConfig
	SRQ                    SRQConfig
	MainMemorySize         int
	DeviceMemorySize       int
	MaxNodes               int
	MaxQPsPerNode          int
	Port                   uint8
	RequireVendorExtension bool
	HugePages              bool
}

// DefaultConfig returns a configuration with a 4 KiB huge-page backed main
// region, one shared receive queue of 16 entries and room for 128 peers.
func DefaultConfig() *Config {
	return &Config{
		Port:                   1,
		RequireVendorExtension: true,
		MainMemorySize:         4096,
		HugePages:              true,
		Pool:                   DefaultPoolConfig(),
		SRQ: SRQConfig{
			Enabled: true,
			MaxWR:   16,
			MaxSGE:  1,
		},
		MaxNodes:      128,
		MaxQPsPerNode: 16,
	}
}

// Status is a snapshot of a Manager for operators.
type Status struct {
	Regions   map[string]RegionDescriptor `json:"regions" yaml:"regions"`
	ID        string                      `json:"id" yaml:"id"`
	Device    string                      `json:"device" yaml:"device"`
	PortState string                      `json:"port_state" yaml:"port_state"`
	AtomicCap string                      `json:"atomic_cap" yaml:"atomic_cap"`
	Pool      PoolStats                   `json:"pool" yaml:"pool"`
	Nodes     int                         `json:"nodes" yaml:"nodes"`
	LID       uint16                      `json:"lid" yaml:"lid"`
	Port      uint8                       `json:"port" yaml:"port"`
	Drained   bool                        `json:"drained" yaml:"drained"`
}

// Manager is the process-wide resource context: the device, its protection
// domain, the registered memory, the queue pool and the peer directory.
// Independent managers can coexist, each with its own backend objects.
type Manager struct {
	backend   Backend
	device    *DeviceContext
	registrar *MemoryRegistrar
	pool      *ResourcePool
	directory *NodeDirectory
	cfg       Config
	id        string
	pd        PDHandle
	srq       SRQHandle
	mu        sync.Mutex
	drained   bool
}

// Open brings up the device and every startup resource described by cfg.
// Any failure is fatal to startup: the partially built state is torn down
// and the error is returned.
func Open(cfg *Config, backend Backend) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Manager{
		backend:   backend,
		cfg:       *cfg,
		id:        uuid.New().String(),
		directory: NewNodeDirectory(cfg.MaxNodes, cfg.MaxQPsPerNode),
	}

	if err := m.open(); err != nil {
		metrics.RecordStartupFailure(ErrorKind(err))
		log.Error().Err(err).Str("manager", m.id).Str("kind", ErrorKind(err)).Msg("RDMA resource manager startup failed")

		if derr := m.DrainAll(); derr != nil {
			log.Warn().Err(derr).Str("manager", m.id).Msg("Teardown after failed startup incomplete")
		}

		return nil, err
	}

	log.Info().
		Str("manager", m.id).
		Str("device", m.device.Name()).
		Uint16("lid", m.device.LID()).
		Int("main_memory", cfg.MainMemorySize).
		Bool("huge_pages", cfg.HugePages).
		Bool("srq", m.srq != 0).
		Msg("RDMA resource manager ready")

	return m, nil
}

func (m *Manager) open() error {
	device, err := OpenDevice(m.backend, m.cfg.DeviceName, m.cfg.RequireVendorExtension)
	if err != nil {
		return err
	}

	m.device = device

	if _, err := device.QueryPort(m.cfg.Port); err != nil {
		return err
	}

	if _, err := device.QueryDeviceAttributes(); err != nil {
		return err
	}

	if err := device.CheckCapabilities(); err != nil {
		return err
	}

	pd, err := m.backend.AllocPD(device.Handle())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPDAllocFailed, err)
	}

	m.pd = pd
	m.registrar = NewMemoryRegistrar(m.backend, device.Handle(), pd)
	m.pool = NewResourcePool(m.backend, device.Handle(), pd, m.cfg.Pool)

	if m.cfg.MainMemorySize > 0 {
		buf, err := AllocateBuffer(m.cfg.MainMemorySize, m.cfg.HugePages)
		if err != nil {
			return err
		}

		if _, err := m.registrar.RegisterBuffer(MainMemory, buf, AccessFull); err != nil {
			_ = buf.Free()
			return err
		}
	}

	if m.cfg.DeviceMemorySize > 0 {
		if _, err := m.registrar.RegisterDeviceMemory(m.cfg.DeviceMemorySize, AccessFull); err != nil {
			return err
		}
	}

	if m.cfg.SRQ.Enabled {
		srq, err := m.pool.CreateSRQ(m.cfg.SRQ.MaxWR, m.cfg.SRQ.MaxSGE)
		if err != nil {
			return err
		}

		m.srq = srq
	}

	return nil
}

// ID returns the unique id of the manager.
func (m *Manager) ID() string { return m.id }

// Device returns the opened device.
func (m *Manager) Device() *DeviceContext { return m.device }

// Registrar returns the memory registrar.
func (m *Manager) Registrar() *MemoryRegistrar { return m.registrar }

// Pool returns the queue pool.
func (m *Manager) Pool() *ResourcePool { return m.pool }

// Directory returns the peer directory.
func (m *Manager) Directory() *NodeDirectory { return m.directory }

// SRQ returns the shared receive queue created at startup, or zero.
func (m *Manager) SRQ() SRQHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.srq
}

// Acquire acquires a queue pair of classKey bound to the startup SRQ, if any.
func (m *Manager) Acquire(classKey uint64) (QP, error) {
	if m.pool == nil {
		return QP{}, ErrNotOpen
	}

	return m.pool.Acquire(classKey, m.SRQ())
}

// InFlightCount returns the number of queue pairs held by data-plane users.
func (m *Manager) InFlightCount() int64 {
	if m.pool == nil {
		return 0
	}

	return int64(m.pool.InUse())
}

// WaitForDrain blocks until every acquired queue pair has been released or
// retired, or ctx is done.
func (m *Manager) WaitForDrain(ctx context.Context) error {
	if m.pool == nil {
		return nil
	}

	return m.pool.WaitIdle(ctx)
}

// Ready reports whether the manager is open and not drained.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.drained && m.device != nil && m.pd != 0
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	drained := m.drained
	m.mu.Unlock()

	s := Status{
		Regions: make(map[string]RegionDescriptor),
		ID:      m.id,
		Nodes:   m.directory.Len(),
		Drained: drained,
	}

	if m.device != nil {
		s.Device = m.device.Name()
		s.LID = m.device.LID()

		port, attr := m.device.Port()
		s.Port = port

		if attr != nil {
			s.PortState = attr.State.String()
		}

		if da := m.device.Attributes(); da != nil {
			s.AtomicCap = da.AtomicCap.String()
		}
	}

	if m.registrar != nil {
		for id := range NumRegions {
			if desc, err := m.registrar.Descriptor(id); err == nil && desc.Valid {
				s.Regions[id.String()] = desc
			}
		}
	}

	if m.pool != nil {
		s.Pool = m.pool.Stats()
	}

	return s
}

// DrainAll tears down every resource in dependency order: queue pairs,
// completion queues, shared receive queues, memory regions, the protection
// domain and finally the device. It is safe on a partially opened manager
// and a second call is a no-op. Callers must quiesce the data plane first.
func (m *Manager) DrainAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()

	var errs []error

	if m.pool != nil {
		if err := m.pool.Drain(); err != nil {
			errs = append(errs, err)
		}
	}

	m.srq = 0

	if m.registrar != nil {
		if err := m.registrar.DeregisterAll(); err != nil {
			errs = append(errs, err)
		}
	}

	if m.pd != 0 {
		if err := m.backend.DeallocPD(m.pd); err != nil {
			errs = append(errs, fmt.Errorf("dealloc pd: %w", err))
		} else {
			log.Debug().Str("manager", m.id).Msg("Deallocated protection domain")

			m.pd = 0
		}
	}

	if err := m.device.Close(); err != nil {
		errs = append(errs, err)
	}

	m.directory.Reset()

	err := errors.Join(errs...)

	if !m.drained {
		metrics.RecordTeardown(time.Since(start), err)
		log.Info().
			Str("manager", m.id).
			Dur("duration", time.Since(start)).
			Bool("clean", err == nil).
			Msg("RDMA resources drained")
	}

	m.drained = true

	return err
}
