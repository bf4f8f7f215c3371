package rdma

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// DeviceContext is an opened RDMA device. It is the leaf dependency of every
// other resource: the protection domain, memory regions and queues are all
// created from it.
type DeviceContext struct {
	backend Backend
	attr    *DeviceAttr
	port    *PortAttr
	info    DeviceInfo
	handle  ContextHandle
	mu      sync.RWMutex
	portNum uint8
}

// OpenDevice opens the named device. An empty name selects the first device
// that advertises the vendor verbs extension; with requireExtension set a
// named device without it is rejected with ErrCapabilityMissing.
func OpenDevice(backend Backend, name string, requireExtension bool) (*DeviceContext, error) {
	devices, err := backend.GetDeviceList()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", ErrDeviceNotFound, err)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no RDMA devices present", ErrDeviceNotFound)
	}

	var selected *DeviceInfo

	for i := range devices {
		d := &devices[i]

		if name == "" {
			if d.VendorExtension {
				selected = d
				break
			}

			continue
		}

		if d.Name == name {
			selected = d
			break
		}
	}

	if selected == nil {
		if name == "" {
			return nil, fmt.Errorf("%w: no device supports the vendor extension", ErrDeviceNotFound)
		}

		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	if requireExtension && !selected.VendorExtension {
		return nil, fmt.Errorf("%w: %s does not support the vendor extension", ErrCapabilityMissing, selected.Name)
	}

	handle, err := backend.OpenDevice(selected.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, selected.Name, err)
	}

	log.Info().
		Str("device", selected.Name).
		Str("fw_ver", selected.FWVer).
		Uint64("guid", selected.GUID).
		Msg("Opened RDMA device")

	return &DeviceContext{
		backend: backend,
		info:    *selected,
		handle:  handle,
	}, nil
}

// Name returns the device name.
func (d *DeviceContext) Name() string { return d.info.Name }

// Info returns the device list entry the context was opened from.
func (d *DeviceContext) Info() DeviceInfo { return d.info }

// Handle returns the backend context handle.
func (d *DeviceContext) Handle() ContextHandle { return d.handle }

// QueryPort queries the attributes of port and caches them for LID.
func (d *DeviceContext) QueryPort(port uint8) (*PortAttr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, ErrNotOpen
	}

	attr, err := d.backend.QueryPort(d.handle, port)
	if err != nil {
		return nil, fmt.Errorf("%w: port %d: %w", ErrQueryFailed, port, err)
	}

	d.port = attr
	d.portNum = port

	log.Debug().
		Str("device", d.info.Name).
		Uint8("port", port).
		Str("state", attr.State.String()).
		Uint16("lid", attr.LID).
		Str("link_layer", attr.LinkLayer).
		Msg("Queried port")

	return attr, nil
}

// QueryDeviceAttributes queries and caches the device attributes.
func (d *DeviceContext) QueryDeviceAttributes() (*DeviceAttr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, ErrNotOpen
	}

	attr, err := d.backend.QueryDevice(d.handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailed, d.info.Name, err)
	}

	d.attr = attr

	return attr, nil
}

// CheckCapabilities verifies the cached device attributes provide atomic
// operations. QueryDeviceAttributes must have succeeded first.
func (d *DeviceContext) CheckCapabilities() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.attr == nil {
		return fmt.Errorf("%w: device attributes not queried", ErrQueryFailed)
	}

	if d.attr.AtomicCap == AtomicNone {
		return fmt.Errorf("%w: %s does not support atomic operations", ErrCapabilityMissing, d.info.Name)
	}

	return nil
}

// Attributes returns the cached device attributes, or nil before
// QueryDeviceAttributes.
func (d *DeviceContext) Attributes() *DeviceAttr {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.attr
}

// Port returns the number and cached attributes of the last queried port.
func (d *DeviceContext) Port() (uint8, *PortAttr) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.portNum, d.port
}

// LID returns the local identifier of the last queried port.
func (d *DeviceContext) LID() uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.port == nil {
		return 0
	}

	return d.port.LID
}

// Close closes the device. It is a no-op on a nil or already closed context.
func (d *DeviceContext) Close() error {
	if d == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil
	}

	if err := d.backend.CloseDevice(d.handle); err != nil {
		return fmt.Errorf("close device %s: %w", d.info.Name, err)
	}

	d.handle = 0

	log.Info().Str("device", d.info.Name).Msg("Closed RDMA device")

	return nil
}
