package rdma

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmarm/internal/metrics"
)

// HugePageSize is the page size used for huge-page backed buffers (2 MiB).
const HugePageSize = 2 << 20

// RegionID identifies one of the fixed memory regions of a process.
type RegionID uint8

const (
	MainMemory RegionID = iota
	DeviceMemory

	// NumRegions is the number of region ids.
	NumRegions
)

func (id RegionID) String() string {
	switch id {
	case MainMemory:
		return "main_memory"
	case DeviceMemory:
		return "device_memory"
	default:
		return fmt.Sprintf("region_%d", uint8(id))
	}
}

// Buffer is an anonymous memory mapping suitable for DMA.
type Buffer struct {
	data    []byte
	mapping []byte
	huge    bool
}

// AllocateBuffer maps capacity bytes of anonymous memory. With hugePages set
// the mapping is backed by 2 MiB pages and rounded up to a whole number of
// them; failure then wraps ErrHugePagesUnavailable so the caller can tell the
// operator to reserve huge pages.
func AllocateBuffer(capacity int, hugePages bool) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: invalid capacity %d", ErrAllocationFailed, capacity)
	}

	size := capacity
	if hugePages {
		size = (capacity + HugePageSize - 1) / HugePageSize * HugePageSize
	}

	mapping, err := osMapAnon(size, hugePages)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("capacity", capacity).
		Int("mapped", size).
		Bool("huge_pages", hugePages).
		Msg("Allocated DMA buffer")

	return &Buffer{
		data:    mapping[:capacity],
		mapping: mapping,
		huge:    hugePages,
	}, nil
}

// Bytes returns the usable part of the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the usable length of the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// HugePages reports whether the buffer is backed by huge pages.
func (b *Buffer) HugePages() bool { return b.huge }

// Addr returns the virtual address of the first byte, or 0 once freed.
func (b *Buffer) Addr() uintptr {
	if len(b.data) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&b.data[0]))
}

// Free unmaps the buffer. It is safe to call more than once.
func (b *Buffer) Free() error {
	if b == nil || b.mapping == nil {
		return nil
	}

	err := osUnmap(b.mapping)
	b.mapping = nil
	b.data = nil

	return err
}

// RegionDescriptor describes a registered memory region as seen by a remote
// peer.
type RegionDescriptor struct {
	Addr   uint64 `json:"addr" yaml:"addr"`
	Length uint64 `json:"length" yaml:"length"`
	LKey   uint32 `json:"lkey" yaml:"lkey"`
	RKey   uint32 `json:"rkey" yaml:"rkey"`
	Access Access `json:"access" yaml:"access"`
	Valid  bool   `json:"valid" yaml:"valid"`
}

type registeredRegion struct {
	buf  *Buffer
	desc RegionDescriptor
	mr   MRHandle
	dm   DMHandle
}

// MemoryRegistrar registers memory with a protection domain. It holds at most
// one region per RegionID.
type MemoryRegistrar struct {
	backend Backend
	regions [NumRegions]registeredRegion
	ctx     ContextHandle
	pd      PDHandle
	mu      sync.RWMutex
}

// NewMemoryRegistrar creates a registrar bound to pd.
func NewMemoryRegistrar(backend Backend, ctx ContextHandle, pd PDHandle) *MemoryRegistrar {
	return &MemoryRegistrar{
		backend: backend,
		ctx:     ctx,
		pd:      pd,
	}
}

func checkRegionID(id RegionID) error {
	if id >= NumRegions {
		return fmt.Errorf("%w: region id %d", ErrInvalidIndex, id)
	}

	return nil
}

// RegisterRegion registers [addr, addr+length) under id.
func (r *MemoryRegistrar) RegisterRegion(id RegionID, addr uintptr, length int, access Access) (RegionDescriptor, error) {
	return r.register(id, addr, length, access, nil)
}

// RegisterBuffer registers buf under id. The registrar takes ownership of
// buf and unmaps it on deregistration.
func (r *MemoryRegistrar) RegisterBuffer(id RegionID, buf *Buffer, access Access) (RegionDescriptor, error) {
	if buf == nil || buf.Len() == 0 {
		return RegionDescriptor{}, fmt.Errorf("%w: empty buffer", ErrRegistrationFailed)
	}

	return r.register(id, buf.Addr(), buf.Len(), access, buf)
}

func (r *MemoryRegistrar) register(id RegionID, addr uintptr, length int, access Access, buf *Buffer) (RegionDescriptor, error) {
	if err := checkRegionID(id); err != nil {
		return RegionDescriptor{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.regions[id].desc.Valid {
		return RegionDescriptor{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	mr, keys, err := r.backend.RegMR(r.pd, addr, length, access)
	if err != nil {
		return RegionDescriptor{}, fmt.Errorf("%w: %s: %w", ErrRegistrationFailed, id, err)
	}

	desc := RegionDescriptor{
		Addr:   uint64(addr),
		Length: uint64(length), //nolint:gosec // G115: length validated by the backend
		LKey:   keys.LKey,
		RKey:   keys.RKey,
		Access: access,
		Valid:  true,
	}
	r.regions[id] = registeredRegion{buf: buf, desc: desc, mr: mr}

	metrics.SetRegionRegistered(id.String(), desc.Length)
	log.Debug().
		Str("region", id.String()).
		Uint64("addr", desc.Addr).
		Uint64("length", desc.Length).
		Uint32("rkey", desc.RKey).
		Msg("Registered memory region")

	return desc, nil
}

// RegisterDeviceMemory allocates length bytes of on-device memory and
// registers it under DeviceMemory. The descriptor address is relative to the
// start of the device memory.
func (r *MemoryRegistrar) RegisterDeviceMemory(length int, access Access) (RegionDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.regions[DeviceMemory].desc.Valid {
		return RegionDescriptor{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, DeviceMemory)
	}

	dm, err := r.backend.AllocDM(r.ctx, length)
	if err != nil {
		return RegionDescriptor{}, fmt.Errorf("%w: device memory %d bytes: %w", ErrAllocationFailed, length, err)
	}

	mr, keys, err := r.backend.RegDMMR(r.pd, dm, length, access)
	if err != nil {
		if ferr := r.backend.FreeDM(dm); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to free device memory after registration failure")
		}

		return RegionDescriptor{}, fmt.Errorf("%w: %s: %w", ErrRegistrationFailed, DeviceMemory, err)
	}

	desc := RegionDescriptor{
		Length: uint64(length), //nolint:gosec // G115: length validated by the backend
		LKey:   keys.LKey,
		RKey:   keys.RKey,
		Access: access,
		Valid:  true,
	}
	r.regions[DeviceMemory] = registeredRegion{desc: desc, mr: mr, dm: dm}

	metrics.SetRegionRegistered(DeviceMemory.String(), desc.Length)
	log.Debug().Int("length", length).Uint32("rkey", desc.RKey).Msg("Registered device memory")

	return desc, nil
}

// Deregister releases the region registered under id. Deregistering an id
// that holds no valid region is a no-op.
func (r *MemoryRegistrar) Deregister(id RegionID) error {
	if err := checkRegionID(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deregisterLocked(id)
}

func (r *MemoryRegistrar) deregisterLocked(id RegionID) error {
	region := &r.regions[id]
	if !region.desc.Valid {
		return nil
	}

	if err := r.backend.DeregMR(region.mr); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}

	var errs []error

	if region.dm != 0 {
		if err := r.backend.FreeDM(region.dm); err != nil {
			errs = append(errs, fmt.Errorf("free device memory: %w", err))
		}
	}

	if err := region.buf.Free(); err != nil {
		errs = append(errs, fmt.Errorf("unmap %s: %w", id, err))
	}

	*region = registeredRegion{}

	metrics.ClearRegion(id.String())
	log.Debug().Str("region", id.String()).Msg("Deregistered memory region")

	return errors.Join(errs...)
}

// DeregisterAll releases every valid region.
func (r *MemoryRegistrar) DeregisterAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	for id := range NumRegions {
		if err := r.deregisterLocked(id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Descriptor returns the descriptor registered under id. The Valid field is
// false when nothing is registered.
func (r *MemoryRegistrar) Descriptor(id RegionID) (RegionDescriptor, error) {
	if err := checkRegionID(id); err != nil {
		return RegionDescriptor{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.regions[id].desc, nil
}

// Address resolves offset within region id to an address usable in a work
// request, checking that [offset, offset+length) lies inside the region.
func (r *MemoryRegistrar) Address(id RegionID, offset, length uint64) (uint64, error) {
	desc, err := r.Descriptor(id)
	if err != nil {
		return 0, err
	}

	if !desc.Valid {
		return 0, fmt.Errorf("%w: %s not registered", ErrInvalidIndex, id)
	}

	if offset > desc.Length || length > desc.Length-offset {
		return 0, fmt.Errorf("%w: %s offset %d length %d exceeds %d", ErrInvalidIndex, id, offset, length, desc.Length)
	}

	return desc.Addr + offset, nil
}

// RegisteredBytes returns the total length of all valid regions.
func (r *MemoryRegistrar) RegisteredBytes() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total uint64

	for i := range r.regions {
		if r.regions[i].desc.Valid {
			total += r.regions[i].desc.Length
		}
	}

	return total
}

// ValidRegions returns the number of valid regions.
func (r *MemoryRegistrar) ValidRegions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0

	for i := range r.regions {
		if r.regions[i].desc.Valid {
			n++
		}
	}

	return n
}
