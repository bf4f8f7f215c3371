// Package rdma manages the hardware-facing resources of an RDMA-capable NIC:
// device bring-up, memory registration (including huge-page backed buffers)
// and the lifecycle of queue pairs, completion queues and shared receive
// queues used to talk to remote peers.
//
// Every hardware call goes through the Backend interface so the manager can
// run against real libibverbs or a simulated device.
//
// Build Tags:
// - Default: simulated backend only (no hardware required)
// - rdma_hw: adds the libibverbs backend (requires rdma-core headers)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

// Backend kinds accepted by NewBackend.
const (
	BackendSimulated = "simulated"
	BackendHardware  = "hardware"
)

// Backend defines the verbs operations the resource manager depends on.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]DeviceInfo, error)
	OpenDevice(name string) (ContextHandle, error)
	CloseDevice(ctx ContextHandle) error
	QueryDevice(ctx ContextHandle) (*DeviceAttr, error)
	QueryPort(ctx ContextHandle, port uint8) (*PortAttr, error)

	// Protection Domain
	AllocPD(ctx ContextHandle) (PDHandle, error)
	DeallocPD(pd PDHandle) error

	// Completion Queue
	CreateCQ(ctx ContextHandle, cqe int) (CQHandle, error)
	DestroyCQ(cq CQHandle) error

	// Shared Receive Queue
	CreateSRQ(pd PDHandle, maxWR, maxSGE int) (SRQHandle, error)
	DestroySRQ(srq SRQHandle) error

	// Queue Pair
	CreateQP(pd PDHandle, attr *QPInitAttr) (QPHandle, uint32, error)
	DestroyQP(qp QPHandle) error

	// Memory Registration
	RegMR(pd PDHandle, addr uintptr, length int, access Access) (MRHandle, MRKeys, error)
	DeregMR(mr MRHandle) error

	// Device Memory
	AllocDM(ctx ContextHandle, length int) (DMHandle, error)
	RegDMMR(pd PDHandle, dm DMHandle, length int, access Access) (MRHandle, MRKeys, error)
	FreeDM(dm DMHandle) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type (
	ContextHandle uintptr
	PDHandle      uintptr
	CQHandle      uintptr
	SRQHandle     uintptr
	QPHandle      uintptr
	MRHandle      uintptr
	DMHandle      uintptr
)

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC QPType = iota // Reliable Connection
	QPTypeUC               // Unreliable Connection
	QPTypeUD               // Unreliable Datagram
)

// Access is a set of memory region permissions.
type Access int

// Memory region access flags.
const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic

	// AccessFull grants local write plus remote read, write and atomic access.
	AccessFull = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic
)

// AtomicCap describes the atomic operation support of a device.
type AtomicCap int

const (
	AtomicNone AtomicCap = iota
	AtomicHCA
	AtomicGlob
)

func (a AtomicCap) String() string {
	switch a {
	case AtomicHCA:
		return "hca"
	case AtomicGlob:
		return "global"
	default:
		return "none"
	}
}

// PortState mirrors the logical port states reported by the device.
type PortState int

const (
	PortStateNop PortState = iota
	PortStateDown
	PortStateInit
	PortStateArmed
	PortStateActive
	PortStateActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortStateDown:
		return "DOWN"
	case PortStateInit:
		return "INIT"
	case PortStateArmed:
		return "ARMED"
	case PortStateActive:
		return "ACTIVE"
	case PortStateActiveDefer:
		return "ACTIVE_DEFER"
	default:
		return "NOP"
	}
}

// DeviceInfo describes an entry of the device list.
type DeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	// VendorExtension is set when the device supports the vendor verbs
	// extension (mlx5dv on Mellanox/NVIDIA hardware).
	VendorExtension bool
}

// DeviceAttr contains the attributes returned by a device query.
type DeviceAttr struct {
	FWVer       string
	MaxMRSize   uint64
	MaxDMSize   uint64
	MaxQP       int
	MaxQPWR     int
	MaxSGE      int
	MaxCQ       int
	MaxCQE      int
	MaxMR       int
	MaxPD       int
	MaxSRQ      int
	MaxSRQWR    int
	MaxSRQSGE   int
	PhysPortCnt int
	AtomicCap   AtomicCap
}

// PortAttr contains the attributes returned by a port query.
type PortAttr struct {
	LinkLayer   string
	State       PortState
	MaxMTU      int
	ActiveMTU   int
	GIDTableLen int
	LID         uint16
}

// QPCap contains queue pair capacity limits.
type QPCap struct {
	MaxSendWR     int
	MaxRecvWR     int
	MaxSendSGE    int
	MaxRecvSGE    int
	MaxInlineData int
}

// QPInitAttr holds the attributes used to create a queue pair. A zero SRQ
// means the queue pair owns its receive queue.
type QPInitAttr struct {
	SendCQ    CQHandle
	RecvCQ    CQHandle
	SRQ       SRQHandle
	Type      QPType
	Cap       QPCap
	SignalAll bool
}

// MRKeys are the keys returned by a memory registration.
type MRKeys struct {
	LKey uint32
	RKey uint32
}
