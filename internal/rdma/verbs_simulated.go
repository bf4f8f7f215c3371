package rdma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Simulated backend errors. They stand in for the errno values a real
// driver returns.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrSimulatedFault      = errors.New("simulated hardware fault")
	ErrSimulatedBusy       = errors.New("resource busy")
	ErrSimulatedInvalid    = errors.New("invalid argument")
)

// SimulatedOp names an operation of the simulated backend that can have a
// fault injected.
type SimulatedOp string

const (
	SimOpOpenDevice  SimulatedOp = "open_device"
	SimOpQueryDevice SimulatedOp = "query_device"
	SimOpQueryPort   SimulatedOp = "query_port"
	SimOpAllocPD     SimulatedOp = "alloc_pd"
	SimOpCreateCQ    SimulatedOp = "create_cq"
	SimOpCreateSRQ   SimulatedOp = "create_srq"
	SimOpCreateQP    SimulatedOp = "create_qp"
	SimOpDestroyQP   SimulatedOp = "destroy_qp"
	SimOpRegMR       SimulatedOp = "reg_mr"
	SimOpAllocDM     SimulatedOp = "alloc_dm"
)

// SimulatedDevice describes one device exposed by the simulated backend.
type SimulatedDevice struct {
	Info DeviceInfo
	Attr DeviceAttr
	Port PortAttr
}

// DefaultSimulatedDevices returns two ConnectX-6 style devices with atomics
// and the vendor extension.
func DefaultSimulatedDevices() []SimulatedDevice {
	attr := DeviceAttr{
		FWVer:       "20.35.1012",
		MaxMRSize:   1 << 40,
		MaxDMSize:   128 << 10,
		MaxQP:       1 << 16,
		MaxQPWR:     1 << 15,
		MaxSGE:      30,
		MaxCQ:       1 << 16,
		MaxCQE:      1 << 22,
		MaxMR:       1 << 16,
		MaxPD:       1 << 16,
		MaxSRQ:      1 << 15,
		MaxSRQWR:    1 << 15,
		MaxSRQSGE:   31,
		PhysPortCnt: 1,
		AtomicCap:   AtomicHCA,
	}
	port := PortAttr{
		LinkLayer:   "InfiniBand",
		State:       PortStateActive,
		MaxMTU:      4096,
		ActiveMTU:   4096,
		GIDTableLen: 128,
		LID:         1,
	}

	devices := make([]SimulatedDevice, 0, 2)
	for i := range 2 {
		p := port
		p.LID = uint16(i + 1) //nolint:gosec // G115: two simulated devices

		devices = append(devices, SimulatedDevice{
			Info: DeviceInfo{
				Name:            fmt.Sprintf("mlx5_%d", i),
				FWVer:           attr.FWVer,
				GUID:            0xDEADBEEF00000001 + uint64(i), //nolint:gosec // G115: small index
				NodeType:        1,
				Transport:       1,
				PhysPortCnt:     1,
				VendorID:        0x15b3,
				VendorPartID:    0x101b,
				VendorExtension: true,
			},
			Attr: attr,
			Port: p,
		})
	}

	return devices
}

// SimulatedCounts is a snapshot of live objects in the simulated backend.
type SimulatedCounts struct {
	Contexts int
	PDs      int
	CQs      int
	SRQs     int
	QPs      int
	MRs      int
	DMs      int
}

// Total returns the number of live objects of every kind.
func (c SimulatedCounts) Total() int {
	return c.Contexts + c.PDs + c.CQs + c.SRQs + c.QPs + c.MRs + c.DMs
}

// SimulatedBackend provides an in-memory verbs implementation. It enforces
// the destruction ordering rules of real hardware: a CQ or SRQ cannot be
// destroyed while a QP references it, a PD cannot be released while any
// object was created under it, and a device cannot be closed while it still
// owns a PD, CQ or device memory allocation.
type SimulatedBackend struct {
	contexts    map[ContextHandle]*simulatedContext
	pds         map[PDHandle]*simulatedPD
	cqs         map[CQHandle]*simulatedCQ
	srqs        map[SRQHandle]*simulatedSRQ
	qps         map[QPHandle]*simulatedQP
	mrs         map[MRHandle]*simulatedMR
	dms         map[DMHandle]*simulatedDM
	faults      map[SimulatedOp]int
	metrics     *simulatedMetrics
	devices     []SimulatedDevice
	nextHandle  uintptr
	mu          sync.RWMutex
	initialized bool
}

type simulatedContext struct {
	device *SimulatedDevice
}

type simulatedPD struct {
	ctx ContextHandle
}

type simulatedCQ struct {
	ctx  ContextHandle
	size int
}

type simulatedSRQ struct {
	pd     PDHandle
	maxWR  int
	maxSGE int
}

type simulatedQP struct {
	pd     PDHandle
	sendCQ CQHandle
	recvCQ CQHandle
	srq    SRQHandle
	cap    QPCap
	qpType QPType
	qpNum  uint32
}

type simulatedMR struct {
	pd     PDHandle
	dm     DMHandle
	addr   uintptr
	length int
	access Access
	keys   MRKeys
}

type simulatedDM struct {
	ctx    ContextHandle
	length int
}

type simulatedMetrics struct {
	DevicesOpened  int64
	PDsCreated     int64
	CQsCreated     int64
	SRQsCreated    int64
	QPsCreated     int64
	MRsRegistered  int64
	DMsAllocated   int64
	FaultsInjected int64
	Errors         int64
}

// SimulatedOption configures a SimulatedBackend.
type SimulatedOption func(*SimulatedBackend)

// WithSimulatedDevices replaces the default device list.
func WithSimulatedDevices(devices ...SimulatedDevice) SimulatedOption {
	return func(b *SimulatedBackend) {
		b.devices = devices
	}
}

// NewSimulatedBackend creates a new simulated verbs backend.
func NewSimulatedBackend(opts ...SimulatedOption) *SimulatedBackend {
	b := &SimulatedBackend{
		faults:  make(map[SimulatedOp]int),
		metrics: &simulatedMetrics{},
		devices: DefaultSimulatedDevices(),
	}
	b.reset()

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *SimulatedBackend) reset() {
	b.contexts = make(map[ContextHandle]*simulatedContext)
	b.pds = make(map[PDHandle]*simulatedPD)
	b.cqs = make(map[CQHandle]*simulatedCQ)
	b.srqs = make(map[SRQHandle]*simulatedSRQ)
	b.qps = make(map[QPHandle]*simulatedQP)
	b.mrs = make(map[MRHandle]*simulatedMR)
	b.dms = make(map[DMHandle]*simulatedDM)
}

// InjectFault makes the next count calls of op fail with ErrSimulatedFault.
// A negative count makes every call fail until ClearFaults is called.
func (b *SimulatedBackend) InjectFault(op SimulatedOp, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults[op] = count
}

// ClearFaults removes every injected fault.
func (b *SimulatedBackend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults = make(map[SimulatedOp]int)
}

// fault must be called with b.mu held.
func (b *SimulatedBackend) fault(op SimulatedOp) error {
	n, ok := b.faults[op]
	if !ok || n == 0 {
		return nil
	}

	if n > 0 {
		b.faults[op] = n - 1
	}

	atomic.AddInt64(&b.metrics.FaultsInjected, 1)

	return fmt.Errorf("%s: %w", op, ErrSimulatedFault)
}

func (b *SimulatedBackend) fail(err error) error {
	atomic.AddInt64(&b.metrics.Errors, 1)
	return err
}

// Counts returns the number of live objects per kind.
func (b *SimulatedBackend) Counts() SimulatedCounts {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return SimulatedCounts{
		Contexts: len(b.contexts),
		PDs:      len(b.pds),
		CQs:      len(b.cqs),
		SRQs:     len(b.srqs),
		QPs:      len(b.qps),
		MRs:      len(b.mrs),
		DMs:      len(b.dms),
	}
}

func (b *SimulatedBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialized = true

	return nil
}

func (b *SimulatedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	b.initialized = false

	return nil
}

func (b *SimulatedBackend) GetDeviceList() ([]DeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]DeviceInfo, len(b.devices))
	for i := range b.devices {
		result[i] = b.devices[i].Info
	}

	return result, nil
}

func (b *SimulatedBackend) OpenDevice(name string) (ContextHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	var device *SimulatedDevice

	for i := range b.devices {
		if b.devices[i].Info.Name == name {
			device = &b.devices[i]
			break
		}
	}

	if device == nil {
		return 0, b.fail(fmt.Errorf("%s: %w", name, ErrSimulatedInvalid))
	}

	if err := b.fault(SimOpOpenDevice); err != nil {
		return 0, b.fail(err)
	}

	b.nextHandle++
	ctx := ContextHandle(b.nextHandle)
	b.contexts[ctx] = &simulatedContext{device: device}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedBackend) CloseDevice(ctx ContextHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return b.fail(ErrSimulatedInvalid)
	}

	for _, pd := range b.pds {
		if pd.ctx == ctx {
			return b.fail(fmt.Errorf("close device: protection domain allocated: %w", ErrSimulatedBusy))
		}
	}

	for _, cq := range b.cqs {
		if cq.ctx == ctx {
			return b.fail(fmt.Errorf("close device: completion queue allocated: %w", ErrSimulatedBusy))
		}
	}

	for _, dm := range b.dms {
		if dm.ctx == ctx {
			return b.fail(fmt.Errorf("close device: device memory allocated: %w", ErrSimulatedBusy))
		}
	}

	delete(b.contexts, ctx)

	return nil
}

func (b *SimulatedBackend) QueryDevice(ctx ContextHandle) (*DeviceAttr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, b.fail(ErrSimulatedInvalid)
	}

	if err := b.fault(SimOpQueryDevice); err != nil {
		return nil, b.fail(err)
	}

	attr := c.device.Attr

	return &attr, nil
}

func (b *SimulatedBackend) QueryPort(ctx ContextHandle, port uint8) (*PortAttr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, b.fail(ErrSimulatedInvalid)
	}

	if port == 0 || int(port) > c.device.Info.PhysPortCnt {
		return nil, b.fail(fmt.Errorf("port %d: %w", port, ErrSimulatedInvalid))
	}

	if err := b.fault(SimOpQueryPort); err != nil {
		return nil, b.fail(err)
	}

	attr := c.device.Port

	return &attr, nil
}

func (b *SimulatedBackend) AllocPD(ctx ContextHandle) (PDHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, b.fail(ErrSimulatedInvalid)
	}

	if err := b.fault(SimOpAllocPD); err != nil {
		return 0, b.fail(err)
	}

	b.nextHandle++
	pd := PDHandle(b.nextHandle)
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedBackend) DeallocPD(pd PDHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return b.fail(ErrSimulatedInvalid)
	}

	for _, qp := range b.qps {
		if qp.pd == pd {
			return b.fail(fmt.Errorf("dealloc pd: queue pair attached: %w", ErrSimulatedBusy))
		}
	}

	for _, srq := range b.srqs {
		if srq.pd == pd {
			return b.fail(fmt.Errorf("dealloc pd: shared receive queue attached: %w", ErrSimulatedBusy))
		}
	}

	for _, mr := range b.mrs {
		if mr.pd == pd {
			return b.fail(fmt.Errorf("dealloc pd: memory region registered: %w", ErrSimulatedBusy))
		}
	}

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedBackend) CreateCQ(ctx ContextHandle, cqe int) (CQHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, b.fail(ErrSimulatedInvalid)
	}

	if cqe <= 0 || cqe > c.device.Attr.MaxCQE {
		return 0, b.fail(fmt.Errorf("cqe %d: %w", cqe, ErrSimulatedInvalid))
	}

	if err := b.fault(SimOpCreateCQ); err != nil {
		return 0, b.fail(err)
	}

	b.nextHandle++
	cq := CQHandle(b.nextHandle)
	b.cqs[cq] = &simulatedCQ{ctx: ctx, size: cqe}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedBackend) DestroyCQ(cq CQHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cqs[cq]; !ok {
		return b.fail(ErrSimulatedInvalid)
	}

	for _, qp := range b.qps {
		if qp.sendCQ == cq || qp.recvCQ == cq {
			return b.fail(fmt.Errorf("destroy cq: queue pair attached: %w", ErrSimulatedBusy))
		}
	}

	delete(b.cqs, cq)

	return nil
}

func (b *SimulatedBackend) CreateSRQ(pd PDHandle, maxWR, maxSGE int) (SRQHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return 0, b.fail(ErrSimulatedInvalid)
	}

	attr := b.contexts[p.ctx].device.Attr
	if maxWR <= 0 || maxWR > attr.MaxSRQWR || maxSGE <= 0 || maxSGE > attr.MaxSRQSGE {
		return 0, b.fail(fmt.Errorf("srq caps %d/%d: %w", maxWR, maxSGE, ErrSimulatedInvalid))
	}

	if err := b.fault(SimOpCreateSRQ); err != nil {
		return 0, b.fail(err)
	}

	b.nextHandle++
	srq := SRQHandle(b.nextHandle)
	b.srqs[srq] = &simulatedSRQ{pd: pd, maxWR: maxWR, maxSGE: maxSGE}
	atomic.AddInt64(&b.metrics.SRQsCreated, 1)

	return srq, nil
}

func (b *SimulatedBackend) DestroySRQ(srq SRQHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.srqs[srq]; !ok {
		return b.fail(ErrSimulatedInvalid)
	}

	for _, qp := range b.qps {
		if qp.srq == srq {
			return b.fail(fmt.Errorf("destroy srq: queue pair attached: %w", ErrSimulatedBusy))
		}
	}

	delete(b.srqs, srq)

	return nil
}

func (b *SimulatedBackend) CreateQP(pd PDHandle, attr *QPInitAttr) (QPHandle, uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok || attr == nil {
		return 0, 0, b.fail(ErrSimulatedInvalid)
	}

	if _, ok := b.cqs[attr.SendCQ]; !ok {
		return 0, 0, b.fail(fmt.Errorf("send cq: %w", ErrSimulatedInvalid))
	}

	if _, ok := b.cqs[attr.RecvCQ]; !ok {
		return 0, 0, b.fail(fmt.Errorf("recv cq: %w", ErrSimulatedInvalid))
	}

	if attr.SRQ != 0 {
		srq, ok := b.srqs[attr.SRQ]
		if !ok || srq.pd != pd {
			return 0, 0, b.fail(fmt.Errorf("srq: %w", ErrSimulatedInvalid))
		}
	}

	devAttr := b.contexts[p.ctx].device.Attr
	c := attr.Cap

	if c.MaxSendWR <= 0 || c.MaxSendWR > devAttr.MaxQPWR || c.MaxSendSGE > devAttr.MaxSGE {
		return 0, 0, b.fail(fmt.Errorf("send caps: %w", ErrSimulatedInvalid))
	}

	if attr.SRQ == 0 && (c.MaxRecvWR > devAttr.MaxQPWR || c.MaxRecvSGE > devAttr.MaxSGE) {
		return 0, 0, b.fail(fmt.Errorf("recv caps: %w", ErrSimulatedInvalid))
	}

	if err := b.fault(SimOpCreateQP); err != nil {
		return 0, 0, b.fail(err)
	}

	if attr.SRQ != 0 {
		// The receive side is served by the SRQ.
		c.MaxRecvWR = 0
		c.MaxRecvSGE = 0
	}

	b.nextHandle++
	qp := QPHandle(b.nextHandle)
	qpNum := uint32(b.nextHandle) & 0xffffff //nolint:gosec // G115: QPNs are 24 bits
	b.qps[qp] = &simulatedQP{
		pd:     pd,
		sendCQ: attr.SendCQ,
		recvCQ: attr.RecvCQ,
		srq:    attr.SRQ,
		cap:    c,
		qpType: attr.Type,
		qpNum:  qpNum,
	}
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, qpNum, nil
}

func (b *SimulatedBackend) DestroyQP(qp QPHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpDestroyQP); err != nil {
		return b.fail(err)
	}

	if _, ok := b.qps[qp]; !ok {
		return b.fail(ErrSimulatedInvalid)
	}

	delete(b.qps, qp)

	return nil
}

func (b *SimulatedBackend) RegMR(pd PDHandle, addr uintptr, length int, access Access) (MRHandle, MRKeys, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, MRKeys{}, b.fail(ErrSimulatedInvalid)
	}

	if addr == 0 || length <= 0 {
		return 0, MRKeys{}, b.fail(fmt.Errorf("reg mr: %w", ErrSimulatedInvalid))
	}

	// Remote write and remote atomic require local write, as on hardware.
	if access&(AccessRemoteWrite|AccessRemoteAtomic) != 0 && access&AccessLocalWrite == 0 {
		return 0, MRKeys{}, b.fail(fmt.Errorf("reg mr: access %#x: %w", int(access), ErrSimulatedInvalid))
	}

	if err := b.fault(SimOpRegMR); err != nil {
		return 0, MRKeys{}, b.fail(err)
	}

	mr := b.addMR(pd, 0, addr, length, access)

	return mr, b.mrs[mr].keys, nil
}

// addMR must be called with b.mu held.
func (b *SimulatedBackend) addMR(pd PDHandle, dm DMHandle, addr uintptr, length int, access Access) MRHandle {
	b.nextHandle++
	mr := MRHandle(b.nextHandle)
	key := uint32(b.nextHandle) //nolint:gosec // G115: simulated keys
	b.mrs[mr] = &simulatedMR{
		pd:     pd,
		dm:     dm,
		addr:   addr,
		length: length,
		access: access,
		keys:   MRKeys{LKey: key, RKey: key | 0x100},
	}
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return mr
}

func (b *SimulatedBackend) DeregMR(mr MRHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.mrs[mr]; !ok {
		return b.fail(ErrSimulatedInvalid)
	}

	delete(b.mrs, mr)

	return nil
}

func (b *SimulatedBackend) AllocDM(ctx ContextHandle, length int) (DMHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, b.fail(ErrSimulatedInvalid)
	}

	if length <= 0 || uint64(length) > c.device.Attr.MaxDMSize {
		return 0, b.fail(fmt.Errorf("alloc dm %d: %w", length, ErrSimulatedInvalid))
	}

	if err := b.fault(SimOpAllocDM); err != nil {
		return 0, b.fail(err)
	}

	b.nextHandle++
	dm := DMHandle(b.nextHandle)
	b.dms[dm] = &simulatedDM{ctx: ctx, length: length}
	atomic.AddInt64(&b.metrics.DMsAllocated, 1)

	return dm, nil
}

func (b *SimulatedBackend) RegDMMR(pd PDHandle, dm DMHandle, length int, access Access) (MRHandle, MRKeys, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, MRKeys{}, b.fail(ErrSimulatedInvalid)
	}

	d, ok := b.dms[dm]
	if !ok || length <= 0 || length > d.length {
		return 0, MRKeys{}, b.fail(fmt.Errorf("reg dm mr: %w", ErrSimulatedInvalid))
	}

	if err := b.fault(SimOpRegMR); err != nil {
		return 0, MRKeys{}, b.fail(err)
	}

	// Device memory is addressed from zero.
	mr := b.addMR(pd, dm, 0, length, access)

	return mr, b.mrs[mr].keys, nil
}

func (b *SimulatedBackend) FreeDM(dm DMHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.dms[dm]; !ok {
		return b.fail(ErrSimulatedInvalid)
	}

	for _, mr := range b.mrs {
		if mr.dm == dm {
			return b.fail(fmt.Errorf("free dm: memory region registered: %w", ErrSimulatedBusy))
		}
	}

	delete(b.dms, dm)

	return nil
}

func (b *SimulatedBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":       true,
		"devices_opened":  atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":     atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":     atomic.LoadInt64(&b.metrics.CQsCreated),
		"srqs_created":    atomic.LoadInt64(&b.metrics.SRQsCreated),
		"qps_created":     atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered":  atomic.LoadInt64(&b.metrics.MRsRegistered),
		"dms_allocated":   atomic.LoadInt64(&b.metrics.DMsAllocated),
		"faults_injected": atomic.LoadInt64(&b.metrics.FaultsInjected),
		"errors":          atomic.LoadInt64(&b.metrics.Errors),
	}
}
