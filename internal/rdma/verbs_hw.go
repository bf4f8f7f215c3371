//go:build rdma_hw && linux && cgo

package rdma

// #cgo LDFLAGS: -libverbs -lmlx5
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
// #include <infiniband/mlx5dv.h>
//
// static int rdmarm_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
//     return ibv_query_port(ctx, port, attr);
// }
//
// static struct ibv_mr *rdmarm_reg_mr(struct ibv_pd *pd, void *addr, size_t length, int access) {
//     return ibv_reg_mr(pd, addr, length, access);
// }
//
// static struct ibv_dm *rdmarm_alloc_dm(struct ibv_context *ctx, size_t length) {
//     struct ibv_alloc_dm_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.length = length;
//     return ibv_alloc_dm(ctx, &attr);
// }
//
// static struct ibv_mr *rdmarm_reg_dm_mr(struct ibv_pd *pd, struct ibv_dm *dm, size_t length, unsigned int access) {
//     return ibv_reg_dm_mr(pd, dm, 0, length, access | IBV_ACCESS_ZERO_BASED);
// }
//
// static int rdmarm_free_dm(struct ibv_dm *dm) {
//     return ibv_free_dm(dm);
// }
//
// static struct ibv_srq *rdmarm_create_srq(struct ibv_pd *pd, uint32_t max_wr, uint32_t max_sge) {
//     struct ibv_srq_init_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.attr.max_wr = max_wr;
//     attr.attr.max_sge = max_sge;
//     return ibv_create_srq(pd, &attr);
// }
//
// static uint64_t rdmarm_max_dm_size(struct ibv_context *ctx) {
//     struct ibv_device_attr_ex attr;
//     memset(&attr, 0, sizeof(attr));
//     if (ibv_query_device_ex(ctx, NULL, &attr)) {
//         return 0;
//     }
//     return attr.max_dm_size;
// }
//
// static struct ibv_device *rdmarm_device_at(struct ibv_device **list, int i) {
//     return list[i];
// }
import "C"

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// HardwareBackend implements Backend over libibverbs.
type HardwareBackend struct {
	contexts map[ContextHandle]*C.struct_ibv_context
	pds      map[PDHandle]*C.struct_ibv_pd
	cqs      map[CQHandle]*C.struct_ibv_cq
	srqs     map[SRQHandle]*C.struct_ibv_srq
	qps      map[QPHandle]*C.struct_ibv_qp
	mrs      map[MRHandle]*C.struct_ibv_mr
	dms      map[DMHandle]*C.struct_ibv_dm
	mu       sync.RWMutex
}

// NewHardwareBackend creates a libibverbs backend.
func NewHardwareBackend() *HardwareBackend {
	return &HardwareBackend{}
}

// NewBackend returns the backend for kind.
func NewBackend(kind string) (Backend, error) {
	switch kind {
	case BackendSimulated:
		return NewSimulatedBackend(), nil
	case BackendHardware:
		return NewHardwareBackend(), nil
	default:
		return nil, fmt.Errorf("unknown verbs backend %q", kind)
	}
}

func (b *HardwareBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.contexts = make(map[ContextHandle]*C.struct_ibv_context)
	b.pds = make(map[PDHandle]*C.struct_ibv_pd)
	b.cqs = make(map[CQHandle]*C.struct_ibv_cq)
	b.srqs = make(map[SRQHandle]*C.struct_ibv_srq)
	b.qps = make(map[QPHandle]*C.struct_ibv_qp)
	b.mrs = make(map[MRHandle]*C.struct_ibv_mr)
	b.dms = make(map[DMHandle]*C.struct_ibv_dm)

	return nil
}

// Close forgets every handle. Objects must already have been destroyed.
func (b *HardwareBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := len(b.qps) + len(b.cqs) + len(b.srqs) + len(b.mrs) + len(b.dms) + len(b.pds) + len(b.contexts)
	if live > 0 {
		log.Warn().Int("objects", live).Msg("Closing verbs backend with live objects")
	}

	return nil
}

func errnoOr(err error, fallback syscall.Errno) error {
	if err != nil {
		return err
	}

	return fallback
}

func (b *HardwareBackend) GetDeviceList() ([]DeviceInfo, error) {
	var n C.int

	list := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, fmt.Errorf("ibv_get_device_list: %w", syscall.ENODEV)
	}
	defer C.ibv_free_device_list(list)

	devices := make([]DeviceInfo, 0, int(n))

	for i := range int(n) {
		dev := C.rdmarm_device_at(list, C.int(i))
		devices = append(devices, DeviceInfo{
			Name:            C.GoString(C.ibv_get_device_name(dev)),
			GUID:            uint64(C.ibv_get_device_guid(dev)),
			NodeType:        int(dev.node_type),
			Transport:       int(dev.transport_type),
			VendorExtension: bool(C.mlx5dv_is_supported(dev)),
		})
	}

	return devices, nil
}

func (b *HardwareBackend) OpenDevice(name string) (ContextHandle, error) {
	var n C.int

	list := C.ibv_get_device_list(&n)
	if list == nil {
		return 0, fmt.Errorf("ibv_get_device_list: %w", syscall.ENODEV)
	}
	defer C.ibv_free_device_list(list)

	for i := range int(n) {
		dev := C.rdmarm_device_at(list, C.int(i))
		if C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}

		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, fmt.Errorf("ibv_open_device %s: %w", name, errnoOr(err, syscall.EIO))
		}

		h := ContextHandle(unsafe.Pointer(ctx))

		b.mu.Lock()
		b.contexts[h] = ctx
		b.mu.Unlock()

		return h, nil
	}

	return 0, fmt.Errorf("%s: %w", name, syscall.ENODEV)
}

func (b *HardwareBackend) CloseDevice(h ContextHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, ok := b.contexts[h]
	if !ok {
		return syscall.EINVAL
	}

	if rc := C.ibv_close_device(ctx); rc != 0 {
		return fmt.Errorf("ibv_close_device: %w", syscall.Errno(rc))
	}

	delete(b.contexts, h)

	return nil
}

func (b *HardwareBackend) context(h ContextHandle) (*C.struct_ibv_context, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ctx, ok := b.contexts[h]
	if !ok {
		return nil, syscall.EINVAL
	}

	return ctx, nil
}

func (b *HardwareBackend) QueryDevice(h ContextHandle) (*DeviceAttr, error) {
	ctx, err := b.context(h)
	if err != nil {
		return nil, err
	}

	var attr C.struct_ibv_device_attr
	if rc := C.ibv_query_device(ctx, &attr); rc != 0 {
		return nil, fmt.Errorf("ibv_query_device: %w", syscall.Errno(rc))
	}

	return &DeviceAttr{
		FWVer:       C.GoString(&attr.fw_ver[0]),
		MaxMRSize:   uint64(attr.max_mr_size),
		MaxDMSize:   uint64(C.rdmarm_max_dm_size(ctx)),
		MaxQP:       int(attr.max_qp),
		MaxQPWR:     int(attr.max_qp_wr),
		MaxSGE:      int(attr.max_sge),
		MaxCQ:       int(attr.max_cq),
		MaxCQE:      int(attr.max_cqe),
		MaxMR:       int(attr.max_mr),
		MaxPD:       int(attr.max_pd),
		MaxSRQ:      int(attr.max_srq),
		MaxSRQWR:    int(attr.max_srq_wr),
		MaxSRQSGE:   int(attr.max_srq_sge),
		PhysPortCnt: int(attr.phys_port_cnt),
		AtomicCap:   AtomicCap(attr.atomic_cap),
	}, nil
}

func (b *HardwareBackend) QueryPort(h ContextHandle, port uint8) (*PortAttr, error) {
	ctx, err := b.context(h)
	if err != nil {
		return nil, err
	}

	var attr C.struct_ibv_port_attr
	if rc := C.rdmarm_query_port(ctx, C.uint8_t(port), &attr); rc != 0 {
		return nil, fmt.Errorf("ibv_query_port %d: %w", port, syscall.Errno(rc))
	}

	linkLayer := "InfiniBand"
	if attr.link_layer == C.IBV_LINK_LAYER_ETHERNET {
		linkLayer = "Ethernet"
	}

	return &PortAttr{
		LinkLayer:   linkLayer,
		State:       PortState(attr.state),
		MaxMTU:      128 << uint(attr.max_mtu),
		ActiveMTU:   128 << uint(attr.active_mtu),
		GIDTableLen: int(attr.gid_tbl_len),
		LID:         uint16(attr.lid),
	}, nil
}

func (b *HardwareBackend) AllocPD(h ContextHandle) (PDHandle, error) {
	ctx, err := b.context(h)
	if err != nil {
		return 0, err
	}

	pd, cerr := C.ibv_alloc_pd(ctx)
	if pd == nil {
		return 0, fmt.Errorf("ibv_alloc_pd: %w", errnoOr(cerr, syscall.ENOMEM))
	}

	handle := PDHandle(unsafe.Pointer(pd))

	b.mu.Lock()
	b.pds[handle] = pd
	b.mu.Unlock()

	return handle, nil
}

func (b *HardwareBackend) DeallocPD(h PDHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pd, ok := b.pds[h]
	if !ok {
		return syscall.EINVAL
	}

	if rc := C.ibv_dealloc_pd(pd); rc != 0 {
		return fmt.Errorf("ibv_dealloc_pd: %w", syscall.Errno(rc))
	}

	delete(b.pds, h)

	return nil
}

func (b *HardwareBackend) pd(h PDHandle) (*C.struct_ibv_pd, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pd, ok := b.pds[h]
	if !ok {
		return nil, syscall.EINVAL
	}

	return pd, nil
}

func (b *HardwareBackend) CreateCQ(h ContextHandle, cqe int) (CQHandle, error) {
	ctx, err := b.context(h)
	if err != nil {
		return 0, err
	}

	cq, cerr := C.ibv_create_cq(ctx, C.int(cqe), nil, nil, 0)
	if cq == nil {
		return 0, fmt.Errorf("ibv_create_cq: %w", errnoOr(cerr, syscall.ENOMEM))
	}

	handle := CQHandle(unsafe.Pointer(cq))

	b.mu.Lock()
	b.cqs[handle] = cq
	b.mu.Unlock()

	return handle, nil
}

func (b *HardwareBackend) DestroyCQ(h CQHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cq, ok := b.cqs[h]
	if !ok {
		return syscall.EINVAL
	}

	if rc := C.ibv_destroy_cq(cq); rc != 0 {
		return fmt.Errorf("ibv_destroy_cq: %w", syscall.Errno(rc))
	}

	delete(b.cqs, h)

	return nil
}

func (b *HardwareBackend) CreateSRQ(h PDHandle, maxWR, maxSGE int) (SRQHandle, error) {
	pd, err := b.pd(h)
	if err != nil {
		return 0, err
	}

	srq, cerr := C.rdmarm_create_srq(pd, C.uint32_t(maxWR), C.uint32_t(maxSGE))
	if srq == nil {
		return 0, fmt.Errorf("ibv_create_srq: %w", errnoOr(cerr, syscall.ENOMEM))
	}

	handle := SRQHandle(unsafe.Pointer(srq))

	b.mu.Lock()
	b.srqs[handle] = srq
	b.mu.Unlock()

	return handle, nil
}

func (b *HardwareBackend) DestroySRQ(h SRQHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	srq, ok := b.srqs[h]
	if !ok {
		return syscall.EINVAL
	}

	if rc := C.ibv_destroy_srq(srq); rc != 0 {
		return fmt.Errorf("ibv_destroy_srq: %w", syscall.Errno(rc))
	}

	delete(b.srqs, h)

	return nil
}

func (b *HardwareBackend) CreateQP(h PDHandle, attr *QPInitAttr) (QPHandle, uint32, error) {
	pd, err := b.pd(h)
	if err != nil {
		return 0, 0, err
	}

	b.mu.RLock()
	sendCQ, okSend := b.cqs[attr.SendCQ]
	recvCQ, okRecv := b.cqs[attr.RecvCQ]
	srq, okSRQ := b.srqs[attr.SRQ]
	b.mu.RUnlock()

	if !okSend || !okRecv || (attr.SRQ != 0 && !okSRQ) {
		return 0, 0, syscall.EINVAL
	}

	var init C.struct_ibv_qp_init_attr
	init.send_cq = sendCQ
	init.recv_cq = recvCQ
	init.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	init.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSGE)
	init.cap.max_inline_data = C.uint32_t(attr.Cap.MaxInlineData)

	if attr.SRQ != 0 {
		init.srq = srq
	} else {
		init.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
		init.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSGE)
	}

	switch attr.Type {
	case QPTypeUC:
		init.qp_type = C.IBV_QPT_UC
	case QPTypeUD:
		init.qp_type = C.IBV_QPT_UD
	default:
		init.qp_type = C.IBV_QPT_RC
	}

	if attr.SignalAll {
		init.sq_sig_all = 1
	}

	qp, cerr := C.ibv_create_qp(pd, &init)
	if qp == nil {
		return 0, 0, fmt.Errorf("ibv_create_qp: %w", errnoOr(cerr, syscall.ENOMEM))
	}

	handle := QPHandle(unsafe.Pointer(qp))

	b.mu.Lock()
	b.qps[handle] = qp
	b.mu.Unlock()

	return handle, uint32(qp.qp_num), nil
}

func (b *HardwareBackend) DestroyQP(h QPHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	qp, ok := b.qps[h]
	if !ok {
		return syscall.EINVAL
	}

	if rc := C.ibv_destroy_qp(qp); rc != 0 {
		return fmt.Errorf("ibv_destroy_qp: %w", syscall.Errno(rc))
	}

	delete(b.qps, h)

	return nil
}

func accessFlags(access Access) C.int {
	var flags C.int

	if access&AccessLocalWrite != 0 {
		flags |= C.IBV_ACCESS_LOCAL_WRITE
	}

	if access&AccessRemoteWrite != 0 {
		flags |= C.IBV_ACCESS_REMOTE_WRITE
	}

	if access&AccessRemoteRead != 0 {
		flags |= C.IBV_ACCESS_REMOTE_READ
	}

	if access&AccessRemoteAtomic != 0 {
		flags |= C.IBV_ACCESS_REMOTE_ATOMIC
	}

	return flags
}

func (b *HardwareBackend) addMR(mr *C.struct_ibv_mr) (MRHandle, MRKeys) {
	handle := MRHandle(unsafe.Pointer(mr))

	b.mu.Lock()
	b.mrs[handle] = mr
	b.mu.Unlock()

	return handle, MRKeys{LKey: uint32(mr.lkey), RKey: uint32(mr.rkey)}
}

// RegMR registers memory that is not managed by the Go heap; callers pass
// addresses of mmap'd buffers.
func (b *HardwareBackend) RegMR(h PDHandle, addr uintptr, length int, access Access) (MRHandle, MRKeys, error) {
	pd, err := b.pd(h)
	if err != nil {
		return 0, MRKeys{}, err
	}

	mr, cerr := C.rdmarm_reg_mr(pd, unsafe.Pointer(addr), C.size_t(length), accessFlags(access)) //nolint:govet // mmap'd memory
	if mr == nil {
		return 0, MRKeys{}, fmt.Errorf("ibv_reg_mr: %w", errnoOr(cerr, syscall.EINVAL))
	}

	handle, keys := b.addMR(mr)

	return handle, keys, nil
}

func (b *HardwareBackend) DeregMR(h MRHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mr, ok := b.mrs[h]
	if !ok {
		return syscall.EINVAL
	}

	if rc := C.ibv_dereg_mr(mr); rc != 0 {
		return fmt.Errorf("ibv_dereg_mr: %w", syscall.Errno(rc))
	}

	delete(b.mrs, h)

	return nil
}

func (b *HardwareBackend) AllocDM(h ContextHandle, length int) (DMHandle, error) {
	ctx, err := b.context(h)
	if err != nil {
		return 0, err
	}

	dm, cerr := C.rdmarm_alloc_dm(ctx, C.size_t(length))
	if dm == nil {
		return 0, fmt.Errorf("ibv_alloc_dm: %w", errnoOr(cerr, syscall.ENOMEM))
	}

	handle := DMHandle(unsafe.Pointer(dm))

	b.mu.Lock()
	b.dms[handle] = dm
	b.mu.Unlock()

	return handle, nil
}

func (b *HardwareBackend) RegDMMR(h PDHandle, dmh DMHandle, length int, access Access) (MRHandle, MRKeys, error) {
	pd, err := b.pd(h)
	if err != nil {
		return 0, MRKeys{}, err
	}

	b.mu.RLock()
	dm, ok := b.dms[dmh]
	b.mu.RUnlock()

	if !ok {
		return 0, MRKeys{}, syscall.EINVAL
	}

	mr, cerr := C.rdmarm_reg_dm_mr(pd, dm, C.size_t(length), C.uint(accessFlags(access)))
	if mr == nil {
		return 0, MRKeys{}, fmt.Errorf("ibv_reg_dm_mr: %w", errnoOr(cerr, syscall.EINVAL))
	}

	handle, keys := b.addMR(mr)

	return handle, keys, nil
}

func (b *HardwareBackend) FreeDM(h DMHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dm, ok := b.dms[h]
	if !ok {
		return syscall.EINVAL
	}

	if rc := C.rdmarm_free_dm(dm); rc != 0 {
		return fmt.Errorf("ibv_free_dm: %w", syscall.Errno(rc))
	}

	delete(b.dms, h)

	return nil
}

func (b *HardwareBackend) GetMetrics() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"simulated": false,
		"contexts":  len(b.contexts),
		"pds":       len(b.pds),
		"cqs":       len(b.cqs),
		"srqs":      len(b.srqs),
		"qps":       len(b.qps),
		"mrs":       len(b.mrs),
		"dms":       len(b.dms),
	}
}
