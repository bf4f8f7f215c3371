package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmarm/internal/metrics"
)

// Acquire outcomes reported to metrics.
const (
	AcquireReused  = "reused"
	AcquireCreated = "created"
	AcquireFailed  = "failed"
)

const noSlot int32 = -1

const idlePollInterval = 10 * time.Millisecond

// QP is a handle to a queue pair owned by a ResourcePool. The generation
// makes handles to retired or drained queue pairs detectable.
type QP struct {
	index uint32
	gen   uint32
}

// Index returns the arena slot of the queue pair.
func (q QP) Index() uint32 { return q.index }

func (q QP) String() string {
	return fmt.Sprintf("qp#%d.%d", q.index, q.gen)
}

// PoolConfig holds the attributes used for every queue pair the pool creates.
type PoolConfig struct {
	Cap        QPCap
	MaxClasses int
	CQEntries  int
	Type       QPType
}

// DefaultPoolConfig returns 256 work requests each way, one scatter-gather
// entry, 64 bytes of inline data, 256-entry CQs and 100 classes.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Cap: QPCap{
			MaxSendWR:     256,
			MaxRecvWR:     256,
			MaxSendSGE:    1,
			MaxRecvSGE:    1,
			MaxInlineData: 64,
		},
		MaxClasses: 100,
		CQEntries:  256,
		Type:       QPTypeRC,
	}
}

// QPInfo describes a live queue pair.
type QPInfo struct {
	Handle   QPHandle  `json:"-" yaml:"-"`
	CQ       CQHandle  `json:"-" yaml:"-"`
	SRQ      SRQHandle `json:"-" yaml:"-"`
	ClassKey uint64    `json:"class_key" yaml:"class_key"`
	QPNum    uint32    `json:"qp_num" yaml:"qp_num"`
	ClassID  int       `json:"class_id" yaml:"class_id"`
	InUse    bool      `json:"in_use" yaml:"in_use"`
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	FreeByClass map[uint64]int `json:"free_by_class" yaml:"free_by_class"`
	LiveQPs     int            `json:"live_qps" yaml:"live_qps"`
	InUseQPs    int            `json:"in_use_qps" yaml:"in_use_qps"`
	FreeQPs     int            `json:"free_qps" yaml:"free_qps"`
	CQs         int            `json:"cqs" yaml:"cqs"`
	SRQs        int            `json:"srqs" yaml:"srqs"`
	Classes     int            `json:"classes" yaml:"classes"`
	Drained     bool           `json:"drained" yaml:"drained"`
}

type qpRecord struct {
	handle  QPHandle
	cq      CQHandle
	srq     SRQHandle
	qpNum   uint32
	gen     uint32
	classID int32
	next    int32
	live    bool
}

// ResourcePool owns every CQ, SRQ and QP created under a protection domain.
// Queue pairs are allocated per class: a released queue pair goes onto the
// head of its class free list and is handed out again, LIFO, to the next
// Acquire of the same class key.
//
// Acquire, Release, Retire and Drain are serialized by an internal mutex.
// Drain must not run while data-plane users are still acquiring.
type ResourcePool struct {
	backend Backend
	inUse   *roaring.Bitmap

	classIDs  map[uint64]int32
	cqs       map[CQHandle]struct{}
	srqs      map[SRQHandle]int
	classKeys []uint64
	freeHeads []int32
	freeCount []int
	arena     []qpRecord
	vacant    []uint32

	cfg      PoolConfig
	ctx      ContextHandle
	pd       PDHandle
	liveQPs  int
	inUseQPs int
	freeQPs  int
	mu       sync.Mutex
	drained  bool
}

// NewResourcePool creates an empty pool for pd.
func NewResourcePool(backend Backend, ctx ContextHandle, pd PDHandle, cfg PoolConfig) *ResourcePool {
	if cfg.MaxClasses <= 0 {
		cfg.MaxClasses = DefaultPoolConfig().MaxClasses
	}

	if cfg.CQEntries <= 0 {
		cfg.CQEntries = DefaultPoolConfig().CQEntries
	}

	return &ResourcePool{
		backend:  backend,
		ctx:      ctx,
		pd:       pd,
		cfg:      cfg,
		inUse:    roaring.New(),
		classIDs: make(map[uint64]int32),
		cqs:      make(map[CQHandle]struct{}),
		srqs:     make(map[SRQHandle]int),
	}
}

// CreateSRQ creates a shared receive queue owned by the pool.
func (p *ResourcePool) CreateSRQ(maxWR, maxSGE int) (SRQHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.drained {
		return 0, ErrPoolDrained
	}

	srq, err := p.backend.CreateSRQ(p.pd, maxWR, maxSGE)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSRQCreationFailed, err)
	}

	p.srqs[srq] = 0
	p.publishLocked()

	log.Debug().Uint64("srq", uint64(srq)).Int("max_wr", maxWR).Int("max_sge", maxSGE).Msg("Created SRQ")

	return srq, nil
}

// DestroySRQ destroys srq. It fails with ErrResourceInUse while any queue
// pair is bound to it.
func (p *ResourcePool) DestroySRQ(srq SRQHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	bound, ok := p.srqs[srq]
	if !ok {
		return fmt.Errorf("%w: srq %d not owned by pool", ErrInvalidIndex, srq)
	}

	if bound > 0 {
		return fmt.Errorf("%w: srq %d has %d bound queue pairs", ErrResourceInUse, srq, bound)
	}

	if err := p.backend.DestroySRQ(srq); err != nil {
		return fmt.Errorf("destroy srq %d: %w", srq, err)
	}

	delete(p.srqs, srq)
	p.publishLocked()

	log.Debug().Uint64("srq", uint64(srq)).Msg("Destroyed SRQ")

	return nil
}

// addClassLocked registers key under the next sequential class id.
func (p *ResourcePool) addClassLocked(key uint64) {
	p.classIDs[key] = int32(len(p.classKeys)) //nolint:gosec // G115: bounded by MaxClasses
	p.classKeys = append(p.classKeys, key)
	p.freeHeads = append(p.freeHeads, noSlot)
	p.freeCount = append(p.freeCount, 0)
}

// Acquire returns a queue pair of class classKey. The most recently released
// queue pair of the class is reused when there is one; otherwise a new CQ and
// QP are created, the QP bound to srq when srq is non-zero. A reused queue
// pair keeps the SRQ binding it was created with.
//
// An unseen class key gets the next class id only once its first queue pair
// has been created, so failed acquisitions do not count against MaxClasses.
func (p *ResourcePool) Acquire(classKey uint64, srq SRQHandle) (QP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.drained {
		return QP{}, ErrPoolDrained
	}

	classID, known := p.classIDs[classKey]
	if !known {
		if len(p.classKeys) >= p.cfg.MaxClasses {
			metrics.RecordQPAcquire(AcquireFailed)
			return QP{}, fmt.Errorf("%w: class limit %d reached", ErrInvalidIndex, p.cfg.MaxClasses)
		}

		classID = int32(len(p.classKeys)) //nolint:gosec // G115: bounded by MaxClasses
	} else if head := p.freeHeads[classID]; head != noSlot {
		rec := &p.arena[head]
		p.freeHeads[classID] = rec.next
		p.freeCount[classID]--
		rec.next = noSlot
		p.inUse.Add(uint32(head))
		p.inUseQPs++
		p.freeQPs--

		metrics.RecordQPAcquire(AcquireReused)
		p.publishLocked()

		return QP{index: uint32(head), gen: rec.gen}, nil
	}

	q, err := p.createLocked(classID, classKey, srq)
	if err != nil {
		metrics.RecordQPAcquire(AcquireFailed)
		return QP{}, err
	}

	if !known {
		p.addClassLocked(classKey)
	}

	metrics.RecordQPAcquire(AcquireCreated)
	p.publishLocked()

	return q, nil
}

func (p *ResourcePool) createLocked(classID int32, classKey uint64, srq SRQHandle) (QP, error) {
	if srq != 0 {
		if _, ok := p.srqs[srq]; !ok {
			return QP{}, fmt.Errorf("%w: srq %d not owned by pool", ErrQPCreationFailed, srq)
		}
	}

	cq, err := p.backend.CreateCQ(p.ctx, p.cfg.CQEntries)
	if err != nil {
		return QP{}, fmt.Errorf("%w: %w", ErrCQCreationFailed, err)
	}

	handle, qpNum, err := p.backend.CreateQP(p.pd, &QPInitAttr{
		SendCQ:    cq,
		RecvCQ:    cq,
		SRQ:       srq,
		Type:      p.cfg.Type,
		Cap:       p.cfg.Cap,
		SignalAll: true,
	})
	if err != nil {
		if derr := p.backend.DestroyCQ(cq); derr != nil {
			// Keep the CQ owned so Drain can retry.
			p.cqs[cq] = struct{}{}

			log.Error().Err(derr).Uint64("cq", uint64(cq)).Msg("Failed to destroy CQ after QP creation failure")
		}

		return QP{}, fmt.Errorf("%w: %w", ErrQPCreationFailed, err)
	}

	var index uint32

	if n := len(p.vacant); n > 0 {
		index = p.vacant[n-1]
		p.vacant = p.vacant[:n-1]
	} else {
		index = uint32(len(p.arena)) //nolint:gosec // G115: arena bounded by device QP limit
		p.arena = append(p.arena, qpRecord{})
	}

	rec := &p.arena[index]
	rec.handle = handle
	rec.cq = cq
	rec.srq = srq
	rec.qpNum = qpNum
	rec.classID = classID
	rec.next = noSlot
	rec.live = true

	p.cqs[cq] = struct{}{}
	if srq != 0 {
		p.srqs[srq]++
	}

	p.inUse.Add(index)
	p.liveQPs++
	p.inUseQPs++

	log.Debug().
		Uint32("qp_num", qpNum).
		Uint64("class_key", classKey).
		Uint64("srq", uint64(srq)).
		Msg("Created queue pair")

	return QP{index: index, gen: rec.gen}, nil
}

// recordLocked resolves q to its live arena record.
func (p *ResourcePool) recordLocked(q QP) (*qpRecord, error) {
	if int(q.index) >= len(p.arena) {
		return nil, fmt.Errorf("%w: %s out of range", ErrInvalidIndex, q)
	}

	rec := &p.arena[q.index]
	if !rec.live || rec.gen != q.gen {
		return nil, fmt.Errorf("%w: %s is stale", ErrInvalidIndex, q)
	}

	return rec, nil
}

// Release returns q to the free list of its class. Releasing a queue pair
// that is not in use fails with ErrInvalidIndex.
func (p *ResourcePool) Release(q QP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.recordLocked(q)
	if err != nil {
		return err
	}

	if !p.inUse.Contains(q.index) {
		return fmt.Errorf("%w: %s already released", ErrInvalidIndex, q)
	}

	p.inUse.Remove(q.index)
	p.inUseQPs--
	p.freeQPs++
	rec.next = p.freeHeads[rec.classID]
	p.freeHeads[rec.classID] = int32(q.index) //nolint:gosec // G115: arena index fits int32
	p.freeCount[rec.classID]++

	metrics.RecordQPRelease()
	p.publishLocked()

	return nil
}

// Retire destroys an in-use queue pair and its CQ instead of recycling it.
// Handles to it become stale.
func (p *ResourcePool) Retire(q QP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.recordLocked(q)
	if err != nil {
		return err
	}

	if !p.inUse.Contains(q.index) {
		return fmt.Errorf("%w: %s is not in use", ErrInvalidIndex, q)
	}

	if err := p.destroyRecordLocked(q.index, rec); err != nil {
		return err
	}

	if _, ok := p.cqs[rec.cq]; ok {
		if err := p.backend.DestroyCQ(rec.cq); err != nil {
			log.Warn().Err(err).Uint64("cq", uint64(rec.cq)).Msg("Failed to destroy CQ of retired queue pair")
		} else {
			delete(p.cqs, rec.cq)
		}
	}

	metrics.RecordQPRetire()
	p.publishLocked()

	return nil
}

// destroyRecordLocked destroys the hardware QP of rec and tombstones its slot.
// The CQ stays in the pool's CQ set. Free list links are not repaired here;
// Drain rebuilds the lists afterwards.
func (p *ResourcePool) destroyRecordLocked(index uint32, rec *qpRecord) error {
	if err := p.backend.DestroyQP(rec.handle); err != nil {
		return fmt.Errorf("destroy qp %d: %w", rec.qpNum, err)
	}

	if rec.srq != 0 {
		p.srqs[rec.srq]--
	}

	log.Debug().Uint32("qp_num", rec.qpNum).Msg("Destroyed queue pair")

	if p.inUse.Contains(index) {
		p.inUse.Remove(index)
		p.inUseQPs--
	} else {
		p.freeQPs--
	}

	p.liveQPs--
	rec.live = false
	rec.handle = 0
	rec.next = noSlot
	rec.gen++
	p.vacant = append(p.vacant, index)

	return nil
}

// Drain destroys every QP, then every CQ, then every SRQ. After Drain the pool
// refuses new allocations. Objects that fail to be destroyed stay owned and
// are retried by the next call; a call on an empty pool is a no-op.
func (p *ResourcePool) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drained = true

	free := make([][]int32, len(p.freeHeads))
	for id, head := range p.freeHeads {
		for i := head; i != noSlot; i = p.arena[i].next {
			free[id] = append(free[id], i)
		}
	}

	var errs []error

	for i := range p.arena {
		rec := &p.arena[i]
		if !rec.live {
			continue
		}

		if err := p.destroyRecordLocked(uint32(i), rec); err != nil { //nolint:gosec // G115: arena index
			errs = append(errs, err)
		}
	}

	for cq := range p.cqs {
		if err := p.backend.DestroyCQ(cq); err != nil {
			errs = append(errs, fmt.Errorf("destroy cq %d: %w", cq, err))
			continue
		}

		delete(p.cqs, cq)
	}

	for srq := range p.srqs {
		if err := p.backend.DestroySRQ(srq); err != nil {
			errs = append(errs, fmt.Errorf("destroy srq %d: %w", srq, err))
			continue
		}

		delete(p.srqs, srq)
	}

	// Queue pairs that survived stay on their free list in the same order.
	for id, members := range free {
		p.freeHeads[id] = noSlot
		p.freeCount[id] = 0

		for k := len(members) - 1; k >= 0; k-- {
			i := members[k]

			rec := &p.arena[i]
			if !rec.live {
				continue
			}

			rec.next = p.freeHeads[id]
			p.freeHeads[id] = i
			p.freeCount[id]++
		}
	}

	p.publishLocked()

	return errors.Join(errs...)
}

// Info returns the attributes of a live queue pair.
func (p *ResourcePool) Info(q QP) (QPInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.recordLocked(q)
	if err != nil {
		return QPInfo{}, err
	}

	return QPInfo{
		Handle:   rec.handle,
		CQ:       rec.cq,
		SRQ:      rec.srq,
		ClassKey: p.classKeys[rec.classID],
		QPNum:    rec.qpNum,
		ClassID:  int(rec.classID),
		InUse:    p.inUse.Contains(q.index),
	}, nil
}

// FreeList returns the queue pairs on the free list of classKey, head first.
func (p *ResourcePool) FreeList(classKey uint64) []QP {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.classIDs[classKey]
	if !ok {
		return nil
	}

	var out []QP
	for i := p.freeHeads[id]; i != noSlot; i = p.arena[i].next {
		out = append(out, QP{index: uint32(i), gen: p.arena[i].gen})
	}

	return out
}

// Stats returns a snapshot of the pool.
func (p *ResourcePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.statsLocked()
}

// InUse returns the number of queue pairs currently handed out.
func (p *ResourcePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inUseQPs
}

// WaitIdle blocks until no queue pair is in use or ctx is done.
func (p *ResourcePool) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		if p.InUse() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d queue pairs still in use", ctx.Err(), p.InUse())
		case <-ticker.C:
		}
	}
}

func (p *ResourcePool) statsLocked() PoolStats {
	s := PoolStats{
		FreeByClass: make(map[uint64]int, len(p.classKeys)),
		LiveQPs:     p.liveQPs,
		InUseQPs:    p.inUseQPs,
		FreeQPs:     p.freeQPs,
		CQs:         len(p.cqs),
		SRQs:        len(p.srqs),
		Classes:     len(p.classKeys),
		Drained:     p.drained,
	}

	for id, key := range p.classKeys {
		s.FreeByClass[key] = p.freeCount[id]
	}

	return s
}

// publishLocked pushes the running counters to the pool gauges. It must stay
// O(1): it runs on every Acquire and Release.
func (p *ResourcePool) publishLocked() {
	metrics.SetPoolStats(p.liveQPs, p.inUseQPs, p.freeQPs, len(p.cqs), len(p.srqs), len(p.classKeys))
}
