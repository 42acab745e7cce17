package bufferpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luoxiafeng-1990/display/bufferpool/alloc"
)

// ExternalDesc describes one caller-owned buffer for NewExternalSimple.
// The pool neither allocates nor frees this memory.
type ExternalDesc struct {
	Virt  []byte
	Phys  uint64
	DMAFD int // -1 if not shareable
}

// PoolStats is a point-in-time snapshot of a pool's queue occupancy.
// Free+Filled+Held must always equal Total (the invariant exercised by
// the package tests).
type PoolStats struct {
	Free      int
	Filled    int
	Held      int
	Total     int
	Transient int
}

// Pool is the multi-producer/single-consumer buffer scheduler. A
// buffer always lives in exactly one of: the free queue, the filled
// queue, or "held" (checked out by a producer or consumer, not in
// either queue). Pool is safe for concurrent use by multiple producer
// goroutines and one consumer goroutine (or more; the contract does
// not require a single consumer, only that the intended usage is one).
type Pool struct {
	mu         sync.Mutex
	freeCond   *sync.Cond
	filledCond *sync.Cond

	buffers []Buffer // stable arena; never reallocated after construction
	byID    map[uint32]*Buffer
	free    []*Buffer
	filled  []*Buffer
	held    int

	transientMu sync.Mutex
	transient   map[*Buffer]*Handle

	livenessByID map[uint32]*atomic.Bool

	allocator alloc.Allocator
	name      string
	category  string
	registryID uint64

	dynamic     bool
	maxCapacity int
	nextID      atomic.Uint32
}

// NewOwned builds a pool of count buffers of size bytes each, backed
// by the pool's own allocator. If useContiguous is true the allocator
// is the DMA-heap-backed Contiguous strategy; otherwise it is Normal.
// All buffers start in the free queue.
func NewOwned(count, size int, useContiguous bool, name, category string) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, ErrInvalidSize
	}

	var allocator alloc.Allocator
	if useContiguous {
		allocator = alloc.NewContiguous()
	} else {
		allocator = alloc.NewNormal()
	}

	p := newEmptyPool(name, category, allocator, false, 0)
	p.buffers = make([]Buffer, count)
	for i := 0; i < count; i++ {
		virt, phys, err := allocator.Allocate(size)
		if err != nil {
			if useContiguous {
				slog.Warn("bufferpool: contiguous allocation failed, falling back to normal",
					"pool", name, "index", i, "err", err)
				allocator = alloc.NewNormal()
				p.allocator = allocator
				virt, phys, err = allocator.Allocate(size)
			}
			if err != nil {
				p.releaseAllocated(i)
				return nil, fmt.Errorf("bufferpool: allocate buffer %d: %w", i, err)
			}
		}
		id := p.nextID.Add(1) - 1
		p.buffers[i] = *newBuffer(id, virt, phys, -1, OwnershipOwned)
		b := &p.buffers[i]
		p.byID[id] = b
		p.free = append(p.free, b)
	}
	return p, nil
}

func (p *Pool) releaseAllocated(n int) {
	for i := 0; i < n; i++ {
		p.allocator.Deallocate(p.buffers[i].virt)
	}
}

// NewExternalSimple wraps caller-owned memory with no liveness
// tracking: the pool trusts descs to remain valid for its own
// lifetime.
func NewExternalSimple(descs []ExternalDesc, name, category string) (*Pool, error) {
	if len(descs) == 0 {
		return nil, ErrEmptyExternalSet
	}
	p := newEmptyPool(name, category, alloc.NewExternal(), false, 0)
	p.buffers = make([]Buffer, len(descs))
	for i, d := range descs {
		id := p.nextID.Add(1) - 1
		dmaFD := d.DMAFD
		if dmaFD == 0 {
			dmaFD = -1
		}
		p.buffers[i] = *newBuffer(id, d.Virt, d.Phys, dmaFD, OwnershipExternal)
		b := &p.buffers[i]
		p.byID[id] = b
		p.free = append(p.free, b)
	}
	return p, nil
}

// NewExternalTracked wraps caller-owned memory exposed through Handle,
// so the pool can observe each handle's liveness token and evict a
// buffer whose owner has already torn it down (see Sweep).
func NewExternalTracked(handles []*Handle, name, category string) (*Pool, error) {
	if len(handles) == 0 {
		return nil, ErrEmptyExternalSet
	}
	p := newEmptyPool(name, category, alloc.NewExternal(), false, 0)
	p.buffers = make([]Buffer, len(handles))
	for i, h := range handles {
		id := p.nextID.Add(1) - 1
		p.buffers[i] = *newBuffer(id, h.VirtAddr(), h.PhysAddr(), -1, OwnershipExternal)
		b := &p.buffers[i]
		p.byID[id] = b
		p.free = append(p.free, b)
		p.livenessByID[id] = h.LivenessToken()
	}
	return p, nil
}

// NewDynamic builds an empty pool whose buffers arrive only through
// InjectFilledBuffer, up to maxCapacity concurrently tracked buffers
// (0 means unbounded). Each injected buffer is a separately
// heap-allocated *Buffer, since the arena's fixed size cannot be known
// upfront.
func NewDynamic(name, category string, maxCapacity int) *Pool {
	return newEmptyPool(name, category, alloc.NewExternal(), true, maxCapacity)
}

func newEmptyPool(name, category string, allocator alloc.Allocator, dynamic bool, maxCapacity int) *Pool {
	p := &Pool{
		byID:         make(map[uint32]*Buffer),
		transient:    make(map[*Buffer]*Handle),
		livenessByID: make(map[uint32]*atomic.Bool),
		allocator:    allocator,
		name:         name,
		category:     category,
		dynamic:      dynamic,
		maxCapacity:  maxCapacity,
	}
	p.freeCond = sync.NewCond(&p.mu)
	p.filledCond = sync.NewCond(&p.mu)
	return p
}

// Name returns the pool's diagnostic name.
func (p *Pool) Name() string { return p.name }

// Category returns the pool's diagnostic category (e.g. "decode",
// "display").
func (p *Pool) Category() string { return p.category }

// RegistryID returns the ID this pool was registered under, or 0 if
// it was never registered.
func (p *Pool) RegistryID() uint64 { return p.registryID }

// SetRegistryID is called by bufferpool/registry at registration time.
func (p *Pool) SetRegistryID(id uint64) { p.registryID = id }

// AcquireFree removes a buffer from the free queue, marks it
// LockedByProducer, and returns it. If blocking is false it returns
// nil immediately when the queue is empty. If blocking is true it
// waits up to timeout (or forever if timeout<=0) for a buffer to
// become free, or until ctx is done, whichever comes first.
func (p *Pool) AcquireFree(ctx context.Context, blocking bool, timeout time.Duration) *Buffer {
	return p.acquire(ctx, blocking, timeout, p.freeCond, &p.free)
}

// AcquireFilled removes a buffer from the filled queue, marks it
// LockedByConsumer, and returns it, with the same blocking semantics
// as AcquireFree.
func (p *Pool) AcquireFilled(ctx context.Context, blocking bool, timeout time.Duration) *Buffer {
	return p.acquire(ctx, blocking, timeout, p.filledCond, &p.filled)
}

func (p *Pool) acquire(ctx context.Context, blocking bool, timeout time.Duration, cond *sync.Cond, queue *[]*Buffer) *Buffer {
	for {
		p.mu.Lock()

		if len(*queue) == 0 {
			if !blocking {
				p.mu.Unlock()
				return nil
			}
			if !p.waitLocked(ctx, timeout, cond, queue) {
				p.mu.Unlock()
				return nil
			}
		}
		if len(*queue) == 0 {
			p.mu.Unlock()
			return nil
		}

		b := (*queue)[0]
		*queue = (*queue)[1:]

		if !p.validateLocked(b) {
			// A dead liveness token means the owner tore the handle down
			// behind the pool's back; evict it outright rather than hand
			// it to a producer/consumer, per spec.md §4.3's tie-break
			// ("the buffer is eligible for eviction by a sweep"). A
			// content-validator failure, by contrast, is re-enqueued at
			// tail so a later revalidation can still succeed.
			if p.deadLocked(b) {
				handle := p.unregisterLocked(b)
				p.mu.Unlock()
				if handle != nil {
					handle.Close()
				}
				continue
			}
			*queue = append(*queue, b)
			p.mu.Unlock()
			return nil
		}

		p.held++
		if queue == &p.free {
			b.addRef(1)
			b.setState(StateLockedByProducer)
		} else {
			b.setState(StateLockedByConsumer)
		}
		p.mu.Unlock()
		return b
	}
}

// validateLocked reports whether buf still belongs to this pool and, if
// it is liveness-tracked, whether its handle is still alive, and its
// content validator (if any) passes. p.mu must be held.
func (p *Pool) validateLocked(buf *Buffer) bool {
	if buf == nil {
		return false
	}
	if got, ok := p.byID[buf.ID()]; !ok || got != buf {
		return false
	}
	if p.deadLocked(buf) {
		return false
	}
	return buf.Validate()
}

// deadLocked reports whether buf is liveness-tracked and its token has
// gone dead. A buffer with no tracked token is never dead. p.mu must be
// held.
func (p *Pool) deadLocked(buf *Buffer) bool {
	token, tracked := p.livenessByID[buf.ID()]
	return tracked && !token.Load()
}

// unregisterLocked removes buf from the pool's id and liveness indexes
// and, if it was a transient injected buffer, returns its handle for
// the caller to Close once p.mu is released. p.mu must be held.
func (p *Pool) unregisterLocked(buf *Buffer) *Handle {
	delete(p.byID, buf.ID())
	delete(p.livenessByID, buf.ID())

	p.transientMu.Lock()
	handle, isTransient := p.transient[buf]
	if isTransient {
		delete(p.transient, buf)
	}
	p.transientMu.Unlock()
	return handle
}

// waitLocked blocks on cond (p.mu already held) until queue is
// non-empty, ctx is done, or timeout elapses. It returns false if the
// wait ended without an item becoming available.
func (p *Pool) waitLocked(ctx context.Context, timeout time.Duration, cond *sync.Cond, queue *[]*Buffer) bool {
	done := make(chan struct{})
	var timedOut atomic.Bool

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			timerC = timer.C
			defer timer.Stop()
		}
		select {
		case <-ctx.Done():
		case <-timerC:
			timedOut.Store(true)
		case <-stop:
			return
		}
		p.mu.Lock()
		cond.Broadcast()
		p.mu.Unlock()
		close(done)
	}()

	for len(*queue) == 0 {
		select {
		case <-done:
			return len(*queue) > 0
		default:
		}
		if ctx.Err() != nil || timedOut.Load() {
			return len(*queue) > 0
		}
		cond.Wait()
	}
	return true
}

// AbandonFree returns buf, currently LockedByProducer, directly to the
// free queue without ever becoming ReadyForConsume. Producers call
// this when a fill attempt failed and the buffer's content must not
// reach the consumer.
func (p *Pool) AbandonFree(buf *Buffer) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf.State() != StateLockedByProducer {
		slog.Warn("bufferpool: AbandonFree on buffer not locked by producer",
			"pool", p.name, "buffer", buf.ID(), "state", buf.State())
		return
	}
	buf.setState(StateIdle)
	buf.addRef(-1)
	p.held--
	p.free = append(p.free, buf)
	p.freeCond.Signal()
}

// SubmitFilled moves buf from LockedByProducer to the filled queue,
// marking it ReadyForConsume, and wakes one waiting consumer.
func (p *Pool) SubmitFilled(buf *Buffer) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf.State() != StateLockedByProducer {
		slog.Warn("bufferpool: SubmitFilled on buffer not locked by producer",
			"pool", p.name, "buffer", buf.ID(), "state", buf.State())
		return
	}
	buf.setState(StateReadyForConsume)
	p.filled = append(p.filled, buf)
	p.held--
	p.filledCond.Signal()
}

// ReleaseFilled returns buf from LockedByConsumer to the free queue,
// marking it Idle, and wakes one waiting producer. Transient buffers
// (see InjectFilledBuffer) are not returned to the free queue; instead
// their handle is closed and they are removed from the pool entirely,
// since their memory does not belong to this pool's allocator.
func (p *Pool) ReleaseFilled(buf *Buffer) {
	if buf == nil {
		return
	}

	p.mu.Lock()
	if buf.State() != StateLockedByConsumer {
		slog.Warn("bufferpool: ReleaseFilled on buffer not locked by consumer",
			"pool", p.name, "buffer", buf.ID(), "state", buf.State())
		p.mu.Unlock()
		return
	}
	p.held--
	p.transientMu.Lock()
	handle, isTransient := p.transient[buf]
	if isTransient {
		delete(p.transient, buf)
	}
	p.transientMu.Unlock()
	if isTransient {
		delete(p.byID, buf.ID())
		delete(p.livenessByID, buf.ID())
	} else {
		buf.setState(StateIdle)
		buf.addRef(-1)
		p.free = append(p.free, buf)
		p.freeCond.Signal()
	}
	p.mu.Unlock()

	if isTransient && handle != nil {
		handle.Close()
	}
}

// InjectFilledBuffer adds an externally-decoded, already-filled buffer
// to the pool without going through AcquireFree/SubmitFilled. The
// handle's memory is adopted as a transient member: when the consumer
// releases it (ReleaseFilled), the handle is closed rather than the
// buffer being recycled into the free queue. Returns ErrCapacityExceeded
// if the pool has a maxCapacity and is already at it.
func (p *Pool) InjectFilledBuffer(h *Handle) (*Buffer, error) {
	if h == nil {
		return nil, fmt.Errorf("bufferpool: nil handle")
	}

	p.mu.Lock()
	if p.maxCapacity > 0 && len(p.byID) >= p.maxCapacity {
		p.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	id := p.nextID.Add(1) - 1
	b := newBuffer(id, h.VirtAddr(), h.PhysAddr(), -1, OwnershipExternal)
	b.setState(StateReadyForConsume)
	p.byID[id] = b
	p.livenessByID[id] = h.LivenessToken()
	p.transientMu.Lock()
	p.transient[b] = h
	p.transientMu.Unlock()
	p.filled = append(p.filled, b)
	p.filledCond.Signal()
	p.mu.Unlock()

	return b, nil
}

// EjectBuffer removes buf from the pool immediately, wherever it is
// (free or filled queue), closing its handle if it was a transient
// member. It reports false if buf does not belong to this pool or is
// currently held by a producer/consumer.
func (p *Pool) EjectBuffer(buf *Buffer) bool {
	if buf == nil {
		return false
	}

	p.mu.Lock()
	if _, ok := p.byID[buf.ID()]; !ok {
		p.mu.Unlock()
		return false
	}
	removed := removeFromQueue(&p.free, buf) || removeFromQueue(&p.filled, buf)
	if !removed {
		p.mu.Unlock()
		return false
	}
	handle := p.unregisterLocked(buf)
	p.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	return true
}

func removeFromQueue(queue *[]*Buffer, buf *Buffer) bool {
	for i, b := range *queue {
		if b == buf {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return true
		}
	}
	return false
}

// GetBufferByID returns the buffer with the given ID, or nil if it is
// not a member of this pool (evicted, never injected, or out of
// range).
func (p *Pool) GetBufferByID(id uint32) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[id]
}

// ExportShareable returns a dma-buf style descriptor for the owned
// buffer with the given ID, via the pool's allocator.
func (p *Pool) ExportShareable(id uint32) (int, error) {
	p.mu.Lock()
	b := p.byID[id]
	p.mu.Unlock()
	if b == nil {
		return -1, fmt.Errorf("bufferpool: unknown buffer id %d", id)
	}
	return p.allocator.ExportShareable(b.Data())
}

// ValidateBuffer reports whether buf is non-nil, belongs to this pool,
// has a live liveness token (if it is tracked), and passes its
// installed content validator, if any.
func (p *Pool) ValidateBuffer(buf *Buffer) bool {
	if buf == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validateLocked(buf)
}

// ValidateAllBuffers runs ValidateBuffer over every buffer currently
// known to the pool and returns the IDs that failed.
func (p *Pool) ValidateAllBuffers() []uint32 {
	p.mu.Lock()
	ids := make([]uint32, 0, len(p.byID))
	bufs := make([]*Buffer, 0, len(p.byID))
	for id, b := range p.byID {
		ids = append(ids, id)
		bufs = append(bufs, b)
	}
	p.mu.Unlock()

	var failed []uint32
	for i, b := range bufs {
		if !p.ValidateBuffer(b) {
			failed = append(failed, ids[i])
		}
	}
	return failed
}

// Stats returns a point-in-time snapshot of the pool's queue
// occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transientMu.Lock()
	transient := len(p.transient)
	p.transientMu.Unlock()
	return PoolStats{
		Free:      len(p.free),
		Filled:    len(p.filled),
		Held:      p.held,
		Total:     len(p.byID),
		Transient: transient,
	}
}

// Sweep scans tracked-external and transient buffers for a dead
// liveness token (the owner has already torn the handle down) and
// ejects each one found, wherever it currently sits in the free or
// filled queue. It never touches a buffer currently held by a
// producer or consumer. Returns the IDs ejected.
func (p *Pool) Sweep() []uint32 {
	p.mu.Lock()
	var dead []*Buffer
	for id, token := range p.livenessByID {
		if token.Load() {
			continue
		}
		if b, ok := p.byID[id]; ok {
			dead = append(dead, b)
		}
	}
	p.mu.Unlock()

	var ejected []uint32
	for _, b := range dead {
		if p.EjectBuffer(b) {
			ejected = append(ejected, b.ID())
		}
	}
	return ejected
}

// Close releases every owned buffer's memory back to the pool's
// allocator. It does not close transient handles still outstanding
// with a consumer; callers must drain the pool first.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.buffers {
		if p.buffers[i].Ownership() == OwnershipOwned {
			p.allocator.Deallocate(p.buffers[i].virt)
		}
	}
}
