package bufferpool

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Deleter releases the backing memory of a Handle. It is invoked at
// most once, from Close.
type Deleter func(virt []byte)

// Handle is a move-only wrapper around externally-owned memory: a
// virtual address, an optional physical address, and a deleter to run
// when the memory is no longer needed. It carries a liveness token so
// a BufferPool can detect, without touching the memory itself, whether
// the handle has already been torn down by its owner.
//
// Go has no move constructors, so "moved-from" is modeled as "closed":
// once Close has run, the getters report a zeroed handle.
type Handle struct {
	mu      sync.Mutex
	once    sync.Once
	virt    []byte
	phys    uint64
	size    int
	del     Deleter
	alive   atomic.Bool
}

// NewHandle wraps virt (and its optional physical address) with del as
// the teardown callback. del may be nil if the memory outlives the
// handle's lifetime by construction (e.g. a framebuffer mmap owned
// elsewhere).
func NewHandle(virt []byte, phys uint64, del Deleter) *Handle {
	h := &Handle{
		virt: virt,
		phys: phys,
		size: len(virt),
		del:  del,
	}
	h.alive.Store(true)
	return h
}

// VirtAddr returns the handle's backing memory, or nil if Close has
// already run.
func (h *Handle) VirtAddr() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.virt
}

// PhysAddr returns the handle's physical address, or 0 once closed.
func (h *Handle) PhysAddr() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phys
}

// Size returns the handle's original size, or 0 once closed.
func (h *Handle) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// LivenessToken exposes the handle's alive flag so a pool can poll it
// without acquiring h.mu or touching the backing memory.
func (h *Handle) LivenessToken() *atomic.Bool { return &h.alive }

// Close tears the handle down: it clears the liveness token first,
// then invokes the deleter. Idempotent — a second call is a no-op. A
// panicking deleter is recovered and logged, never propagated, since a
// broken deleter must not be able to wedge the pool that owns this
// handle.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.alive.Store(false)

		h.mu.Lock()
		virt, del := h.virt, h.del
		h.virt, h.phys, h.size, h.del = nil, 0, 0, nil
		h.mu.Unlock()

		if del == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("bufferpool: handle deleter panicked", "recover", r)
			}
		}()
		del(virt)
	})
}
