// Package bufferpool implements the multi-producer/single-consumer
// buffer pool and its handoff primitives for embedded video pipelines.
package bufferpool

import (
	"fmt"
	"sync/atomic"
)

// Ownership records who is responsible for releasing a Buffer's backing
// memory.
type Ownership int32

const (
	// OwnershipOwned means the pool's allocator allocated and must free
	// this buffer's memory.
	OwnershipOwned Ownership = iota
	// OwnershipExternal means memory came from outside the pool (a
	// framebuffer mapping, a caller-supplied handle); the pool never
	// frees it.
	OwnershipExternal
)

func (o Ownership) String() string {
	switch o {
	case OwnershipOwned:
		return "owned"
	case OwnershipExternal:
		return "external"
	default:
		return "unknown"
	}
}

// State is the buffer's position in the producer/consumer handoff
// cycle. Transitions are unidirectional: Idle -> LockedByProducer ->
// ReadyForConsume -> LockedByConsumer -> Idle.
type State int32

const (
	StateIdle State = iota
	StateLockedByProducer
	StateReadyForConsume
	StateLockedByConsumer
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLockedByProducer:
		return "locked_by_producer"
	case StateReadyForConsume:
		return "ready_for_consume"
	case StateLockedByConsumer:
		return "locked_by_consumer"
	default:
		return "unknown"
	}
}

// Validator inspects a buffer's content and reports whether it still
// looks sane (e.g. a canary pattern at the tail). Pools run this on
// every acquire from the free or filled queue and whenever
// ValidateBuffer is called.
type Validator func(data []byte) bool

// Buffer is a single fixed-size memory region tracked by a Pool. A
// Buffer is never copied by value once constructed; the pool always
// hands out *Buffer. Its identity fields (ID, Size) are immutable
// after construction. State and refcount are accessed with atomics so
// a consumer can read them without holding the pool's mutex.
type Buffer struct {
	id        uint32
	virt      []byte
	phys      uint64
	dmaFD     int
	ownership Ownership

	state    atomic.Int32
	refcount atomic.Int32

	validator Validator
}

func newBuffer(id uint32, virt []byte, phys uint64, dmaFD int, ownership Ownership) *Buffer {
	b := &Buffer{
		id:        id,
		virt:      virt,
		phys:      phys,
		dmaFD:     dmaFD,
		ownership: ownership,
	}
	b.state.Store(int32(StateIdle))
	return b
}

// ID is the buffer's stable index within its owning pool.
func (b *Buffer) ID() uint32 { return b.id }

// Data is the buffer's backing memory. Callers must not retain slices
// derived from it past the buffer's next state transition.
func (b *Buffer) Data() []byte { return b.virt }

// Len is the buffer's capacity in bytes.
func (b *Buffer) Len() int { return len(b.virt) }

// PhysAddr is the buffer's physical address, or 0 if it could not be
// resolved (non-Linux, permission denied, or an external buffer that
// never reported one).
func (b *Buffer) PhysAddr() uint64 { return b.phys }

// DMAFD is the dma-buf file descriptor backing this buffer, or -1 if
// it is not shareable.
func (b *Buffer) DMAFD() int { return b.dmaFD }

// Ownership reports whether the pool's allocator owns this buffer's
// memory.
func (b *Buffer) Ownership() Ownership { return b.ownership }

// State returns the buffer's current position in the handoff cycle.
func (b *Buffer) State() State { return State(b.state.Load()) }

func (b *Buffer) setState(s State) { b.state.Store(int32(s)) }

// RefCount returns the buffer's current reference count: 0 while Idle,
// 1 from AcquireFree through ReadyForConsume and LockedByConsumer, back
// to 0 once ReleaseFilled or AbandonFree returns it to Idle.
func (b *Buffer) RefCount() int32 { return b.refcount.Load() }

func (b *Buffer) addRef(delta int32) int32 { return b.refcount.Add(delta) }

// SetValidator installs a content validator used by ValidateBuffer.
// Not safe for concurrent use with ValidateBuffer on the same buffer.
func (b *Buffer) SetValidator(v Validator) { b.validator = v }

// Validate runs the installed validator against the buffer's content.
// A buffer with no validator always validates successfully.
func (b *Buffer) Validate() bool {
	if b.validator == nil {
		return true
	}
	return b.validator(b.virt)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{id=%d size=%d phys=%#x state=%s ownership=%s}",
		b.id, len(b.virt), b.phys, b.State(), b.Ownership())
}
