// Package alloc provides the memory-acquisition strategies used by
// bufferpool.Pool's owned-buffer construction mode.
package alloc

import "errors"

// ErrUnsupported is returned by ExportShareable when an allocator has
// no way to produce a shareable descriptor for its memory.
var ErrUnsupported = errors.New("alloc: allocator does not support shareable export")

// Allocator acquires and releases the backing memory for owned
// buffers. Implementations must be safe to call from a single caller
// at pool-construction time; Pool never calls an Allocator
// concurrently with itself.
type Allocator interface {
	// Allocate returns size bytes of zeroed, page-aligned memory and,
	// best-effort, its physical address (0 if it could not be
	// resolved).
	Allocate(size int) (virt []byte, phys uint64, err error)
	// Deallocate releases memory previously returned by Allocate.
	// Implementations do not check where virt came from; Pool only
	// passes slices that Allocate returned, and never frees one twice.
	Deallocate(virt []byte)
	// ExportShareable returns a dma-buf style file descriptor for
	// virt, or ErrUnsupported if this allocator's memory cannot be
	// shared across processes.
	ExportShareable(virt []byte) (fd int, err error)
	// Name identifies the allocator for diagnostics.
	Name() string
}
