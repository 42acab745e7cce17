package bufferpool

import "errors"

var (
	// ErrEmptyExternalSet is returned by NewExternalSimple/NewExternalTracked
	// when called with zero descriptors or handles.
	ErrEmptyExternalSet = errors.New("bufferpool: external buffer set is empty")
	// ErrInvalidSize is returned by NewOwned when size or count is
	// non-positive.
	ErrInvalidSize = errors.New("bufferpool: invalid buffer size or count")
	// ErrCapacityExceeded is returned by InjectFilledBuffer on a
	// dynamic pool that has reached its configured maximum capacity.
	ErrCapacityExceeded = errors.New("bufferpool: dynamic pool at max capacity")
	// ErrNotTransient is returned by EjectBuffer when asked to evict a
	// buffer the pool did not inject as a transient member.
	ErrNotTransient = errors.New("bufferpool: buffer is not a transient member of this pool")
	// ErrUnsupported is returned by ExportShareable when the pool's
	// allocator cannot produce a shareable descriptor.
	ErrUnsupported = errors.New("bufferpool: operation not supported by this pool's allocator")
	// ErrExternalAllocate is a programming-error sentinel: the
	// External allocator's Allocate must never be called, since
	// external buffers are always supplied pre-allocated.
	ErrExternalAllocate = errors.New("bufferpool: external allocator cannot allocate new memory")
)
