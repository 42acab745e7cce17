package alloc

import "errors"

// ErrExternalAllocate is a programming-error sentinel: External never
// allocates new memory, since external buffers are always supplied
// pre-allocated by their owner.
var ErrExternalAllocate = errors.New("alloc: external allocator cannot allocate new memory")

// External is a no-op allocator for pools whose memory is owned and
// freed by someone else (a framebuffer mapping, a caller-supplied
// handle). It exists so Pool has a uniform Allocator to report even
// when it never calls Allocate/Deallocate itself.
type External struct{}

// NewExternal returns the no-op allocator used by external-memory pools.
func NewExternal() *External { return &External{} }

func (e *External) Name() string { return "external" }

func (e *External) Allocate(size int) ([]byte, uint64, error) {
	return nil, 0, ErrExternalAllocate
}

func (e *External) Deallocate(virt []byte) {}

func (e *External) ExportShareable(virt []byte) (int, error) {
	return -1, ErrUnsupported
}
