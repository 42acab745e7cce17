package alloc

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pagemapPresentBit = uint64(1) << 63
const pagemapPFNMask = (uint64(1) << 55) - 1

// pageSize matches the original allocator's fixed 4096-byte alignment
// assumption; anonymous mmap is page-aligned by construction on every
// Linux page size actually deployed for this hardware class.
const pageSize = 4096

// Normal allocates zeroed, page-aligned memory via an anonymous
// private mapping and resolves its physical address, best-effort,
// through /proc/self/pagemap. It is the default allocator for owned
// pools that do not need DMA-contiguous memory.
type Normal struct{}

// NewNormal returns the anonymous-mmap allocator.
func NewNormal() *Normal { return &Normal{} }

func (n *Normal) Name() string { return "normal" }

func (n *Normal) Allocate(size int) ([]byte, uint64, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("alloc: invalid size %d", size)
	}
	virt, err := unix.Mmap(-1, 0, roundUpToPage(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, 0, fmt.Errorf("alloc: mmap anonymous: %w", err)
	}
	virt = virt[:size]
	phys, resolveErr := n.physicalAddress(virt)
	if resolveErr != nil {
		phys = 0
	}
	return virt, phys, nil
}

func (n *Normal) Deallocate(virt []byte) {
	if len(virt) == 0 {
		return
	}
	full := virt[:cap(virt)]
	_ = unix.Munmap(full)
}

func (n *Normal) ExportShareable(virt []byte) (int, error) {
	return -1, ErrUnsupported
}

// physicalAddress resolves the physical address backing the first
// page of virt via /proc/self/pagemap. It returns an error (and the
// caller reports phys=0) on any failure: missing permission, a
// non-Linux kernel build, or a not-yet-present (unfaulted) page.
func (n *Normal) physicalAddress(virt []byte) (uint64, error) {
	if len(virt) == 0 {
		return 0, fmt.Errorf("alloc: empty buffer")
	}
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	vaddr := uintptr(unsafe.Pointer(&virt[0]))
	pageIndex := uint64(vaddr) / pageSize
	offset := int64(pageIndex * 8)

	buf := make([]byte, 8)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, err
	}
	entry := le64(buf)
	if entry&pagemapPresentBit == 0 {
		return 0, fmt.Errorf("alloc: page not present")
	}
	pfn := entry & pagemapPFNMask
	return pfn*pageSize + uint64(vaddr%pageSize), nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func roundUpToPage(size int) int {
	if size%pageSize == 0 {
		return size
	}
	return (size/pageSize + 1) * pageSize
}
