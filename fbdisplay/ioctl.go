package fbdisplay

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux framebuffer ioctl numbers and structures, mirrored from
// <linux/fb.h>. golang.org/x/sys/unix does not export these (they are
// driver-specific, not part of the generic syscall surface), so they
// are defined here the way the teacher's DMA-heap allocator defines
// its own ioctl constants in bufferpool/alloc/contiguous.go.
const (
	fbioGetVScreenInfo = 0x4600
	fbioPanDisplay     = 0x4606
	fbioWaitForVSync   = 0x40044620 // _IOW('F', 0x20, __u32)

	// fbIoctlSetDMAInfo is a vendor-specific extension (not part of the
	// mainline fb.h), for panels whose driver accepts a physical
	// address directly instead of panning within the mmap'd region.
	// Encoded _IOW('F', 7, struct fb_dma_info): dir=1(write) type='F'
	// nr=7 size=sizeof(fbDMAInfo).
	fbIoctlSetDMAInfo = 0x40104607
)

// fbDMAInfo mirrors the vendor tpsfb_dma_info struct: an overlay index
// plus the physical address the driver should scan out from directly,
// bypassing the framebuffer's own mmap'd memory entirely.
type fbDMAInfo struct {
	OverlayIndex uint32
	_            uint32 // padding to align PhysAddr to 8 bytes
	PhysAddr     uint64
}

// ioctlFB issues one framebuffer ioctl against fd.
func ioctlFB(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// fbVarScreenInfo mirrors struct fb_var_screeninfo: the fields this
// package reads or writes are named, the rest are padding. The kernel
// copies the whole 160-byte struct in and out, so the Go struct has
// the same size.
type fbVarScreenInfo struct {
	XRes         uint32
	YRes         uint32
	XResVirtual  uint32
	YResVirtual  uint32
	XOffset      uint32
	YOffset      uint32
	BitsPerPixel uint32
	Grayscale    uint32

	// Remaining fb_var_screeninfo fields this package never inspects,
	// kept only so the struct's size matches the kernel ABI (32 more
	// __u32 words after grayscale).
	_ [4 * 32]byte
}
