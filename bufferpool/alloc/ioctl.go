package alloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptrKey(virt []byte) uintptr {
	if len(virt) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&virt[0]))
}

func ioctlDmaHeapAlloc(fd int, data *dmaHeapAllocData) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(dmaHeapIoctlAlloc), uintptr(unsafe.Pointer(data)))
	if errno != 0 {
		return errno
	}
	return nil
}
