package fbdisplay

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/luoxiafeng-1990/display/bufferpool"
)

// procFB is where findDeviceNode looks up the kernel-assigned name for
// a given fb index, matching the original driver's "tpsfb0"/"tpsfb1"
// naming scheme.
const procFB = "/proc/fb"

// Device drives one /dev/fbN node: it mmaps the hardware's whole
// virtual framebuffer once, slices it into PaneCount() equal panes,
// and wraps those panes in a bufferpool.Pool built via
// bufferpool.NewExternalSimple so the rest of the system displays a
// frame the same way it would acquire/release any other buffer.
type Device struct {
	fd   int
	node string

	width, height, bitsPerPixel int
	paneSize                    int
	paneCount                   int

	fbMem []byte
	pool  *bufferpool.Pool

	currentPane int
	open        bool
}

// Open finds, opens, and maps the framebuffer device at the given
// index (0 or 1, matching tpsfb0/tpsfb1 in /proc/fb).
func Open(index int) (*Device, error) {
	node, err := findDeviceNode(index)
	if err != nil {
		return nil, wrapf("findDeviceNode", err)
	}

	fd, err := unix.Open(node, unix.O_RDWR, 0)
	if err != nil {
		return nil, wrapf(fmt.Sprintf("open %s", node), err)
	}

	d := &Device{fd: fd, node: node}
	if err := d.queryHardwareParameters(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := d.mapFramebuffer(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := d.buildPanePool(); err != nil {
		unix.Munmap(d.fbMem)
		unix.Close(fd)
		return nil, err
	}

	d.open = true
	slog.Info("fbdisplay: opened framebuffer device",
		"node", node, "width", d.width, "height", d.height,
		"bpp", d.bitsPerPixel, "panes", d.paneCount)
	return d, nil
}

func findDeviceNode(index int) (string, error) {
	f, err := os.Open(procFB)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", procFB, err)
	}
	defer f.Close()

	want := "tpsfb0"
	if index != 0 {
		want = "tpsfb1"
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if fields[1] != want {
			continue
		}
		switch num {
		case 0:
			return "/dev/fb0", nil
		case 1:
			return "/dev/fb1", nil
		case 2:
			return "/dev/fb2", nil
		}
	}
	return "", fmt.Errorf("%s not found in %s", want, procFB)
}

func (d *Device) queryHardwareParameters() error {
	var info fbVarScreenInfo
	if err := ioctlFB(d.fd, fbioGetVScreenInfo, unsafe.Pointer(&info)); err != nil {
		return wrapf("FBIOGET_VSCREENINFO", err)
	}

	d.width = int(info.XRes)
	d.height = int(info.YRes)
	d.bitsPerPixel = int(info.BitsPerPixel)

	totalBits := uint64(d.width) * uint64(d.height) * uint64(d.bitsPerPixel)
	d.paneSize = int((totalBits + 7) / 8)

	if info.YRes == 0 {
		return fmt.Errorf("fbdisplay: hardware reports yres=0")
	}
	d.paneCount = int(info.YResVirtual / info.YRes)
	if d.paneCount <= 0 {
		d.paneCount = 1
	}
	return nil
}

func (d *Device) mapFramebuffer() error {
	total := d.paneSize * d.paneCount
	mem, err := unix.Mmap(d.fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return wrapf("mmap", err)
	}
	d.fbMem = mem
	return nil
}

func (d *Device) buildPanePool() error {
	descs := make([]bufferpool.ExternalDesc, 0, d.paneCount)
	for i := 0; i < d.paneCount; i++ {
		pane := d.fbMem[i*d.paneSize : (i+1)*d.paneSize]
		descs = append(descs, bufferpool.ExternalDesc{Virt: pane, Phys: 0, DMAFD: -1})
	}
	pool, err := bufferpool.NewExternalSimple(descs, fmt.Sprintf("FramebufferPool_%s", d.node), "Display")
	if err != nil {
		return wrapf("build pane pool", err)
	}
	d.pool = pool
	return nil
}

func (d *Device) Width() int        { return d.width }
func (d *Device) Height() int       { return d.height }
func (d *Device) BitsPerPixel() int { return d.bitsPerPixel }
func (d *Device) BufferSize() int   { return d.paneSize }
func (d *Device) PaneCount() int    { return d.paneCount }
func (d *Device) Pool() *bufferpool.Pool { return d.pool }

// DisplayByDMA pans the display to buf's physical address directly,
// bypassing this device's own pane pool entirely. This is the
// zero-copy path: a producer buffer with a resolved physical address
// (an owned-pool buffer from the Normal allocator; Contiguous reports
// 0) can be shown without ever touching the framebuffer's own mmap'd
// memory.
func (d *Device) DisplayByDMA(buf PhysAddresser) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	phys := buf.PhysAddr()
	if phys == 0 {
		return ErrNoPhysicalAddress
	}

	dmaInfo := fbDMAInfo{OverlayIndex: 0, PhysAddr: phys}
	if err := ioctlFB(d.fd, fbIoctlSetDMAInfo, unsafe.Pointer(&dmaInfo)); err != nil {
		return wrapf("FB_IOCTL_SET_DMA_INFO", err)
	}

	var info fbVarScreenInfo
	if err := ioctlFB(d.fd, fbioGetVScreenInfo, unsafe.Pointer(&info)); err != nil {
		return wrapf("FBIOGET_VSCREENINFO", err)
	}
	info.YOffset = 0
	if err := ioctlFB(d.fd, fbioPanDisplay, unsafe.Pointer(&info)); err != nil {
		return wrapf("FBIOPAN_DISPLAY", err)
	}

	d.currentPane = 0
	return nil
}

// DisplayFilledFramebuffer pans the display to the pane identified by
// buf.ID(). The caller is expected to have filled that pane's memory
// directly (via Pool().AcquireFree + copy, or a producer writing
// straight into an injected pane).
func (d *Device) DisplayFilledFramebuffer(buf IDer) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	id := buf.ID()
	if id >= uint32(d.paneCount) {
		return fmt.Errorf("%w: id=%d valid=0..%d", ErrBufferNotOwned, id, d.paneCount-1)
	}
	if got := d.pool.GetBufferByID(id); got == nil || IDer(got) != buf {
		return ErrBufferNotOwned
	}

	var info fbVarScreenInfo
	if err := ioctlFB(d.fd, fbioGetVScreenInfo, unsafe.Pointer(&info)); err != nil {
		return wrapf("FBIOGET_VSCREENINFO", err)
	}
	info.YOffset = info.YRes * id
	if err := ioctlFB(d.fd, fbioPanDisplay, unsafe.Pointer(&info)); err != nil {
		return wrapf("FBIOPAN_DISPLAY", err)
	}

	d.currentPane = int(id)
	return nil
}

// DisplayByCopyToFramebuffer acquires a free pane, copies src into it,
// pans the display there, and then returns the pane to the pool's free
// queue. This is the fallback used when src did not originate from a
// buffer this device can display directly.
func (d *Device) DisplayByCopyToFramebuffer(src []byte) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	pane := d.pool.AcquireFree(nil, false, 0)
	if pane == nil {
		return fmt.Errorf("fbdisplay: no free pane available")
	}

	n := copy(pane.Data(), src)
	if n < len(src) {
		slog.Warn("fbdisplay: source larger than pane, truncated", "src_len", len(src), "pane_len", len(pane.Data()))
	}

	if err := d.DisplayFilledFramebuffer(pane); err != nil {
		d.pool.AbandonFree(pane)
		return err
	}
	d.pool.AbandonFree(pane)
	return nil
}

func (d *Device) WaitVerticalSync() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	var zero int32
	if err := ioctlFB(d.fd, fbioWaitForVSync, unsafe.Pointer(&zero)); err != nil {
		return wrapf("FBIO_WAITFORVSYNC", err)
	}
	return nil
}

func (d *Device) Close() error {
	if !d.open {
		return nil
	}
	d.open = false
	if d.pool != nil {
		d.pool.Close()
	}
	if len(d.fbMem) > 0 {
		_ = unix.Munmap(d.fbMem)
		d.fbMem = nil
	}
	if d.fd >= 0 {
		err := unix.Close(d.fd)
		d.fd = -1
		return err
	}
	return nil
}

var _ Handoff = (*Device)(nil)
