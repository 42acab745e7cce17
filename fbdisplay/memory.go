package fbdisplay

import (
	"fmt"
	"log/slog"

	"github.com/luoxiafeng-1990/display/bufferpool"
)

// MemoryDevice is an in-process Device double backed by plain Go
// slices instead of a real /dev/fbN node. It implements the same
// three display strategies as Device, recording the most recent
// one invoked, so tests can assert which path a consumer took without
// a framebuffer driver.
type MemoryDevice struct {
	width, height, bitsPerPixel int
	paneSize                    int
	mem                         []byte
	pool                        *bufferpool.Pool

	currentPane  int
	lastStrategy string
	vsyncCalls   int
	closed       bool
}

// NewMemoryDevice builds a MemoryDevice with paneCount equal-size
// panes, each width*height*bitsPerPixel/8 bytes.
func NewMemoryDevice(width, height, bitsPerPixel, paneCount int) (*MemoryDevice, error) {
	if paneCount <= 0 {
		return nil, fmt.Errorf("fbdisplay: paneCount must be positive")
	}
	paneSize := (width*height*bitsPerPixel + 7) / 8

	mem := make([]byte, paneSize*paneCount)
	descs := make([]bufferpool.ExternalDesc, 0, paneCount)
	for i := 0; i < paneCount; i++ {
		descs = append(descs, bufferpool.ExternalDesc{
			Virt:  mem[i*paneSize : (i+1)*paneSize],
			Phys:  0,
			DMAFD: -1,
		})
	}
	pool, err := bufferpool.NewExternalSimple(descs, "MemoryDevice", "Display")
	if err != nil {
		return nil, err
	}

	return &MemoryDevice{
		width:        width,
		height:       height,
		bitsPerPixel: bitsPerPixel,
		paneSize:     paneSize,
		mem:          mem,
		pool:         pool,
	}, nil
}

func (d *MemoryDevice) Width() int            { return d.width }
func (d *MemoryDevice) Height() int           { return d.height }
func (d *MemoryDevice) BitsPerPixel() int     { return d.bitsPerPixel }
func (d *MemoryDevice) BufferSize() int       { return d.paneSize }
func (d *MemoryDevice) PaneCount() int        { return len(d.mem) / d.paneSize }
func (d *MemoryDevice) Pool() *bufferpool.Pool { return d.pool }

// CurrentPane returns the pane index last displayed, for assertions.
func (d *MemoryDevice) CurrentPane() int { return d.currentPane }

// LastStrategy returns the name of the last Display* method invoked:
// "dma", "filled_framebuffer", or "copy".
func (d *MemoryDevice) LastStrategy() string { return d.lastStrategy }

// VSyncCalls returns how many times WaitVerticalSync has been called.
func (d *MemoryDevice) VSyncCalls() int { return d.vsyncCalls }

func (d *MemoryDevice) DisplayByDMA(buf PhysAddresser) error {
	if d.closed {
		return ErrNotInitialized
	}
	if buf.PhysAddr() == 0 {
		return ErrNoPhysicalAddress
	}
	d.lastStrategy = "dma"
	d.currentPane = 0
	slog.Debug("fbdisplay(memory): DisplayByDMA", "phys", buf.PhysAddr())
	return nil
}

func (d *MemoryDevice) DisplayFilledFramebuffer(buf IDer) error {
	if d.closed {
		return ErrNotInitialized
	}
	if got := d.pool.GetBufferByID(buf.ID()); got == nil || IDer(got) != buf {
		return ErrBufferNotOwned
	}
	d.lastStrategy = "filled_framebuffer"
	d.currentPane = int(buf.ID())
	return nil
}

func (d *MemoryDevice) DisplayByCopyToFramebuffer(src []byte) error {
	if d.closed {
		return ErrNotInitialized
	}
	pane := d.pool.AcquireFree(nil, false, 0)
	if pane == nil {
		return fmt.Errorf("fbdisplay: no free pane available")
	}
	copy(pane.Data(), src)

	if err := d.DisplayFilledFramebuffer(pane); err != nil {
		d.pool.AbandonFree(pane)
		return err
	}
	d.pool.AbandonFree(pane)
	d.lastStrategy = "copy"
	return nil
}

func (d *MemoryDevice) WaitVerticalSync() error {
	if d.closed {
		return ErrNotInitialized
	}
	d.vsyncCalls++
	return nil
}

func (d *MemoryDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.pool.Close()
	return nil
}

var _ Handoff = (*MemoryDevice)(nil)
