// Package fbdisplay implements the single-consumer display handoff:
// pulling a filled bufferpool.Buffer off a pool and presenting it on a
// Linux framebuffer device, by whichever of three strategies the
// buffer's provenance allows.
package fbdisplay

import (
	"errors"
	"fmt"

	"github.com/luoxiafeng-1990/display/bufferpool"
)

// ErrNotInitialized is returned by any operation attempted before
// Open succeeds or after Close.
var ErrNotInitialized = errors.New("fbdisplay: device not initialized")

// ErrNoPhysicalAddress is returned by DisplayByDMA when the supplied
// buffer has no resolvable physical address.
var ErrNoPhysicalAddress = errors.New("fbdisplay: buffer has no physical address")

// ErrBufferNotOwned is returned by DisplayFilledFramebuffer when the
// buffer did not come from this device's own pane pool.
var ErrBufferNotOwned = errors.New("fbdisplay: buffer does not belong to this device's pane pool")

// Handoff is the display side of the handoff: a framebuffer plus the
// pane pool backing its double/quad buffering. Device (the real
// /dev/fbN implementation) and MemoryDevice (the in-process test
// double) both implement it, so consumer.Loop can be driven in tests
// without a framebuffer driver.
type Handoff interface {
	// Width, Height, BitsPerPixel, and BufferSize describe the panes'
	// fixed geometry, queried from the hardware at Open.
	Width() int
	Height() int
	BitsPerPixel() int
	BufferSize() int
	PaneCount() int

	// DisplayByDMA pans the display directly to buf's physical
	// address without involving the device's own pane pool. Requires
	// a buffer with a non-zero physical address (for example an owned
	// buffer whose address the Normal allocator resolved; the
	// Contiguous allocator reports 0).
	DisplayByDMA(buf PhysAddresser) error

	// DisplayFilledFramebuffer pans the display to one of the
	// device's own panes, identified by buf.ID(). buf must have come
	// from this Device's Pool().
	DisplayFilledFramebuffer(buf IDer) error

	// DisplayByCopyToFramebuffer copies src's content into a free
	// pane from this device's pool, pans the display to it, and
	// returns the pane to the pool's free queue. This
	// is the fallback strategy when neither producer-owned physical
	// addresses nor direct pane handoff is available.
	DisplayByCopyToFramebuffer(src []byte) error

	// WaitVerticalSync blocks until the next vertical blanking
	// interval. Best-effort: some drivers do not implement it.
	WaitVerticalSync() error

	// Pool returns the device's own pane pool, for callers that want
	// to acquire/release panes directly (e.g. a consumer loop doing
	// DisplayFilledFramebuffer).
	Pool() *bufferpool.Pool

	Close() error
}

// PhysAddresser is the subset of bufferpool.Buffer DisplayByDMA needs.
type PhysAddresser interface {
	PhysAddr() uint64
	ID() uint32
}

// IDer is the subset of bufferpool.Buffer DisplayFilledFramebuffer
// needs.
type IDer interface {
	ID() uint32
}

func (d *Device) checkOpen() error {
	if d == nil || !d.open {
		return ErrNotInitialized
	}
	return nil
}

func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("fbdisplay: %s: %w", op, err)
}
