// Package consumer implements the single-consumer side of the
// handoff: pulling filled buffers off a bufferpool.Pool and presenting
// them on a fbdisplay.Handoff by whichever strategy the buffer's
// provenance allows.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/luoxiafeng-1990/display/bufferpool"
	"github.com/luoxiafeng-1990/display/fbdisplay"
)

// Strategy names which display path a Loop prefers.
type Strategy string

const (
	// StrategyAuto tries DMA first, falls back to filled-pane, then
	// to copy — the selection contract described in SPEC_FULL.md §4.9.
	StrategyAuto Strategy = "auto"
	// StrategyDMA forces the zero-copy physical-address path; a frame
	// lacking a physical address is logged and counted in
	// Stats.FramesFailed.
	StrategyDMA Strategy = "dma"
	// StrategyFilledPane forces filled-framebuffer handoff; a buffer
	// that is not a pane of fb's pool is logged and counted in
	// Stats.FramesFailed.
	StrategyFilledPane Strategy = "filled_pane"
	// StrategyCopy always copies into a free pane.
	StrategyCopy Strategy = "copy"
)

// acquireTimeout bounds how long Run waits for a filled buffer before
// re-checking ctx. It is not configurable per spec: a consumer that
// never receives a frame should still notice cancellation promptly.
const acquireTimeout = 500 * time.Millisecond

// Stats is a point-in-time snapshot of a Loop's progress.
type Stats struct {
	FramesDisplayed uint64
	FramesFailed    uint64
	LastStrategy    Strategy
	VSync           bool
}

// Loop drains pool's filled queue and presents each buffer on fb.
type Loop struct {
	pool     *bufferpool.Pool
	fb       fbdisplay.Handoff
	strategy Strategy
	vsync    bool

	displayed    atomic.Uint64
	failed       atomic.Uint64
	lastStrategy atomic.Value // Strategy
}

// New builds a Loop pulling from pool and displaying on fb using
// strategy (StrategyAuto is the spec default).
func New(pool *bufferpool.Pool, fb fbdisplay.Handoff, strategy Strategy) *Loop {
	if strategy == "" {
		strategy = StrategyAuto
	}
	l := &Loop{pool: pool, fb: fb, strategy: strategy}
	l.lastStrategy.Store(Strategy(""))
	return l
}

// WithVerticalSync enables a WaitVerticalSync call after every display,
// matching the "pacing against the panel's refresh" mode of spec.md
// §4.8. Returns l for chaining.
func (l *Loop) WithVerticalSync(enabled bool) *Loop {
	l.vsync = enabled
	return l
}

// Run drains filled buffers until ctx is done (cancelled or past its
// deadline) and then returns nil. A failed display is counted in Stats
// and logged, never returned.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		buf := l.pool.AcquireFilled(ctx, true, acquireTimeout)
		if buf == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		strat, err := l.display(buf)
		if err != nil {
			l.failed.Add(1)
			slog.Warn("consumer: display failed", "buffer", buf.ID(), "strategy", strat, "error", err)
		} else {
			l.displayed.Add(1)
			l.lastStrategy.Store(strat)
			if l.vsync {
				if err := l.fb.WaitVerticalSync(); err != nil {
					slog.Warn("consumer: WaitVerticalSync failed", "error", err)
				}
			}
		}

		l.pool.ReleaseFilled(buf)
	}
}

func (l *Loop) display(buf *bufferpool.Buffer) (Strategy, error) {
	switch l.strategy {
	case StrategyDMA:
		return StrategyDMA, l.fb.DisplayByDMA(buf)
	case StrategyFilledPane:
		return StrategyFilledPane, l.fb.DisplayFilledFramebuffer(buf)
	case StrategyCopy:
		return StrategyCopy, l.fb.DisplayByCopyToFramebuffer(buf.Data())
	case StrategyAuto:
		return l.displayAuto(buf)
	default:
		return "", fmt.Errorf("consumer: unknown strategy %q", l.strategy)
	}
}

// displayAuto implements the selection contract: DMA first when buf
// has a physical address, then filled-pane if buf is already a member
// of fb's own pool, finally copy as the universal fallback.
func (l *Loop) displayAuto(buf *bufferpool.Buffer) (Strategy, error) {
	if buf.PhysAddr() != 0 {
		if err := l.fb.DisplayByDMA(buf); err == nil {
			return StrategyDMA, nil
		}
	}
	if l.fb.Pool().GetBufferByID(buf.ID()) == buf {
		if err := l.fb.DisplayFilledFramebuffer(buf); err == nil {
			return StrategyFilledPane, nil
		}
	}
	return StrategyCopy, l.fb.DisplayByCopyToFramebuffer(buf.Data())
}

// Stats returns a point-in-time snapshot of the loop's progress.
func (l *Loop) Stats() Stats {
	last, _ := l.lastStrategy.Load().(Strategy)
	return Stats{
		FramesDisplayed: l.displayed.Load(),
		FramesFailed:    l.failed.Load(),
		LastStrategy:    last,
		VSync:           l.vsync,
	}
}
