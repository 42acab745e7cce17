package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/luoxiafeng-1990/display/bufferpool"
	"github.com/luoxiafeng-1990/display/fbdisplay"
)

func fillAndSubmit(t *testing.T, pool *bufferpool.Pool, content byte) *bufferpool.Buffer {
	t.Helper()
	buf := pool.AcquireFree(context.Background(), false, 0)
	if buf == nil {
		t.Fatal("expected a free buffer")
	}
	for i := range buf.Data() {
		buf.Data()[i] = content
	}
	pool.SubmitFilled(buf)
	return buf
}

func TestLoopAutoFallsBackToCopyForForeignBuffer(t *testing.T) {
	// Phys is explicitly 0 and the pool is distinct from fb's own pane
	// pool, so neither the DMA nor the filled-pane path can apply: a
	// deterministic way to exercise the copy fallback regardless of
	// whether the test process can resolve physical addresses.
	decodePool, err := bufferpool.NewExternalSimple(
		[]bufferpool.ExternalDesc{{Virt: make([]byte, 64), Phys: 0, DMAFD: -1}},
		"decode", "test")
	if err != nil {
		t.Fatalf("NewExternalSimple: %v", err)
	}
	fb, err := fbdisplay.NewMemoryDevice(8, 8, 8, 2)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	fillAndSubmit(t, decodePool, 0x42)

	loop := New(decodePool, fb, StrategyAuto)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	stats := loop.Stats()
	if stats.FramesDisplayed == 0 {
		t.Fatal("expected at least one frame displayed")
	}
	if stats.LastStrategy != StrategyCopy {
		t.Fatalf("expected fallback to copy strategy, got %s", stats.LastStrategy)
	}
}

func TestLoopDMAStrategyUsesPhysAddrBuffer(t *testing.T) {
	descs := []bufferpool.ExternalDesc{
		{Virt: make([]byte, 32), Phys: 0xDEAD0000, DMAFD: -1},
	}
	pool, err := bufferpool.NewExternalSimple(descs, "dma-src", "test")
	if err != nil {
		t.Fatalf("NewExternalSimple: %v", err)
	}
	fb, err := fbdisplay.NewMemoryDevice(8, 8, 8, 1)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	fillAndSubmit(t, pool, 0x7)

	loop := New(pool, fb, StrategyDMA)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	stats := loop.Stats()
	if stats.FramesDisplayed != 1 || stats.FramesFailed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastStrategy != StrategyDMA {
		t.Fatalf("expected dma strategy, got %s", stats.LastStrategy)
	}
}

func TestLoopFilledPaneStrategyUsesOwnPool(t *testing.T) {
	fb, err := fbdisplay.NewMemoryDevice(8, 8, 8, 2)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	fillAndSubmit(t, fb.Pool(), 0x9)

	loop := New(fb.Pool(), fb, StrategyFilledPane)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	stats := loop.Stats()
	if stats.FramesDisplayed != 1 || stats.FramesFailed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastStrategy != StrategyFilledPane {
		t.Fatalf("expected filled_pane strategy, got %s", stats.LastStrategy)
	}
}

func TestLoopRunReturnsOnContextCancel(t *testing.T) {
	pool, err := bufferpool.NewOwned(1, 32, false, "empty", "test")
	if err != nil {
		t.Fatalf("NewOwned: %v", err)
	}
	fb, err := fbdisplay.NewMemoryDevice(4, 4, 8, 1)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	loop := New(pool, fb, StrategyAuto)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestLoopWithVerticalSyncChaining(t *testing.T) {
	fb, err := fbdisplay.NewMemoryDevice(4, 4, 8, 1)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	loop := New(fb.Pool(), fb, StrategyCopy).WithVerticalSync(true)
	if !loop.Stats().VSync {
		t.Fatal("expected VSync true after WithVerticalSync(true)")
	}
}
