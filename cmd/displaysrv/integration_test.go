package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/luoxiafeng-1990/display/bufferpool"
	"github.com/luoxiafeng-1990/display/consumer"
	"github.com/luoxiafeng-1990/display/fbdisplay"
	"github.com/luoxiafeng-1990/display/framesource/mmapsource"
	"github.com/luoxiafeng-1990/display/internal/fixture"
	"github.com/luoxiafeng-1990/display/producer"
)

// scenario 1: four-pane loop, mode-2 (filled-pane) pool, no copies.
func TestScenarioFourPaneLoop(t *testing.T) {
	const panes = 4
	geom := fixture.RawFile{Width: 8, Height: 8, BitsPerPixel: 32, FrameCount: panes}
	path := filepath.Join(t.TempDir(), "frames.raw")
	if err := fixture.WriteRawFile(path, geom); err != nil {
		t.Fatalf("WriteRawFile: %v", err)
	}

	fb, err := fbdisplay.NewMemoryDevice(geom.Width, geom.Height, geom.BitsPerPixel, panes)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	src := mmapsource.New(geom.Width, geom.Height, geom.BitsPerPixel)
	if err := src.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	// Load frames 0..3 into panes 0..3 directly by ID: the panes are
	// never acquired/submitted through the free/filled queues, so they
	// stay "free" for the whole test, matching the scenario's expected
	// 4 total / 4 free / 0 filled pool statistics throughout.
	pool := fb.Pool()
	for i := uint32(0); i < panes; i++ {
		pane := pool.GetBufferByID(i)
		if pane == nil {
			t.Fatalf("expected pane %d in pool", i)
		}
		if _, err := src.ReadFrameAt(context.Background(), uint64(i), pane.Data()); err != nil {
			t.Fatalf("ReadFrameAt(%d): %v", i, err)
		}
	}

	const iterations = 100
	flips := 0
	for round := 0; round < iterations; round++ {
		for i := uint32(0); i < panes; i++ {
			pane := pool.GetBufferByID(i)
			if err := fb.DisplayFilledFramebuffer(pane); err != nil {
				t.Fatalf("DisplayFilledFramebuffer(%d): %v", i, err)
			}
			if err := fb.WaitVerticalSync(); err != nil {
				t.Fatalf("WaitVerticalSync: %v", err)
			}
			flips++

			stats := pool.Stats()
			if stats.Total != panes || stats.Free != panes || stats.Filled != 0 {
				t.Fatalf("unexpected pool stats mid-loop at flip %d: %+v", flips, stats)
			}
		}
	}

	if flips != iterations*panes {
		t.Fatalf("flips = %d, want %d", flips, iterations*panes)
	}
	if fb.VSyncCalls() != flips {
		t.Fatalf("VSyncCalls = %d, want %d", fb.VSyncCalls(), flips)
	}
}

// scenario 2: sequential playback, non-looping, exact frame count.
func TestScenarioSequentialPlayback(t *testing.T) {
	const frameCount = 16
	geom := fixture.RawFile{Width: 4, Height: 4, BitsPerPixel: 8, FrameCount: frameCount}
	path := filepath.Join(t.TempDir(), "frames.raw")
	if err := fixture.WriteRawFile(path, geom); err != nil {
		t.Fatalf("WriteRawFile: %v", err)
	}

	fb, err := fbdisplay.NewMemoryDevice(geom.Width, geom.Height, geom.BitsPerPixel, 4)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	src := mmapsource.New(geom.Width, geom.Height, geom.BitsPerPixel)
	if err := src.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.TotalFrames() != frameCount {
		t.Fatalf("TotalFrames = %d, want %d", src.TotalFrames(), frameCount)
	}

	pool := fb.Pool()
	reads := 0
	for i := uint64(0); i < frameCount; i++ {
		buf := pool.AcquireFree(context.Background(), false, 0)
		if buf == nil {
			t.Fatalf("expected free pane at frame %d", i)
		}
		if _, err := src.ReadFrameAt(context.Background(), i, buf.Data()); err != nil {
			t.Fatalf("ReadFrameAt(%d): %v", i, err)
		}
		reads++
		pool.SubmitFilled(buf)

		out := pool.AcquireFilled(context.Background(), false, 0)
		if out == nil {
			t.Fatalf("expected filled pane at frame %d", i)
		}
		if err := fb.DisplayFilledFramebuffer(out); err != nil {
			t.Fatalf("DisplayFilledFramebuffer(%d): %v", i, err)
		}
		pool.ReleaseFilled(out)
	}

	if reads != frameCount {
		t.Fatalf("reads = %d, want %d", reads, frameCount)
	}
}

// scenario 3: producer + zero-copy, multiple workers, looping file.
func TestScenarioProducerZeroCopy(t *testing.T) {
	const totalToDisplay = 50
	geom := fixture.RawFile{Width: 4, Height: 4, BitsPerPixel: 8, FrameCount: 20}
	path := filepath.Join(t.TempDir(), "frames.raw")
	if err := fixture.WriteRawFile(path, geom); err != nil {
		t.Fatalf("WriteRawFile: %v", err)
	}

	fb, err := fbdisplay.NewMemoryDevice(geom.Width, geom.Height, geom.BitsPerPixel, 4)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	src := mmapsource.New(geom.Width, geom.Height, geom.BitsPerPixel)
	if err := src.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	decodePool, err := bufferpool.NewOwned(4, geom.FrameSize(), false, "decode", "test")
	if err != nil {
		t.Fatalf("NewOwned: %v", err)
	}
	defer decodePool.Close()

	prod, err := producer.New(producer.Config{
		Width: geom.Width, Height: geom.Height, BitsPerPixel: geom.BitsPerPixel,
		Loop: true, Workers: 2,
	}, src, decodePool)
	if err != nil {
		t.Fatalf("producer.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := prod.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer prod.Stop()

	loop := consumer.New(decodePool, fb, consumer.StrategyAuto)
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if loop.Stats().FramesDisplayed >= totalToDisplay {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("displayed %d frames before deadline, want >= %d", loop.Stats().FramesDisplayed, totalToDisplay)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-loopDone

	stats := prod.Stats()
	if stats.FramesProduced+stats.FramesSkipped < totalToDisplay {
		t.Fatalf("producer stats too low: %+v", stats)
	}
	if loop.Stats().FramesFailed != 0 {
		t.Fatalf("unexpected display failures: %+v", loop.Stats())
	}
}

// scenario 4: dynamic injection pool, counting deleter.
func TestScenarioDynamicInjection(t *testing.T) {
	const injections = 50
	pool := bufferpool.NewDynamic("inject", "test", 10)

	var deleted int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < injections; i++ {
			buf := pool.AcquireFilled(context.Background(), true, time.Second)
			if buf == nil {
				t.Errorf("AcquireFilled returned nil at injection %d", i)
				return
			}
			pool.ReleaseFilled(buf)
		}
	}()

	for i := 0; i < injections; i++ {
		count := i
		h := bufferpool.NewHandle(make([]byte, 16), 0, func([]byte) { deleted++; _ = count })
		// The pool rejects an injection while it is at max_capacity; wait
		// for the consumer to release a buffer and try again.
		_, err := pool.InjectFilledBuffer(h)
		for retryUntil := time.Now().Add(5 * time.Second); errors.Is(err, bufferpool.ErrCapacityExceeded) && time.Now().Before(retryUntil); {
			time.Sleep(time.Millisecond)
			_, err = pool.InjectFilledBuffer(h)
		}
		if err != nil {
			t.Fatalf("InjectFilledBuffer(%d): %v", i, err)
		}
		if s := pool.Stats(); s.Filled > 10 {
			t.Fatalf("filled count %d exceeds max_capacity 10", s.Filled)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer goroutine did not finish")
	}

	if deleted != injections {
		t.Fatalf("deleter invoked %d times, want %d", deleted, injections)
	}
	if s := pool.Stats(); s.Total != 0 {
		t.Fatalf("pool buffer count after run = %d, want 0", s.Total)
	}
}

// scenario 5: lifetime-tracked eviction.
func TestScenarioLifetimeTrackedEviction(t *testing.T) {
	handles := make([]*bufferpool.Handle, 3)
	for i := range handles {
		handles[i] = bufferpool.NewHandle(make([]byte, 16), 0, nil)
	}
	pool, err := bufferpool.NewExternalTracked(handles, "tracked", "test")
	if err != nil {
		t.Fatalf("NewExternalTracked: %v", err)
	}

	handles[1].Close() // owner tears the handle down behind the pool's back

	ejected := pool.Sweep()
	if len(ejected) != 1 || ejected[0] != 1 {
		t.Fatalf("expected sweep to evict buffer #1, got %v", ejected)
	}

	seen := map[uint32]int{}
	for i := 0; i < 100; i++ {
		buf := pool.AcquireFree(context.Background(), false, 0)
		if buf == nil {
			continue
		}
		seen[buf.ID()]++
		pool.AbandonFree(buf)
	}

	if count, handedOut := seen[1]; handedOut && count > 0 {
		t.Fatalf("buffer #1 was handed out %d times despite its handle being destroyed", count)
	}
	if seen[0] == 0 || seen[2] == 0 {
		t.Fatalf("expected buffers #0 and #2 to be handed out, got %+v", seen)
	}
}

// scenario 6: DMA handoff fallback for a buffer with no physical address.
func TestScenarioDMAHandoffFallback(t *testing.T) {
	decodePool, err := bufferpool.NewExternalSimple(
		[]bufferpool.ExternalDesc{{Virt: []byte{0xAB, 0xCD, 0xEF, 0x01}, Phys: 0, DMAFD: -1}},
		"decode", "test")
	if err != nil {
		t.Fatalf("NewExternalSimple: %v", err)
	}

	fb, err := fbdisplay.NewMemoryDevice(2, 1, 32, 1)
	if err != nil {
		t.Fatalf("NewMemoryDevice: %v", err)
	}
	defer fb.Close()

	buf := decodePool.AcquireFree(context.Background(), false, 0)
	if buf == nil {
		t.Fatal("expected a free buffer")
	}
	decodePool.SubmitFilled(buf)
	buf = decodePool.AcquireFilled(context.Background(), false, 0)
	if buf == nil {
		t.Fatal("expected a filled buffer")
	}

	if err := fb.DisplayByDMA(buf); err == nil {
		t.Fatal("expected DisplayByDMA to fail for a zero physical address")
	}
	if fb.LastStrategy() == "dma" {
		t.Fatal("expected no DMA device-control side effect to be recorded")
	}

	if err := fb.DisplayByCopyToFramebuffer(buf.Data()); err != nil {
		t.Fatalf("DisplayByCopyToFramebuffer fallback: %v", err)
	}
	if fb.LastStrategy() != "copy" {
		t.Fatalf("expected copy fallback to have run, last strategy = %s", fb.LastStrategy())
	}
}
