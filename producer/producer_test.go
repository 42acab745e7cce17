package producer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/luoxiafeng-1990/display/bufferpool"
	"github.com/luoxiafeng-1990/display/framesource"
)

// fakeSource is a deterministic framesource.Source for tests: it fills
// each frame with its index and can be told to fail N reads before
// succeeding, or to fail forever.
type fakeSource struct {
	mu         sync.Mutex
	total      uint64
	frameSize  int
	open       bool
	failAlways bool
	failTimes  int
}

func (f *fakeSource) Open(string) error { f.open = true; return nil }
func (f *fakeSource) Close() error      { f.open = false; return nil }
func (f *fakeSource) ReadFrameAt(ctx context.Context, index uint64, dest []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAlways || f.failTimes > 0 {
		if f.failTimes > 0 {
			f.failTimes--
		}
		return 0, fmt.Errorf("fake read failure")
	}
	for i := range dest {
		dest[i] = byte(index)
	}
	return len(dest), nil
}
func (f *fakeSource) TotalFrames() uint64  { return f.total }
func (f *fakeSource) FrameSize() int       { return f.frameSize }
func (f *fakeSource) Width() int           { return 8 }
func (f *fakeSource) Height() int          { return 8 }
func (f *fakeSource) BitsPerPixel() int    { return 8 }
func (f *fakeSource) IsOpen() bool         { return f.open }

var _ framesource.Source = (*fakeSource)(nil)

func TestProducerFillsBuffersAndStops(t *testing.T) {
	pool, err := bufferpool.NewOwned(4, 64, false, "producer-test", "test")
	if err != nil {
		t.Fatalf("NewOwned: %v", err)
	}
	src := &fakeSource{total: 10, frameSize: 64}

	p, err := New(Config{Width: 8, Height: 8, BitsPerPixel: 8, Workers: 2}, src, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Drain the filled queue so the 4-buffer pool keeps recycling until
	// all 10 frames have been produced.
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()
	go func() {
		for drainCtx.Err() == nil {
			if buf := pool.AcquireFilled(drainCtx, true, 10*time.Millisecond); buf != nil {
				pool.ReleaseFilled(buf)
			}
		}
	}()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().FramesProduced < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := p.Stats().FramesProduced; got < 10 {
		t.Fatalf("expected at least 10 frames produced, got %d", got)
	}
}

func TestProducerEscalatesAfterConsecutiveFailures(t *testing.T) {
	pool, err := bufferpool.NewOwned(2, 64, false, "fail-test", "test")
	if err != nil {
		t.Fatalf("NewOwned: %v", err)
	}
	src := &fakeSource{total: 1000, frameSize: 64, failAlways: true}

	p, err := New(Config{Width: 8, Height: 8, BitsPerPixel: 8, Workers: 1}, src, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var escalated error
	var mu sync.Mutex
	p.OnError(func(err error) {
		mu.Lock()
		escalated = err
		mu.Unlock()
	})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := escalated
		mu.Unlock()
		if got != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if escalated == nil {
		t.Fatal("expected producer to escalate after consecutive failures")
	}
}

func TestProducerStopsAtEndWithoutLoop(t *testing.T) {
	pool, err := bufferpool.NewOwned(2, 64, false, "noloop", "test")
	if err != nil {
		t.Fatalf("NewOwned: %v", err)
	}
	src := &fakeSource{total: 3, frameSize: 64}

	p, err := New(Config{Width: 8, Height: 8, BitsPerPixel: 8, Workers: 1, Loop: false}, src, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().FrameIndex < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = p.Stop()

	if got := p.Stats().FramesProduced; got > 3 {
		t.Fatalf("expected at most 3 frames without loop, got %d", got)
	}
}
