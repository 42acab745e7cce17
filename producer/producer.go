// Package producer drives N worker goroutines that pull frames from a
// framesource.Source and hand them off through a bufferpool.Pool.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luoxiafeng-1990/display/bufferpool"
	"github.com/luoxiafeng-1990/display/framesource"
)

// maxConsecutiveFailures is how many back-to-back read failures a
// single worker tolerates before escalating via OnError and stopping
// the whole producer.
const maxConsecutiveFailures = 10

// Config is an immutable description of one producer run.
type Config struct {
	Width, Height, BitsPerPixel int
	Loop                        bool
	Workers                     int
	AcquireTimeout              time.Duration
}

// Stats is a point-in-time snapshot of a producer's progress.
type Stats struct {
	FramesProduced uint64
	FramesSkipped  uint64
	FrameIndex     uint64
}

// Producer owns the read-decode-submit loop for one framesource.Source
// feeding one destination bufferpool.Pool.
type Producer struct {
	cfg    Config
	source framesource.Source
	pool   *bufferpool.Pool

	frameIndex    atomic.Uint64
	framesOK      atomic.Uint64
	framesSkipped atomic.Uint64

	mu       sync.Mutex
	onError  func(error)
	lastErr  error

	cancel context.CancelFunc
	wg     sync.WaitGroup
	running atomic.Bool
}

// New builds a Producer reading from source and submitting into pool.
// Workers defaults to 1 if cfg.Workers <= 0.
func New(cfg Config, source framesource.Source, pool *bufferpool.Pool) (*Producer, error) {
	if source == nil || pool == nil {
		return nil, fmt.Errorf("producer: source and pool are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = time.Second
	}
	return &Producer{cfg: cfg, source: source, pool: pool}, nil
}

// OnError registers cb to be called once, from the worker that
// detects a fatal condition, immediately before the producer stops
// itself.
func (p *Producer) OnError(cb func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = cb
}

// LastError returns the error that triggered the most recent
// escalation, or nil.
func (p *Producer) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Start launches cfg.Workers worker goroutines. It returns immediately;
// workers run until Stop is called, ctx is cancelled, or a worker
// escalates a fatal error.
func (p *Producer) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("producer: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx, i)
	}
	return nil
}

// Stop cancels every worker and waits for them to exit, then closes
// the underlying source.
func (p *Producer) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return p.source.Close()
}

func (p *Producer) runWorker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf := p.pool.AcquireFree(ctx, true, p.cfg.AcquireTimeout)
		if buf == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		index := p.nextIndex()
		if index == stopSentinel {
			p.pool.AbandonFree(buf)
			return
		}

		n, err := p.source.ReadFrameAt(ctx, index, buf.Data())
		if err != nil {
			consecutiveFailures++
			p.framesSkipped.Add(1)
			p.pool.AbandonFree(buf)
			slog.Warn("producer: read failed", "worker", workerID, "index", index, "error", err, "consecutive", consecutiveFailures)
			if consecutiveFailures >= maxConsecutiveFailures {
				p.escalate(fmt.Errorf("producer: worker %d exceeded %d consecutive failures: %w", workerID, maxConsecutiveFailures, err))
				return
			}
			continue
		}
		consecutiveFailures = 0
		_ = n

		p.pool.SubmitFilled(buf)
		p.framesOK.Add(1)
	}
}

const stopSentinel = ^uint64(0)

// nextIndex computes the next frame index to read, honoring Loop and
// the source's TotalFrames. It returns stopSentinel when the source is
// exhausted and Loop is false.
func (p *Producer) nextIndex() uint64 {
	total := p.source.TotalFrames()
	if total == framesource.Unbounded {
		return p.frameIndex.Add(1) - 1
	}
	if total == 0 {
		return stopSentinel
	}
	idx := p.frameIndex.Add(1) - 1
	if idx < total {
		return idx
	}
	if !p.cfg.Loop {
		return stopSentinel
	}
	return idx % total
}

func (p *Producer) escalate(err error) {
	p.mu.Lock()
	p.lastErr = err
	cb := p.onError
	p.mu.Unlock()

	if cb != nil {
		cb(err)
	}
	go p.Stop()
}

// Stats returns a point-in-time snapshot of the producer's progress.
func (p *Producer) Stats() Stats {
	return Stats{
		FramesProduced: p.framesOK.Load(),
		FramesSkipped:  p.framesSkipped.Load(),
		FrameIndex:     p.frameIndex.Load(),
	}
}
