// Package rtspsource implements framesource.Source over an RTSP
// network stream, decoded through a GStreamer pipeline with optional
// VAAPI hardware acceleration and automatic exponential-backoff
// reconnection.
package rtspsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/luoxiafeng-1990/display/bufferpool"
	"github.com/luoxiafeng-1990/display/framesource"
	"github.com/luoxiafeng-1990/display/framesource/rtspsource/internal/rtsp"
)

// mailboxWaitTimeout bounds how long ReadFrameAt (traditional mode)
// waits for a new frame before reporting a timeout to the caller.
const mailboxWaitTimeout = 100 * time.Millisecond

// Acceleration selects how the pipeline decodes H.264. It mirrors
// internal/rtsp.Acceleration one-for-one; the duplication exists only
// because Go's internal/ visibility rule would otherwise hide the
// pipeline's acceleration enum from every caller outside this package.
type Acceleration int

const (
	AccelAuto Acceleration = iota
	AccelVAAPI
	AccelSoftware
)

func (a Acceleration) internal() rtsp.Acceleration {
	switch a {
	case AccelVAAPI:
		return rtsp.AccelVAAPI
	case AccelSoftware:
		return rtsp.AccelSoftware
	default:
		return rtsp.AccelAuto
	}
}

// Options configures a Source. The pipeline always decodes to RGB24,
// matching the capsfilter geometry CreatePipeline negotiates.
type Options struct {
	Width, Height int
	TargetFPS     float64
	Acceleration  Acceleration
	SourceName    string
}

// Source serves decoded RTSP frames as a framesource.Source. It has no
// notion of a frame index: ReadFrameAt ignores its index argument and
// serves whatever frame is most recently decoded. Random access
// (Seek/Skip) is inherently unsupported by a live stream.
type Source struct {
	opts Options

	mu          sync.Mutex
	inboxCond   *sync.Cond
	latest      []byte
	latestAt    time.Time
	latestTrace string

	sink *bufferpool.Pool // non-nil enables zero-copy injection mode

	url     string
	open    atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	frameCount    uint64
	bytesRead     uint64
	framesDropped uint64
	reconnects    uint32
	errNet        uint64
	errCodec      uint64
	errAuth       uint64
	errUnknown    uint64
}

// New returns an unopened RTSP source for the given decode geometry.
func New(opts Options) *Source {
	s := &Source{opts: opts}
	s.inboxCond = sync.NewCond(&s.mu)
	return s
}

// RegisterSink switches the source into zero-copy mode: each decoded
// frame is wrapped in a bufferpool.Handle and injected directly into
// pool, and ReadFrameAt becomes a no-op success. Must be called before
// Open.
func (s *Source) RegisterSink(pool *bufferpool.Pool) {
	s.sink = pool
}

func (s *Source) Open(url string) error {
	if s.open.Load() {
		return fmt.Errorf("rtspsource: already open")
	}
	s.url = url

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.open.Store(true)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *Source) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.inboxCond.Broadcast()
	s.mu.Unlock()
	return nil
}

// run owns the reconnect loop: each iteration builds a fresh pipeline,
// drives it to PLAYING, then blocks in MonitorBus until the stream
// fails or ctx is cancelled.
func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()

	state := &rtsp.ReconnectState{Reconnects: &s.reconnects}
	cfg := rtsp.DefaultReconnectConfig()

	_ = rtsp.RunWithReconnect(ctx, func(ctx context.Context) error {
		return s.runOnce(ctx, state)
	}, cfg, state)
}

func (s *Source) runOnce(ctx context.Context, state *rtsp.ReconnectState) error {
	elements, err := rtsp.CreatePipeline(rtsp.PipelineConfig{
		RTSPURL:      s.url,
		Width:        s.opts.Width,
		Height:       s.opts.Height,
		TargetFPS:    s.opts.TargetFPS,
		Acceleration: s.opts.Acceleration.internal(),
	})
	if err != nil {
		return fmt.Errorf("rtspsource: create pipeline: %w", err)
	}
	defer rtsp.DestroyPipeline(elements)

	elements.RTSPSrc.Connect("pad-added", func(srcElement *gst.Element, srcPad *gst.Pad) {
		s.onPadAdded(elements, srcPad)
	})
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("rtspsource: set pipeline playing: %w", err)
	}

	counters := &rtsp.ErrorCounters{
		Network: &s.errNet, Codec: &s.errCodec, Auth: &s.errAuth, Unknown: &s.errUnknown,
	}
	busCtx := &rtsp.BusContext{RTSPURL: s.url, StartedAt: time.Now(), FrameCount: &s.frameCount}
	return rtsp.MonitorBus(ctx, elements.Pipeline, counters, state, busCtx)
}

func (s *Source) onPadAdded(elements *rtsp.PipelineElements, srcPad *gst.Pad) {
	depay := elements.Pipeline.GetByName("rtph264depay0")
	if depay == nil {
		slog.Error("rtspsource: could not find rtph264depay element to link dynamic pad")
		return
	}
	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("rtspsource: rtph264depay has no sink pad")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("rtspsource: failed to link dynamic pad", "ret", ret)
	}
}

func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	atomic.AddUint64(&s.frameCount, 1)
	atomic.AddUint64(&s.bytesRead, uint64(len(data)))
	traceID := uuid.New().String()

	if s.sink != nil {
		s.injectIntoSink(frameData, traceID)
		return gst.FlowOK
	}

	s.mu.Lock()
	s.latest = frameData
	s.latestAt = time.Now()
	s.latestTrace = traceID
	s.inboxCond.Broadcast()
	s.mu.Unlock()
	return gst.FlowOK
}

func (s *Source) injectIntoSink(data []byte, traceID string) {
	h := bufferpool.NewHandle(data, 0, nil)
	if _, err := s.sink.InjectFilledBuffer(h); err != nil {
		atomic.AddUint64(&s.framesDropped, 1)
		slog.Debug("rtspsource: dropping frame, sink pool rejected injection",
			"error", err, "trace_id", traceID)
		h.Close()
	}
}

// ReadFrameAt ignores index and serves the latest decoded frame. In
// zero-copy mode (RegisterSink called) it is a no-op: frames already
// arrived in the destination pool via injection, so there is nothing
// left to copy.
func (s *Source) ReadFrameAt(ctx context.Context, index uint64, dest []byte) (int, error) {
	if s.sink != nil {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(mailboxWaitTimeout)
	for s.latest == nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("rtspsource: no frame available within %s", mailboxWaitTimeout)
		}
		s.waitWithDeadline(deadline)
	}
	n := copy(dest, s.latest)
	return n, nil
}

// waitWithDeadline wakes inboxCond periodically so the ctx/deadline
// checks in ReadFrameAt's loop are re-evaluated even with no new frame.
func (s *Source) waitWithDeadline(deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		s.mu.Lock()
		s.inboxCond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	s.inboxCond.Wait()
}

// SetTargetFPS records fps as the stream's output framerate. It does
// not touch a pipeline that is already running: the new value takes
// effect the next time a pipeline is built (after a reconnect, or on
// the next Open).
func (s *Source) SetTargetFPS(fps float64) {
	s.opts.TargetFPS = fps
}

func (s *Source) TotalFrames() uint64    { return framesource.Unbounded }
func (s *Source) FrameSize() int         { return framesource.FrameSize(s.opts.Width, s.opts.Height, 24) }
func (s *Source) Width() int             { return s.opts.Width }
func (s *Source) Height() int            { return s.opts.Height }
func (s *Source) BitsPerPixel() int      { return 24 }
func (s *Source) IsOpen() bool           { return s.open.Load() }

// Seek/Skip have no meaning against a live stream.
func (s *Source) Seek(index uint64) error { return framesource.ErrSeekUnsupported }
func (s *Source) Skip(n uint64) error     { return framesource.ErrSeekUnsupported }

// Stats is a point-in-time snapshot of the source's counters.
type Stats struct {
	FramesDecoded uint64
	BytesRead     uint64
	FramesDropped uint64
	Reconnects    uint32
	NetworkErrors uint64
	CodecErrors   uint64
	AuthErrors    uint64
	UnknownErrors uint64
}

func (s *Source) Stats() Stats {
	return Stats{
		FramesDecoded: atomic.LoadUint64(&s.frameCount),
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		FramesDropped: atomic.LoadUint64(&s.framesDropped),
		Reconnects:    atomic.LoadUint32(&s.reconnects),
		NetworkErrors: atomic.LoadUint64(&s.errNet),
		CodecErrors:   atomic.LoadUint64(&s.errCodec),
		AuthErrors:    atomic.LoadUint64(&s.errAuth),
		UnknownErrors: atomic.LoadUint64(&s.errUnknown),
	}
}

var _ framesource.Source = (*Source)(nil)
