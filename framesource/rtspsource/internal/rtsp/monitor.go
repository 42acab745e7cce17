package rtsp

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCounters tallies bus errors by classification for diagnostics.
type ErrorCounters struct {
	Network *uint64
	Codec   *uint64
	Auth    *uint64
	Unknown *uint64
}

// BusContext carries the identifying fields MonitorBus logs alongside
// each bus message.
type BusContext struct {
	RTSPURL    string
	StartedAt  time.Time
	FrameCount *uint64
}

// MonitorBus polls pipeline's bus until ctx is cancelled, an EOS
// arrives, or an error message is read. A PLAYING state transition
// resets reconnectState, mirroring a healthy stream's recovery from a
// prior failure. It returns nil only on a cancelled context; any other
// return is a reason to reconnect.
func MonitorBus(ctx context.Context, pipeline *gst.Pipeline, counters *ErrorCounters, reconnectState *ReconnectState, busCtx *BusContext) error {
	if pipeline == nil {
		return fmt.Errorf("rtspsource: pipeline not initialized")
	}
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("rtspsource: end of stream",
				"rtsp_url", busCtx.RTSPURL, "uptime", time.Since(busCtx.StartedAt))
			return fmt.Errorf("rtspsource: end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			bumpCounter(counters, category)
			slog.Error("rtspsource: pipeline error",
				"error", gerr.Error(), "category", category.String(),
				"rtsp_url", busCtx.RTSPURL, "uptime", time.Since(busCtx.StartedAt),
				"reconnects", loadReconnects(reconnectState))
			return fmt.Errorf("rtspsource: pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			_, newState := msg.ParseStateChanged()
			if newState == gst.StatePlaying {
				ResetReconnectState(reconnectState)
			}
		}
	}
}

func bumpCounter(c *ErrorCounters, category ErrorCategory) {
	switch category {
	case ErrCategoryNetwork:
		atomic.AddUint64(c.Network, 1)
	case ErrCategoryCodec:
		atomic.AddUint64(c.Codec, 1)
	case ErrCategoryAuth:
		atomic.AddUint64(c.Auth, 1)
	default:
		atomic.AddUint64(c.Unknown, 1)
	}
}

func loadReconnects(s *ReconnectState) uint32 {
	if s == nil || s.Reconnects == nil {
		return 0
	}
	return atomic.LoadUint32(s.Reconnects)
}
