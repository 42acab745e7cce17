package rtsp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Acceleration selects how the pipeline decodes H.264.
type Acceleration int

const (
	AccelAuto Acceleration = iota
	AccelVAAPI
	AccelSoftware
)

// PipelineConfig parameterizes CreatePipeline.
type PipelineConfig struct {
	RTSPURL      string
	Width        int
	Height       int
	TargetFPS    float64
	Acceleration Acceleration
}

// PipelineElements holds the element references CreatePipeline's
// caller needs for dynamic pad linking, hot-reload, and teardown.
type PipelineElements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	CapsFilter *gst.Element
	RTSPSrc    *gst.Element
	UsingVAAPI bool
}

// CreatePipeline builds, but does not start, a GStreamer pipeline:
//
//	rtspsrc -> rtph264depay -> [vaapih264dec|avdec_h264] -> [vaapipostproc] ->
//	videoconvert -> [videoscale] -> videorate -> capsfilter -> appsink
//
// rtspsrc's pads are dynamic and must be linked by the caller's
// pad-added handler once the stream is flowing.
func CreatePipeline(cfg PipelineConfig) (*PipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("rtspsource: create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("rtspsource: create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", cfg.RTSPURL)
	rtspsrc.SetProperty("protocols", 4) // TCP only: avoids UDP port/firewall issues on embedded LANs
	latency := 200
	if cfg.TargetFPS <= 2.0 {
		latency = 50
	}
	rtspsrc.SetProperty("latency", latency)
	rtspsrc.SetProperty("buffer-mode", 3)
	rtspsrc.SetProperty("tcp-timeout", uint64(10_000_000))

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("rtspsource: create rtph264depay: %w", err)
	}
	depay.SetProperty("request-keyframe", true)

	decoder, vaapiPostproc, converter, scaler, usingVAAPI, err := buildDecodeChain(cfg)
	if err != nil {
		return nil, err
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("rtspsource: create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("rtspsource: create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildFramerateCaps(cfg.Width, cfg.Height, cfg.TargetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("rtspsource: create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	chain := []*gst.Element{depay, decoder}
	if usingVAAPI {
		rgbLock, err := gst.NewElement("capsfilter")
		if err != nil {
			return nil, fmt.Errorf("rtspsource: create rgb lock capsfilter: %w", err)
		}
		rgbLock.SetProperty("caps", gst.NewCapsFromString(
			fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", cfg.Width, cfg.Height)))
		chain = append(chain, vaapiPostproc, converter, rgbLock)
	} else {
		chain = append(chain, converter, scaler)
	}
	chain = append(chain, videorate, capsfilter, appsink.Element)

	pipeline.Add(rtspsrc)
	for _, el := range chain {
		pipeline.Add(el)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("rtspsource: link pipeline elements: %w", err)
	}

	probeTarget := decoder
	if usingVAAPI {
		probeTarget = vaapiPostproc
	}
	if err := addDecodeLatencyProbe(probeTarget); err != nil {
		slog.Warn("rtspsource: decode latency probe unavailable", "error", err)
	}

	return &PipelineElements{
		Pipeline:   pipeline,
		AppSink:    appsink,
		CapsFilter: capsfilter,
		RTSPSrc:    rtspsrc,
		UsingVAAPI: usingVAAPI,
	}, nil
}

// buildDecodeChain picks VAAPI, software, or (AccelAuto) whichever VAAPI
// element creation succeeds, falling back to software on any failure.
func buildDecodeChain(cfg PipelineConfig) (decoder, vaapiPostproc, converter, scaler *gst.Element, usingVAAPI bool, err error) {
	switch cfg.Acceleration {
	case AccelVAAPI:
		return mustVAAPIChain(cfg)
	case AccelSoftware:
		d, c, s, err := softwareChain()
		return d, nil, c, s, false, err
	case AccelAuto:
		if d, vp, c, ok := tryVAAPIChain(cfg); ok {
			return d, vp, c, nil, true, nil
		}
		slog.Warn("rtspsource: VAAPI unavailable, falling back to software decode")
		d, c, s, err := softwareChain()
		return d, nil, c, s, false, err
	default:
		return nil, nil, nil, nil, false, fmt.Errorf("rtspsource: invalid acceleration mode %d", cfg.Acceleration)
	}
}

func mustVAAPIChain(cfg PipelineConfig) (decoder, vaapiPostproc, converter, scaler *gst.Element, usingVAAPI bool, err error) {
	d, vp, c, ok := tryVAAPIChain(cfg)
	if !ok {
		return nil, nil, nil, nil, false, fmt.Errorf("rtspsource: VAAPI required but unavailable")
	}
	return d, vp, c, nil, true, nil
}

func tryVAAPIChain(cfg PipelineConfig) (decoder, vaapiPostproc, converter *gst.Element, ok bool) {
	decoder, err := gst.NewElement("vaapih264dec")
	if err != nil {
		return nil, nil, nil, false
	}
	decoder.SetProperty("low-latency", true)
	if cfg.TargetFPS < 6.0 {
		decoder.SetProperty("output-corrupt", false)
	}

	vaapiPostproc, err = gst.NewElement("vaapipostproc")
	if err != nil {
		return nil, nil, nil, false
	}
	vaapiPostproc.SetProperty("format", "nv12")
	vaapiPostproc.SetProperty("width", cfg.Width)
	vaapiPostproc.SetProperty("height", cfg.Height)
	vaapiPostproc.SetProperty("scale-method", 2)

	converter, err = gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, nil, false
	}
	converter.SetProperty("n-threads", 0)

	return decoder, vaapiPostproc, converter, true
}

func softwareChain() (decoder, converter, scaler *gst.Element, err error) {
	decoder, err = gst.NewElement("avdec_h264")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rtspsource: create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	converter, err = gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rtspsource: create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err = gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rtspsource: create videoscale: %w", err)
	}
	return decoder, converter, scaler, nil
}

// UpdateFramerateCaps hot-reloads the pipeline's target FPS by pushing
// new caps onto capsfilter; GStreamer renegotiates downstream, which
// costs roughly a couple seconds of stalled frames.
func UpdateFramerateCaps(capsfilter *gst.Element, fps float64, width, height int) error {
	if capsfilter == nil {
		return fmt.Errorf("rtspsource: capsfilter is nil")
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildFramerateCaps(width, height, fps)))
	return nil
}

// DestroyPipeline stops elements and releases resources. Safe on an
// already-stopped or nil pipeline.
func DestroyPipeline(elements *PipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("rtspsource: set pipeline to NULL: %w", err)
	}
	return nil
}

// addDecodeLatencyProbe timestamps buffers as they leave the decoder
// so the consumer can later compute glass-to-glass decode latency.
func addDecodeLatencyProbe(element *gst.Element) error {
	srcPad := element.GetStaticPad("src")
	if srcPad == nil {
		return fmt.Errorf("rtspsource: element %s has no src pad", element.GetName())
	}
	timestampCaps := gst.NewCapsFromString("timestamp/x-decode-exit")
	srcPad.AddProbe(gst.PadProbeTypeBuffer, func(pad *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		buffer := info.GetBuffer()
		if buffer == nil {
			return gst.PadProbeOK
		}
		buffer.AddReferenceTimestampMeta(timestampCaps, time.Since(time.Time{}), 0)
		return gst.PadProbeOK
	})
	return nil
}

// buildFramerateCaps renders a caps string pinning RGB output at the
// given geometry and framerate, supporting sub-1fps targets via an
// inverted fraction (e.g. 0.5fps -> framerate=1/2).
func buildFramerateCaps(width, height int, fps float64) string {
	numerator, denominator := 1, 1
	if fps < 1.0 && fps > 0 {
		denominator = int(1.0 / fps)
	} else if fps >= 1.0 {
		numerator = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", width, height, numerator, denominator)
}
