// Command displaysrv drains frames from a frame source into a buffer
// pool and hands each filled buffer to a framebuffer device, choosing
// among DMA, filled-pane, and copy display strategies per buffer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luoxiafeng-1990/display/bufferpool"
	"github.com/luoxiafeng-1990/display/consumer"
	"github.com/luoxiafeng-1990/display/fbdisplay"
	"github.com/luoxiafeng-1990/display/framesource"
	"github.com/luoxiafeng-1990/display/framesource/asyncsource"
	"github.com/luoxiafeng-1990/display/framesource/mmapsource"
	"github.com/luoxiafeng-1990/display/framesource/rtspsource"
	"github.com/luoxiafeng-1990/display/producer"
	"github.com/luoxiafeng-1990/display/statsbus"
)

const version = "v0.1.0"

func main() {
	path := flag.String("path", "", "raw-frame file or RTSP URL, depending on -strategy")
	strategyFlag := flag.String("strategy", "auto", "frame source: auto, mmap, async, rtsp")
	configPath := flag.String("config", "", "path to displaysrv.yaml (optional)")
	workers := flag.Int("workers", 1, "producer worker goroutines")
	loopFlag := flag.Bool("loop", false, "loop the file source at end-of-stream")
	vsync := flag.Bool("vsync", false, "wait for vertical sync after each display")
	displayStrategy := flag.String("display-strategy", "auto", "auto, dma, filled_pane, copy")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("displaysrv %s\n", version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("displaysrv: load config", "error", err)
		os.Exit(1)
	}

	if *path == "" {
		fmt.Fprintln(os.Stderr, "Error: -path is required")
		flag.PrintDefaults()
		os.Exit(1)
	}

	strategy := resolveStrategy(*strategyFlag, cfg.Source)
	src, err := openSource(strategy, cfg.Source)
	if err != nil {
		slog.Error("displaysrv: open frame source", "error", err)
		os.Exit(1)
	}
	if err := src.Open(*path); err != nil {
		slog.Error("displaysrv: open source path", "path", *path, "error", err)
		os.Exit(1)
	}
	defer src.Close()

	fb, err := fbdisplay.Open(cfg.Display.DeviceIndex)
	if err != nil {
		slog.Error("displaysrv: open framebuffer", "device_index", cfg.Display.DeviceIndex, "error", err)
		os.Exit(1)
	}
	defer fb.Close()

	pool, err := bufferpool.NewOwned(cfg.Pool.BufferCount, src.FrameSize(), cfg.Pool.UseContiguous, "decode", "displaysrv")
	if err != nil {
		slog.Error("displaysrv: create buffer pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	prod, err := producer.New(producer.Config{
		Width:        cfg.Source.Width,
		Height:       cfg.Source.Height,
		BitsPerPixel: cfg.Source.BitsPerPixel,
		Loop:         cfg.Source.Loop || *loopFlag,
		Workers:      *workers,
	}, src, pool)
	if err != nil {
		slog.Error("displaysrv: create producer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exitCode := 0
	prod.OnError(func(err error) {
		slog.Error("displaysrv: producer escalated", "error", err)
		exitCode = 1
		cancel()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("displaysrv: received interrupt, shutting down")
		cancel()
	}()

	if err := prod.Start(ctx); err != nil {
		slog.Error("displaysrv: start producer", "error", err)
		os.Exit(1)
	}

	loop := consumer.New(pool, fb, consumer.Strategy(*displayStrategy)).WithVerticalSync(*vsync)

	bus := statsbus.New()
	defer bus.Close()

	consoleCh := make(chan statsbus.Sample, 4)
	if err := bus.Subscribe("console", consoleCh); err != nil {
		slog.Error("displaysrv: subscribe console stats", "error", err)
		os.Exit(1)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sample := <-consoleCh:
				slog.Info("displaysrv: stats", statsFieldsToArgs(sample.Fields)...)
			}
		}
	}()

	var hb *heartbeat
	if cfg.MQTT.Enabled {
		hb = newHeartbeat(cfg.MQTT)
		if err := hb.connect(); err != nil {
			slog.Warn("displaysrv: mqtt heartbeat disabled, connect failed", "error", err)
			hb = nil
		} else {
			defer hb.disconnect()
			if err := hb.subscribeBus(ctx, bus, "mqtt"); err != nil {
				slog.Warn("displaysrv: subscribe mqtt stats", "error", err)
			}
		}
	}

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				bus.Publish(buildSample(prod, loop, pool))
			}
		}
	}()

	runErr := loop.Run(ctx)
	_ = prod.Stop()
	bus.Publish(buildSample(prod, loop, pool))

	if runErr != nil {
		slog.Error("displaysrv: consumer loop exited with error", "error", runErr)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func openSource(strategy framesource.Strategy, cfg SourceConfig) (framesource.Source, error) {
	switch strategy {
	case framesource.StrategyMmap, framesource.StrategyAuto:
		return mmapsource.New(cfg.Width, cfg.Height, cfg.BitsPerPixel), nil
	case framesource.StrategyAsync:
		return asyncsource.New(cfg.Width, cfg.Height, cfg.BitsPerPixel, asyncsource.DefaultQueueDepth), nil
	case framesource.StrategyRTSP:
		return rtspsource.New(rtspsource.Options{
			Width:        cfg.Width,
			Height:       cfg.Height,
			TargetFPS:    cfg.TargetFPS,
			Acceleration: resolveAcceleration(cfg.Acceleration),
			SourceName:   "displaysrv",
		}), nil
	default:
		return nil, fmt.Errorf("displaysrv: unknown frame source strategy %q", strategy)
	}
}

// buildSample snapshots the producer, consumer, and pool into one
// statsbus.Sample.
func buildSample(prod *producer.Producer, loop *consumer.Loop, pool *bufferpool.Pool) statsbus.Sample {
	pstats := prod.Stats()
	cstats := loop.Stats()
	poolStats := pool.Stats()
	return statsbus.Sample{
		Source:    "displaysrv",
		Timestamp: time.Now(),
		Fields: map[string]uint64{
			"frames_produced":  pstats.FramesProduced,
			"frames_skipped":   pstats.FramesSkipped,
			"frames_displayed": cstats.FramesDisplayed,
			"frames_failed":    cstats.FramesFailed,
			"pool_free":        uint64(poolStats.Free),
			"pool_filled":      uint64(poolStats.Filled),
			"pool_held":        uint64(poolStats.Held),
		},
	}
}

func statsFieldsToArgs(fields map[string]uint64) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
