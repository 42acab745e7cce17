package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/luoxiafeng-1990/display/framesource"
	"github.com/luoxiafeng-1990/display/framesource/rtspsource"
)

// Config is displaysrv's on-disk configuration, loaded from the YAML
// file -config points at; with no -config, no file is read and the
// defaults apply. Every field has a fallback so a missing file is not
// an error; only a malformed one is.
type Config struct {
	Pool     PoolConfig     `yaml:"pool"`
	Display  DisplayConfig  `yaml:"display"`
	Source   SourceConfig   `yaml:"source"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// PoolConfig sizes the decode pool the producer fills.
type PoolConfig struct {
	BufferCount   int  `yaml:"buffer_count"`
	UseContiguous bool `yaml:"use_contiguous"`
}

// DisplayConfig selects the framebuffer device index.
type DisplayConfig struct {
	DeviceIndex int `yaml:"device_index"`
}

// SourceConfig picks the frame-acquisition strategy and its
// parameters. Strategy is honored only when the CLI -strategy flag is
// empty or "auto" and ORION_FRAMESOURCE_STRATEGY is unset (see
// resolveStrategy).
type SourceConfig struct {
	Strategy      string  `yaml:"strategy"` // auto, mmap, async, rtsp
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	BitsPerPixel  int     `yaml:"bits_per_pixel"`
	Loop          bool    `yaml:"loop"`
	TargetFPS     float64 `yaml:"target_fps"`
	Acceleration  string  `yaml:"acceleration"` // auto, vaapi, software
}

// MQTTConfig enables the optional operational heartbeat publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

func defaultConfig() Config {
	return Config{
		Pool: PoolConfig{BufferCount: 4},
		Display: DisplayConfig{
			DeviceIndex: 0,
		},
		Source: SourceConfig{
			Strategy:     "auto",
			Width:        1280,
			Height:       720,
			BitsPerPixel: 24,
			Acceleration: "auto",
		},
	}
}

// loadConfig reads path if it exists; a missing file returns the
// defaults unmodified.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("displaysrv: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("displaysrv: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// resolveStrategy applies the precedence order: ORION_FRAMESOURCE_STRATEGY
// env var, then the config file, then the built-in default — all
// skipped in favor of an explicit, non-"auto" CLI flag value.
func resolveStrategy(cliStrategy string, cfg SourceConfig) framesource.Strategy {
	if cliStrategy != "" && cliStrategy != "auto" {
		return framesource.Strategy(cliStrategy)
	}
	if env := os.Getenv("ORION_FRAMESOURCE_STRATEGY"); env != "" {
		return framesource.Strategy(env)
	}
	if cfg.Strategy != "" && cfg.Strategy != "auto" {
		return framesource.Strategy(cfg.Strategy)
	}
	return framesource.StrategyAuto
}

// resolveAcceleration maps the config file's string to rtspsource's
// exported enum, defaulting to auto on anything unrecognized.
func resolveAcceleration(s string) rtspsource.Acceleration {
	switch s {
	case "vaapi":
		return rtspsource.AccelVAAPI
	case "software":
		return rtspsource.AccelSoftware
	default:
		return rtspsource.AccelAuto
	}
}
