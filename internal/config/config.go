// Package config loads the framelens YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/ayusman/framelens/internal/capture"
	"github.com/ayusman/framelens/internal/detector"
	"github.com/ayusman/framelens/internal/geometry"
	"github.com/ayusman/framelens/internal/pipeline"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete application configuration. It is read once at
// startup and never changed afterwards.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Engine   EngineConfig   `yaml:"engine"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
	Tray     TrayConfig     `yaml:"tray"`
}

// CameraConfig contains capture settings.
type CameraConfig struct {
	Device          int           `yaml:"device"`
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	FPS             int           `yaml:"fps"`
	IdleFPS         int           `yaml:"idle_fps"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	Orientation     string        `yaml:"orientation"`      // up, right, down, left
	MotionThreshold float64       `yaml:"motion_threshold"` // percent of changed pixels, 0 disables
	PreviewFPS      int           `yaml:"preview_fps"`
}

// PipelineConfig contains admission and geometry settings.
type PipelineConfig struct {
	Cooldown      time.Duration `yaml:"cooldown"`
	ModelVariant  string        `yaml:"model_variant"`                 // classifier, detector
	Convention    string        `yaml:"source_orientation_convention"` // rotated, aligned
	DisplayWidth  float64       `yaml:"display_width"`
	DisplayHeight float64       `yaml:"display_height"`
	SourceWidth   float64       `yaml:"source_width"`
	SourceHeight  float64       `yaml:"source_height"`
}

// EngineConfig selects and tunes the inference engine. Options holds
// backend specific values whose YAML types vary.
type EngineConfig struct {
	Kind      string         `yaml:"kind"` // mock, subprocess, onnx
	ModelPath string         `yaml:"model_path"`
	Command   string         `yaml:"command"`
	Args      []string       `yaml:"args"`
	Labels    []string       `yaml:"labels"`
	Options   map[string]any `yaml:"options"`
}

// ServerConfig contains HTTP settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// StoreConfig contains run journal settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Queue   int    `yaml:"queue"`
}

// MQTTConfig contains overlay publisher settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// TrayConfig contains system tray settings.
type TrayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cam := capture.DefaultOptions()
	feed := capture.DefaultFeedConfig()
	pl := pipeline.DefaultConfig()

	return &Config{
		Camera: CameraConfig{
			Device:      cam.DeviceID,
			Width:       cam.Width,
			Height:      cam.Height,
			FPS:         feed.ActiveFPS,
			IdleFPS:     feed.IdleFPS,
			IdleTimeout: feed.IdleTimeout,
			Orientation: geometry.Up.String(),
			PreviewFPS:  10,
		},
		Pipeline: PipelineConfig{
			Cooldown:      pl.Cooldown,
			ModelVariant:  pl.Variant.String(),
			Convention:    pl.Convention.String(),
			DisplayWidth:  pl.Display.Width,
			DisplayHeight: pl.Display.Height,
			SourceWidth:   pl.Source.Width,
			SourceHeight:  pl.Source.Height,
		},
		Engine: EngineConfig{
			Kind: "mock",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Queue: 64,
		},
		MQTT: MQTTConfig{
			Topic:    "framelens/overlay",
			ClientID: "framelens",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports the first problem found.
func (c *Config) Validate() error {
	if c.Camera.FPS <= 0 {
		return invalid("camera.fps must be > 0")
	}
	if c.Camera.IdleFPS <= 0 || c.Camera.IdleFPS > c.Camera.FPS {
		return invalid("camera.idle_fps must be in 1..camera.fps")
	}
	if c.Camera.MotionThreshold < 0 || c.Camera.MotionThreshold > 100 {
		return invalid("camera.motion_threshold must be in 0..100")
	}
	if _, err := geometry.ParseOrientation(c.Camera.Orientation); err != nil {
		return invalid("camera.orientation: %v", err)
	}

	if c.Pipeline.Cooldown < 0 {
		return invalid("pipeline.cooldown must not be negative")
	}
	if _, err := detector.ParseVariant(c.Pipeline.ModelVariant); err != nil {
		return invalid("pipeline.model_variant: %v", err)
	}
	if _, err := geometry.ParseConvention(c.Pipeline.Convention); err != nil {
		return invalid("pipeline.source_orientation_convention: %v", err)
	}
	if c.Pipeline.SourceWidth <= 0 || c.Pipeline.SourceHeight <= 0 {
		return invalid("pipeline.source_width and source_height must be > 0")
	}

	switch c.Engine.Kind {
	case "mock":
	case "subprocess":
		if c.Engine.Command == "" {
			return invalid("engine.command is required for the subprocess engine")
		}
	case "onnx":
		if c.Engine.ModelPath == "" {
			return invalid("engine.model_path is required for the onnx engine")
		}
	default:
		return invalid("engine.kind %q must be mock, subprocess or onnx", c.Engine.Kind)
	}
	if _, err := c.Engine.Detector(detector.Detector); err != nil {
		return invalid("engine.options: %v", err)
	}

	if c.Store.Enabled && c.Store.Path == "" {
		return invalid("store.path is required when the store is enabled")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return invalid("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.Topic == "" {
			return invalid("mqtt.topic is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return invalid("mqtt.qos must be 0, 1 or 2")
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Variant returns the parsed model variant.
func (p PipelineConfig) Variant() detector.Variant {
	v, _ := detector.ParseVariant(p.ModelVariant)
	return v
}

// Controller returns the pipeline controller settings.
func (p PipelineConfig) Controller() pipeline.Config {
	conv, _ := geometry.ParseConvention(p.Convention)
	return pipeline.Config{
		Variant:    p.Variant(),
		Cooldown:   p.Cooldown,
		Convention: conv,
		Source:     geometry.Size{Width: p.SourceWidth, Height: p.SourceHeight},
		Display:    geometry.Size{Width: p.DisplayWidth, Height: p.DisplayHeight},
	}
}

// Options returns the camera device options.
func (c CameraConfig) Options() capture.Options {
	return capture.Options{
		DeviceID: c.Device,
		Width:    c.Width,
		Height:   c.Height,
		FPS:      c.FPS,
	}
}

// Feed returns the capture loop settings.
func (c CameraConfig) Feed() capture.FeedConfig {
	o, _ := geometry.ParseOrientation(c.Orientation)
	return capture.FeedConfig{
		IdleFPS:     c.IdleFPS,
		ActiveFPS:   c.FPS,
		IdleTimeout: c.IdleTimeout,
		Orientation: o,
	}
}

// Detector builds the engine settings for variant. Recognized options are
// shared_library, input_size, anchors, min_confidence, iou_threshold, top_k
// and idle_timeout; values may be written as numbers or strings.
func (e EngineConfig) Detector(variant detector.Variant) (detector.Config, error) {
	cfg := detector.DefaultConfig()
	cfg.Kind = e.Kind
	cfg.Variant = variant
	cfg.ModelPath = e.ModelPath
	cfg.Command = e.Command
	cfg.Args = e.Args
	cfg.Labels = e.Labels

	var err error
	for key, raw := range e.Options {
		switch key {
		case "shared_library":
			cfg.SharedLibraryPath, err = cast.ToStringE(raw)
		case "input_size":
			cfg.InputSize, err = cast.ToIntE(raw)
		case "anchors":
			cfg.Anchors, err = cast.ToIntE(raw)
		case "min_confidence":
			cfg.MinConfidence, err = cast.ToFloat64E(raw)
		case "iou_threshold":
			cfg.IoUThreshold, err = cast.ToFloat64E(raw)
		case "top_k":
			cfg.TopK, err = cast.ToIntE(raw)
		case "idle_timeout":
			cfg.IdleTimeout, err = cast.ToDurationE(raw)
		default:
			return cfg, fmt.Errorf("unknown option %q", key)
		}
		if err != nil {
			return cfg, fmt.Errorf("option %q: %w", key, err)
		}
	}

	if cfg.InputSize <= 0 {
		return cfg, fmt.Errorf("input_size must be > 0")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return cfg, fmt.Errorf("min_confidence must be in 0.0..1.0")
	}
	if cfg.IoUThreshold < 0 || cfg.IoUThreshold > 1 {
		return cfg, fmt.Errorf("iou_threshold must be in 0.0..1.0")
	}
	return cfg, nil
}
