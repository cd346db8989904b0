package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ayusman/framelens/internal/detector"
	"github.com/ayusman/framelens/internal/geometry"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Pipeline.Cooldown != 250*time.Millisecond {
		t.Errorf("default cooldown = %v, want 250ms", cfg.Pipeline.Cooldown)
	}
	if cfg.Pipeline.Variant() != detector.Detector {
		t.Errorf("default variant = %v, want detector", cfg.Pipeline.Variant())
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framelens.yaml")
	data := `
camera:
  device: 1
  fps: 30
  orientation: left
  motion_threshold: 2.5
pipeline:
  cooldown: 500ms
  model_variant: classifier
  source_orientation_convention: aligned
  display_width: 1280
  display_height: 720
engine:
  kind: subprocess
  command: /usr/local/bin/infer
  args: ["--model", "yolo.tflite"]
  labels: [cat, dog]
  options:
    input_size: "320"
    min_confidence: 0.3
    idle_timeout: 1m
store:
  enabled: true
  path: /tmp/framelens.db
mqtt:
  enabled: true
  broker: tcp://localhost:1883
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Camera.Device != 1 || cfg.Camera.FPS != 30 {
		t.Errorf("camera = %+v", cfg.Camera)
	}
	// Unset fields keep their defaults.
	if cfg.Camera.IdleFPS != 5 || cfg.Server.Addr != ":8080" || cfg.MQTT.Topic != "framelens/overlay" {
		t.Errorf("defaults lost: idle_fps=%d addr=%q topic=%q", cfg.Camera.IdleFPS, cfg.Server.Addr, cfg.MQTT.Topic)
	}

	pc := cfg.Pipeline.Controller()
	if pc.Cooldown != 500*time.Millisecond || pc.Variant != detector.Classifier || pc.Convention != geometry.Aligned {
		t.Errorf("Controller() = %+v", pc)
	}
	if pc.Display != (geometry.Size{Width: 1280, Height: 720}) {
		t.Errorf("display = %+v", pc.Display)
	}

	if fc := cfg.Camera.Feed(); fc.Orientation != geometry.Left || fc.ActiveFPS != 30 {
		t.Errorf("Feed() = %+v", fc)
	}

	dc, err := cfg.Engine.Detector(pc.Variant)
	if err != nil {
		t.Fatalf("Detector() error = %v", err)
	}
	if dc.InputSize != 320 || dc.MinConfidence != 0.3 || dc.IdleTimeout != time.Minute {
		t.Errorf("Detector() = %+v", dc)
	}
	if dc.Command != "/usr/local/bin/infer" || len(dc.Args) != 2 || len(dc.Labels) != 2 {
		t.Errorf("Detector() command = %q %v labels %v", dc.Command, dc.Args, dc.Labels)
	}
	if dc.IoUThreshold != detector.DefaultConfig().IoUThreshold {
		t.Errorf("IoUThreshold = %f, want default", dc.IoUThreshold)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
	if errors.Is(err, ErrInvalid) {
		t.Error("a missing file is not a validation error")
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := Parse([]byte("camera: [unclosed")); err == nil {
		t.Error("Parse() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fps", func(c *Config) { c.Camera.FPS = 0 }},
		{"idle above active", func(c *Config) { c.Camera.IdleFPS = c.Camera.FPS + 1 }},
		{"motion threshold", func(c *Config) { c.Camera.MotionThreshold = 101 }},
		{"orientation", func(c *Config) { c.Camera.Orientation = "sideways" }},
		{"negative cooldown", func(c *Config) { c.Pipeline.Cooldown = -time.Second }},
		{"variant", func(c *Config) { c.Pipeline.ModelVariant = "segmenter" }},
		{"convention", func(c *Config) { c.Pipeline.Convention = "upside" }},
		{"source size", func(c *Config) { c.Pipeline.SourceWidth = 0 }},
		{"engine kind", func(c *Config) { c.Engine.Kind = "tpu" }},
		{"subprocess command", func(c *Config) { c.Engine.Kind = "subprocess" }},
		{"onnx model", func(c *Config) { c.Engine.Kind = "onnx" }},
		{"unknown option", func(c *Config) { c.Engine.Options = map[string]any{"turbo": true} }},
		{"bad option value", func(c *Config) { c.Engine.Options = map[string]any{"top_k": "many"} }},
		{"confidence range", func(c *Config) { c.Engine.Options = map[string]any{"min_confidence": 1.5} }},
		{"store path", func(c *Config) { c.Store.Enabled = true }},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true }},
		{"mqtt qos", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Broker = "tcp://localhost:1883"
			c.MQTT.QoS = 3
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidate_ZeroCooldownAllowed(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Cooldown = 0
	cfg.Camera.MotionThreshold = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
