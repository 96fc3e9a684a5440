package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Carmen-Shannon/oxy-frames/common"
)

var (
	// ErrInvalidConfig is returned by Validate when a value is out of range.
	ErrInvalidConfig = errors.New("config: invalid value")
	// ErrUnknownKey is returned by Load when the file contains keys that map to no field.
	ErrUnknownKey = errors.New("config: unknown key")
)

type Config struct {
	Replicas  ReplicasConfig  `toml:"replicas"`
	Buffers   BuffersConfig   `toml:"buffers"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Logging   LoggingConfig   `toml:"logging"`
	Window    WindowConfig    `toml:"window"`
	Renderer  RendererConfig  `toml:"renderer"`
}

type ReplicasConfig struct {
	Count int `toml:"count"` // frames allowed in flight
}

type BuffersConfig struct {
	MaxVertices uint64 `toml:"max_vertices"`
	MaxEntities uint64 `toml:"max_entities"`
}

type SchedulerConfig struct {
	Propagation string `toml:"propagation"` // "ring" or "dirty_range"
	MaxPending  int    `toml:"max_pending"` // 0 = unbounded
	AutoGrow    bool   `toml:"auto_grow"`
	GrowFactor  int    `toml:"grow_factor"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

type WindowConfig struct {
	Title  string `toml:"title"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
}

type RendererConfig struct {
	PresentMode   string `toml:"present_mode"` // "vsync" or "uncapped"
	ForceSoftware bool   `toml:"force_software"`
}

// Load reads the TOML file at path on top of Defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text on top of Defaults and validates the result.
func Parse(text string) (*Config, error) {
	cfg := Defaults()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}
	cfg.fillBlanks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillBlanks restores the default for every string key the file set to "".
func (c *Config) fillBlanks() {
	d := Defaults()
	c.Scheduler.Propagation = common.Coalesce(c.Scheduler.Propagation, d.Scheduler.Propagation)
	c.Logging.Level = common.Coalesce(c.Logging.Level, d.Logging.Level)
	c.Logging.Format = common.Coalesce(c.Logging.Format, d.Logging.Format)
	c.Window.Title = common.Coalesce(c.Window.Title, d.Window.Title)
	c.Renderer.PresentMode = common.Coalesce(c.Renderer.PresentMode, d.Renderer.PresentMode)
}

func Defaults() *Config {
	return &Config{
		Replicas: ReplicasConfig{
			Count: 3,
		},
		Buffers: BuffersConfig{
			MaxVertices: 65536,
			MaxEntities: 4096,
		},
		Scheduler: SchedulerConfig{
			Propagation: "ring",
			GrowFactor:  2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Window: WindowConfig{
			Title:  "oxy-frames",
			Width:  1280,
			Height: 720,
		},
		Renderer: RendererConfig{
			PresentMode: "vsync",
		},
	}
}

// Validate checks every section for out of range values.
func (c *Config) Validate() error {
	switch {
	case c.Replicas.Count < 1:
		return fmt.Errorf("%w: replicas.count must be at least 1, got %d", ErrInvalidConfig, c.Replicas.Count)
	case c.Buffers.MaxVertices == 0:
		return fmt.Errorf("%w: buffers.max_vertices must be positive", ErrInvalidConfig)
	case c.Buffers.MaxEntities == 0:
		return fmt.Errorf("%w: buffers.max_entities must be positive", ErrInvalidConfig)
	case c.Scheduler.MaxPending < 0:
		return fmt.Errorf("%w: scheduler.max_pending must not be negative, got %d", ErrInvalidConfig, c.Scheduler.MaxPending)
	case c.Scheduler.GrowFactor < 2:
		return fmt.Errorf("%w: scheduler.grow_factor must be at least 2, got %d", ErrInvalidConfig, c.Scheduler.GrowFactor)
	case c.Window.Width <= 0 || c.Window.Height <= 0:
		return fmt.Errorf("%w: window size must be positive, got %dx%d", ErrInvalidConfig, c.Window.Width, c.Window.Height)
	}

	switch c.Scheduler.Propagation {
	case "", "ring", "dirty_range":
	default:
		return fmt.Errorf("%w: scheduler.propagation %q", ErrInvalidConfig, c.Scheduler.Propagation)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	switch c.Renderer.PresentMode {
	case "vsync", "uncapped":
	default:
		return fmt.Errorf("%w: renderer.present_mode %q", ErrInvalidConfig, c.Renderer.PresentMode)
	}
	return nil
}
