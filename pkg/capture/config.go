package capture

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/sink"
)

// Config holds all capture configuration
type Config struct {
	Camera  CameraConfig  `yaml:"camera"`
	Session SessionConfig `yaml:"session"`
	Output  OutputConfig  `yaml:"output"`
	Log     LogConfig     `yaml:"log"`
}

// CameraConfig selects the sensor and its mode
type CameraConfig struct {
	Backend     string `yaml:"backend"`      // rpicam, sim
	Device      string `yaml:"device"`       // Camera index or sensor name
	Binary      string `yaml:"binary"`       // Helper binary override
	PixelFormat string `yaml:"pixel_format"` // SBGGR10_CSI2P
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	Stride      int    `yaml:"stride"`       // 0 = packed row size
	BufferCount int    `yaml:"buffer_count"` // 0 = driver default

	ExposureUS         int     `yaml:"exposure_us"`
	AnalogueGain       float64 `yaml:"analogue_gain"`
	FrameDurationMinUS int     `yaml:"frame_duration_min_us"`
	FrameDurationMaxUS int     `yaml:"frame_duration_max_us"`
}

// SessionConfig bounds one capture run
type SessionConfig struct {
	MaxFrames    int           `yaml:"max_frames"`
	PollInterval time.Duration `yaml:"poll_interval"` // Completion wait slice (10ms)
	FrameTimeout time.Duration `yaml:"frame_timeout"` // No completion for this long is a stall
	DrainTimeout time.Duration `yaml:"drain_timeout"` // Wait for outstanding requests at teardown
}

// OutputConfig configures where frames are written
type OutputConfig struct {
	Dir         string `yaml:"dir"`
	DateLayout  string `yaml:"date_layout"`
	Metadata    bool   `yaml:"metadata"`
	LeftJustify bool   `yaml:"left_justify"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json
}

// Controls converts the sensor settings to device controls.
func (c CameraConfig) Controls() device.Controls {
	return device.Controls{
		ExposureTime:     time.Duration(c.ExposureUS) * time.Microsecond,
		AnalogueGain:     c.AnalogueGain,
		FrameDurationMin: time.Duration(c.FrameDurationMinUS) * time.Microsecond,
		FrameDurationMax: time.Duration(c.FrameDurationMaxUS) * time.Microsecond,
	}
}

// StreamConfig converts the mode settings to a device stream request.
func (c CameraConfig) StreamConfig() device.StreamConfig {
	return device.StreamConfig{
		PixelFormat: c.PixelFormat,
		Width:       c.Width,
		Height:      c.Height,
		Stride:      c.Stride,
		BufferCount: c.BufferCount,
	}
}

// SinkConfig converts the output settings to a sink configuration.
func (c OutputConfig) SinkConfig() sink.Config {
	return sink.Config{
		Dir:         c.Dir,
		DateLayout:  c.DateLayout,
		Metadata:    c.Metadata,
		LeftJustify: c.LeftJustify,
	}
}

// DefaultConfig returns the IMX296 global shutter setup: 1456x1088 packed
// 10-bit Bayer at 60 fps, 5 ms exposure, gain 4, 100 frames.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Camera.Backend == "" {
		c.Camera.Backend = "rpicam"
	}
	if c.Camera.PixelFormat == "" {
		c.Camera.PixelFormat = "SBGGR10_CSI2P"
	}
	if c.Camera.Width == 0 {
		c.Camera.Width = 1456
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = 1088
	}
	if c.Camera.ExposureUS == 0 {
		c.Camera.ExposureUS = 5000
	}
	if c.Camera.AnalogueGain == 0 {
		c.Camera.AnalogueGain = 4.0
	}
	if c.Camera.FrameDurationMinUS == 0 {
		c.Camera.FrameDurationMinUS = 16667
	}
	if c.Camera.FrameDurationMaxUS == 0 {
		c.Camera.FrameDurationMaxUS = c.Camera.FrameDurationMinUS
	}

	if c.Session.MaxFrames == 0 {
		c.Session.MaxFrames = 100
	}
	if c.Session.PollInterval == 0 {
		c.Session.PollInterval = 10 * time.Millisecond
	}
	if c.Session.FrameTimeout == 0 {
		c.Session.FrameTimeout = 5 * time.Second
	}
	if c.Session.DrainTimeout == 0 {
		c.Session.DrainTimeout = 2 * time.Second
	}

	if c.Output.Dir == "" {
		c.Output.Dir = sink.DefaultDir
	}
	if c.Output.DateLayout == "" {
		c.Output.DateLayout = sink.DefaultDateLayout
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatConsole
	}
}

// Validate rejects settings no session can run with.
func (c *Config) Validate() error {
	switch {
	case c.Camera.Width <= 0 || c.Camera.Height <= 0:
		return fmt.Errorf("invalid config: size %dx%d", c.Camera.Width, c.Camera.Height)
	case c.Camera.Stride < 0:
		return fmt.Errorf("invalid config: negative stride %d", c.Camera.Stride)
	case c.Camera.BufferCount < 0:
		return fmt.Errorf("invalid config: negative buffer_count %d", c.Camera.BufferCount)
	case c.Camera.ExposureUS < 0 || c.Camera.AnalogueGain < 0:
		return fmt.Errorf("invalid config: negative exposure or gain")
	case c.Camera.FrameDurationMinUS > c.Camera.FrameDurationMaxUS:
		return fmt.Errorf("invalid config: frame_duration_min_us %d above max %d",
			c.Camera.FrameDurationMinUS, c.Camera.FrameDurationMaxUS)
	case c.Session.MaxFrames <= 0:
		return fmt.Errorf("invalid config: max_frames must be positive, got %d", c.Session.MaxFrames)
	case c.Session.PollInterval <= 0 || c.Session.FrameTimeout <= 0 || c.Session.DrainTimeout <= 0:
		return fmt.Errorf("invalid config: session timeouts must be positive")
	}
	switch c.Log.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid config: log format %q", c.Log.Format)
	}
	return nil
}
