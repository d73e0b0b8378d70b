// Package config loads posetrace settings from YAML.
package config

import (
	"fmt"
	"image/color"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ayusman/posetrace/internal/capture"
	"github.com/ayusman/posetrace/internal/detector"
	"github.com/ayusman/posetrace/internal/overlay"
	"github.com/ayusman/posetrace/internal/trace"
	"github.com/ayusman/posetrace/internal/transcode"
)

// Config represents the complete posetrace configuration.
type Config struct {
	Render   RenderConfig   `yaml:"render"`
	Detector DetectorConfig `yaml:"detector"`
	Encode   EncodeConfig   `yaml:"encode"`
	Finalize FinalizeConfig `yaml:"finalize"`
	Store    StoreConfig    `yaml:"store"`
	Trace    TraceConfig    `yaml:"trace"`
	Server   ServerConfig   `yaml:"server"`
}

// RenderConfig controls the overlay.
type RenderConfig struct {
	DrawSkeleton      bool        `yaml:"draw_skeleton"`
	AllLandmarks      bool        `yaml:"all_landmarks"`
	CalculateAngle    bool        `yaml:"calculate_angle"` // reserved, no effect
	ExcludedLandmarks []int       `yaml:"excluded_landmarks"`
	Landmark          StyleConfig `yaml:"landmark"`
	Connection        StyleConfig `yaml:"connection"`
	MinVisibility     float64     `yaml:"min_visibility"`
}

// StyleConfig is a drawing style. Color is [r, g, b].
type StyleConfig struct {
	Color     []int `yaml:"color,flow"`
	Thickness int   `yaml:"thickness"`
	Radius    int   `yaml:"radius"`
}

// DetectorConfig selects and tunes the pose model.
type DetectorConfig struct {
	Mock                   bool    `yaml:"mock"`
	PythonPath             string  `yaml:"python_path"`
	ScriptPath             string  `yaml:"script_path"`
	ModelComplexity        int     `yaml:"model_complexity"`
	MinDetectionConfidence float64 `yaml:"min_detection_confidence"`
	MinTrackingConfidence  float64 `yaml:"min_tracking_confidence"`
	StaticImageMode        bool    `yaml:"static_image_mode"`
	SmoothLandmarks        bool    `yaml:"smooth_landmarks"`
}

// EncodeConfig controls the intermediate recording.
type EncodeConfig struct {
	Codec      string `yaml:"codec"`       // FOURCC
	ScratchDir string `yaml:"scratch_dir"` // empty uses the system temp dir
}

// FinalizeConfig controls the ffmpeg pass.
type FinalizeConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	Encoder     string `yaml:"encoder"` // libx264, h264_nvenc, h264_videotoolbox, auto
	Quality     int    `yaml:"quality"`
	Preset      string `yaml:"preset"`
	TimeoutS    int    `yaml:"timeout_s"` // 0 = no limit
	Verify      bool   `yaml:"verify"`
}

// StoreConfig locates the run history database. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TraceConfig controls landmark export. An empty path disables it.
type TraceConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // json, msgpack; empty follows the file extension
}

// ServerConfig configures the job API.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	QueueSize int    `yaml:"queue_size"`
}

// Default returns the default configuration.
func Default() *Config {
	det := detector.DefaultConfig()
	fin := transcode.DefaultOptions()

	return &Config{
		Render: RenderConfig{
			DrawSkeleton:      true,
			AllLandmarks:      true,
			ExcludedLandmarks: append([]int(nil), detector.FaceLandmarks...),
			Landmark:          styleConfig(overlay.DefaultLandmarkStyle),
			Connection:        styleConfig(overlay.DefaultConnectionStyle),
			MinVisibility:     overlay.DefaultMinVisibility,
		},
		Detector: DetectorConfig{
			ModelComplexity:        det.ModelComplexity,
			MinDetectionConfidence: det.MinConfidence,
			MinTrackingConfidence:  det.MinTrackingConf,
			SmoothLandmarks:        det.SmoothLandmarks,
		},
		Encode: EncodeConfig{
			Codec: capture.DefaultCodec,
		},
		Finalize: FinalizeConfig{
			FFmpegPath:  fin.FFmpegPath,
			FFprobePath: fin.FFprobePath,
			Encoder:     fin.Encoder,
			Quality:     fin.Quality,
			Preset:      fin.Preset,
		},
		Server: ServerConfig{
			Addr:      ":8080",
			QueueSize: 16,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for values the pipeline cannot use.
func (c *Config) Validate() error {
	for _, idx := range c.Render.ExcludedLandmarks {
		if idx < 0 || idx >= detector.NumLandmarks {
			return fmt.Errorf("render.excluded_landmarks: index %d out of range [0, %d)", idx, detector.NumLandmarks)
		}
	}
	if err := c.Render.Landmark.validate("render.landmark"); err != nil {
		return err
	}
	if err := c.Render.Connection.validate("render.connection"); err != nil {
		return err
	}
	if c.Render.MinVisibility < 0 || c.Render.MinVisibility > 1 {
		return fmt.Errorf("render.min_visibility must be within [0, 1]")
	}

	if c.Detector.ModelComplexity < 0 || c.Detector.ModelComplexity > 2 {
		return fmt.Errorf("detector.model_complexity must be 0, 1 or 2")
	}
	if c.Detector.MinDetectionConfidence < 0 || c.Detector.MinDetectionConfidence > 1 {
		return fmt.Errorf("detector.min_detection_confidence must be within [0, 1]")
	}
	if c.Detector.MinTrackingConfidence < 0 || c.Detector.MinTrackingConfidence > 1 {
		return fmt.Errorf("detector.min_tracking_confidence must be within [0, 1]")
	}

	if len(c.Encode.Codec) != 4 {
		return fmt.Errorf("encode.codec must be a four character code, got %q", c.Encode.Codec)
	}

	if !transcode.ValidEncoder(c.Finalize.Encoder) {
		return fmt.Errorf("finalize.encoder: unsupported encoder %q", c.Finalize.Encoder)
	}
	if c.Finalize.Quality <= 0 {
		return fmt.Errorf("finalize.quality must be > 0")
	}
	if c.Finalize.TimeoutS < 0 {
		return fmt.Errorf("finalize.timeout_s must be >= 0")
	}

	if _, err := trace.ParseFormat(c.Trace.Format); err != nil {
		return fmt.Errorf("trace.format: %w", err)
	}

	if c.Server.QueueSize <= 0 {
		c.Server.QueueSize = 16 // default
	}

	return nil
}

func (s StyleConfig) validate(field string) error {
	if len(s.Color) != 3 {
		return fmt.Errorf("%s.color must be [r, g, b]", field)
	}
	for _, v := range s.Color {
		if v < 0 || v > 255 {
			return fmt.Errorf("%s.color components must be within [0, 255]", field)
		}
	}
	if s.Thickness < 0 || s.Radius < 0 {
		return fmt.Errorf("%s thickness and radius must be >= 0", field)
	}
	return nil
}

// Style converts the configuration to an overlay style.
func (s StyleConfig) Style() overlay.Style {
	var c color.RGBA
	if len(s.Color) == 3 {
		c = color.RGBA{R: uint8(s.Color[0]), G: uint8(s.Color[1]), B: uint8(s.Color[2]), A: 255}
	}
	return overlay.Style{Color: c, Thickness: s.Thickness, Radius: s.Radius}
}

func styleConfig(s overlay.Style) StyleConfig {
	return StyleConfig{
		Color:     []int{int(s.Color.R), int(s.Color.G), int(s.Color.B)},
		Thickness: s.Thickness,
		Radius:    s.Radius,
	}
}

// PolicyOptions returns the overlay policy options for this configuration.
func (r RenderConfig) PolicyOptions() overlay.PolicyOptions {
	excluded := r.ExcludedLandmarks
	if excluded == nil {
		excluded = []int{}
	}
	return overlay.PolicyOptions{
		AllLandmarks:    r.AllLandmarks,
		Excluded:        excluded,
		LandmarkStyle:   r.Landmark.Style(),
		ConnectionStyle: r.Connection.Style(),
	}
}

// DetectorConfig returns the MediaPipe detector settings.
func (d DetectorConfig) DetectorConfig() detector.Config {
	return detector.Config{
		PythonPath:      d.PythonPath,
		ScriptPath:      d.ScriptPath,
		ModelComplexity: d.ModelComplexity,
		MinConfidence:   d.MinDetectionConfidence,
		MinTrackingConf: d.MinTrackingConfidence,
		StaticImageMode: d.StaticImageMode,
		SmoothLandmarks: d.SmoothLandmarks,
	}
}

// Options returns the finalizer options.
func (f FinalizeConfig) Options() transcode.Options {
	return transcode.Options{
		FFmpegPath:  f.FFmpegPath,
		FFprobePath: f.FFprobePath,
		Encoder:     f.Encoder,
		Quality:     f.Quality,
		Preset:      f.Preset,
		Timeout:     time.Duration(f.TimeoutS) * time.Second,
	}
}
