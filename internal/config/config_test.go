package config

import (
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ayusman/posetrace/internal/detector"
	"github.com/ayusman/posetrace/internal/overlay"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posetrace.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if !cfg.Render.DrawSkeleton || !cfg.Render.AllLandmarks {
		t.Error("draw_skeleton and all_landmarks should default to true")
	}
	if cfg.Render.CalculateAngle {
		t.Error("calculate_angle should default to false")
	}
	if len(cfg.Render.ExcludedLandmarks) != len(detector.FaceLandmarks) {
		t.Errorf("expected %d excluded landmarks, got %d", len(detector.FaceLandmarks), len(cfg.Render.ExcludedLandmarks))
	}
	if cfg.Encode.Codec != "MJPG" {
		t.Errorf("Codec = %q, want MJPG", cfg.Encode.Codec)
	}
	if cfg.Finalize.Encoder != "libx264" {
		t.Errorf("Encoder = %q, want libx264", cfg.Finalize.Encoder)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
render:
  all_landmarks: false
  excluded_landmarks: [0, 7, 8]
  connection:
    color: [0, 0, 255]
    thickness: 3
finalize:
  encoder: auto
  timeout_s: 90
trace:
  path: out.msgpack
  format: msgpack
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Render.AllLandmarks {
		t.Error("all_landmarks should be false")
	}
	if !cfg.Render.DrawSkeleton {
		t.Error("draw_skeleton should keep its default")
	}
	if got := cfg.Render.ExcludedLandmarks; len(got) != 3 || got[0] != 0 || got[1] != 7 || got[2] != 8 {
		t.Errorf("ExcludedLandmarks = %v, want [0 7 8]", got)
	}
	if cfg.Render.Connection.Thickness != 3 {
		t.Errorf("connection thickness = %d, want 3", cfg.Render.Connection.Thickness)
	}
	if cfg.Render.Landmark.Radius != overlay.DefaultLandmarkStyle.Radius {
		t.Error("landmark style should keep its default")
	}
	if cfg.Finalize.Encoder != "auto" {
		t.Errorf("Encoder = %q, want auto", cfg.Finalize.Encoder)
	}
	if cfg.Finalize.Options().Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", cfg.Finalize.Options().Timeout)
	}
	if cfg.Finalize.Quality != 20 {
		t.Errorf("Quality = %d, want default 20", cfg.Finalize.Quality)
	}
	if cfg.Trace.Format != "msgpack" {
		t.Errorf("trace format = %q", cfg.Trace.Format)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{name: "bad yaml", content: "render: [", wantMsg: "failed to parse"},
		{name: "excluded out of range", content: "render:\n  excluded_landmarks: [33]\n", wantMsg: "excluded_landmarks"},
		{name: "short color", content: "render:\n  landmark:\n    color: [1, 2]\n", wantMsg: "render.landmark.color"},
		{name: "color out of range", content: "render:\n  connection:\n    color: [0, 0, 300]\n", wantMsg: "render.connection.color"},
		{name: "visibility", content: "render:\n  min_visibility: 1.5\n", wantMsg: "min_visibility"},
		{name: "model complexity", content: "detector:\n  model_complexity: 3\n", wantMsg: "model_complexity"},
		{name: "codec", content: "encode:\n  codec: H264X\n", wantMsg: "encode.codec"},
		{name: "encoder", content: "finalize:\n  encoder: libvpx\n", wantMsg: "finalize.encoder"},
		{name: "quality", content: "finalize:\n  quality: 0\n", wantMsg: "finalize.quality"},
		{name: "trace format", content: "trace:\n  format: csv\n", wantMsg: "trace.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")

	cfg := Default()
	cfg.Render.AllLandmarks = false
	cfg.Server.Addr = ":9090"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Render.AllLandmarks || loaded.Server.Addr != ":9090" {
		t.Errorf("loaded config does not match saved: %+v", loaded)
	}
}

func TestPolicyOptions(t *testing.T) {
	cfg := Default()
	cfg.Render.AllLandmarks = false

	opts := cfg.Render.PolicyOptions()
	if opts.AllLandmarks {
		t.Error("AllLandmarks should be false")
	}
	if opts.LandmarkStyle != overlay.DefaultLandmarkStyle {
		t.Errorf("LandmarkStyle = %+v, want default", opts.LandmarkStyle)
	}
	if opts.ConnectionStyle.Color != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("connection color = %+v, want red", opts.ConnectionStyle.Color)
	}

	p, err := overlay.NewPolicy(opts)
	if err != nil {
		t.Fatalf("NewPolicy() failed: %v", err)
	}
	if len(p.Select(detector.StandingPoseLandmarks()).Connections) != 26 {
		t.Error("default exclusion should keep 26 connections")
	}

	// An explicitly empty list excludes nothing.
	cfg.Render.ExcludedLandmarks = nil
	if got := cfg.Render.PolicyOptions().Excluded; got == nil || len(got) != 0 {
		t.Errorf("Excluded = %v, want empty non-nil slice", got)
	}
}

func TestDetectorConfig(t *testing.T) {
	cfg := Default()
	cfg.Detector.ModelComplexity = 2
	cfg.Detector.ScriptPath = "/opt/pose_service.py"

	got := cfg.Detector.DetectorConfig()
	if got.ModelComplexity != 2 || got.ScriptPath != "/opt/pose_service.py" {
		t.Errorf("DetectorConfig() = %+v", got)
	}
	if got.MinConfidence != 0.5 || !got.SmoothLandmarks {
		t.Errorf("DetectorConfig() lost defaults: %+v", got)
	}
}
