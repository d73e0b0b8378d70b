package transcode

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/ayusman/posetrace/internal/capture"
)

func TestBuildArgs(t *testing.T) {
	props := capture.VideoProperties{Width: 640, Height: 480, FPS: 25}
	args := buildArgs("in.avi", "out.mp4", EncoderX264, 20, "medium", props)

	want := []string{
		"-hide_banner", "-y",
		"-i", "in.avi",
		"-map", "0:v:0",
		"-an",
		"-c:v", "libx264",
		"-crf", "20", "-preset", "medium",
		"-pix_fmt", "yuv420p",
		"-fps_mode", "passthrough",
		"-movflags", "+faststart",
		"out.mp4",
	}
	if !slices.Equal(args, want) {
		t.Errorf("buildArgs() =\n%v\nwant\n%v", args, want)
	}
}

func TestBuildArgs_DropsAudio(t *testing.T) {
	args := buildArgs("in.avi", "out.mp4", EncoderX264, 20, "medium", capture.VideoProperties{Width: 2, Height: 2, FPS: 1})
	if !slices.Contains(args, "-an") {
		t.Error("args should disable audio")
	}
	if slices.Contains(args, "-c:a") {
		t.Error("args should not configure an audio codec")
	}
}

func TestQualityArgs(t *testing.T) {
	tests := []struct {
		encoder string
		want    []string
	}{
		{encoder: EncoderX264, want: []string{"-crf", "23", "-preset", "fast"}},
		{encoder: EncoderNVENC, want: []string{"-cq", "23"}},
		{encoder: EncoderVideoToolbox, want: []string{"-b:v", "2300k"}},
	}

	for _, tt := range tests {
		t.Run(tt.encoder, func(t *testing.T) {
			if got := qualityArgs(tt.encoder, 23, "fast"); !slices.Equal(got, tt.want) {
				t.Errorf("qualityArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPixelFormat(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		want          string
	}{
		{name: "even", width: 640, height: 480, want: "yuv420p"},
		{name: "odd width", width: 641, height: 480, want: "yuv444p"},
		{name: "odd height", width: 640, height: 481, want: "yuv444p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := capture.VideoProperties{Width: tt.width, Height: tt.height, FPS: 25}
			if got := PixelFormat(props); got != tt.want {
				t.Errorf("PixelFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSelectEncoder(t *testing.T) {
	tests := []struct {
		name    string
		listing string
		want    string
	}{
		{name: "software only", listing: " V....D libx264   libx264 H.264", want: EncoderX264},
		{name: "nvenc", listing: " V....D libx264\n V....D h264_nvenc  NVIDIA NVENC", want: EncoderNVENC},
		{name: "videotoolbox preferred", listing: " V....D h264_nvenc\n V....D h264_videotoolbox VideoToolbox", want: EncoderVideoToolbox},
		{name: "empty", listing: "", want: EncoderX264},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectEncoder(tt.listing); got != tt.want {
				t.Errorf("selectEncoder() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidEncoder(t *testing.T) {
	for _, name := range []string{EncoderAuto, EncoderX264, EncoderNVENC, EncoderVideoToolbox} {
		if !ValidEncoder(name) {
			t.Errorf("ValidEncoder(%q) = false", name)
		}
	}
	if ValidEncoder("libvpx") {
		t.Error("ValidEncoder(libvpx) = true")
	}
}

func TestNew_Defaults(t *testing.T) {
	f := New(Options{})
	if f.opts.FFmpegPath != "ffmpeg" || f.opts.FFprobePath != "ffprobe" {
		t.Errorf("unexpected binary paths: %+v", f.opts)
	}
	if f.Encoder(context.Background()) != EncoderX264 {
		t.Errorf("default encoder = %q, want libx264", f.Encoder(context.Background()))
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short  ", 10); got != "short" {
		t.Errorf("tail() = %q", got)
	}
	if got := tail("0123456789", 4); got != "...6789" {
		t.Errorf("tail() = %q", got)
	}
}

// writeScript creates an executable shell script in dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func writeInput(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "in.avi")
	if err := os.WriteFile(path, []byte("intermediate"), 0644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	return path
}

func TestTranscode_Rejects(t *testing.T) {
	dir := t.TempDir()
	src := writeInput(t, dir)
	valid := capture.VideoProperties{Width: 64, Height: 48, FPS: 25}
	f := New(Options{FFmpegPath: filepath.Join(dir, "no-such-ffmpeg")})

	tests := []struct {
		name  string
		src   string
		dst   string
		props capture.VideoProperties
	}{
		{name: "invalid properties", src: src, dst: filepath.Join(dir, "a.mp4"), props: capture.VideoProperties{}},
		{name: "same file", src: src, dst: src, props: valid},
		{name: "missing source", src: filepath.Join(dir, "missing.avi"), dst: filepath.Join(dir, "b.mp4"), props: valid},
		{name: "missing ffmpeg", src: src, dst: filepath.Join(dir, "c.mp4"), props: valid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Transcode(context.Background(), tt.src, tt.dst, tt.props)
			if !errors.Is(err, ErrTranscodeFailed) {
				t.Errorf("expected ErrTranscodeFailed, got %v", err)
			}
		})
	}
}

func TestTranscode_FakeFFmpeg(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	props := capture.VideoProperties{Width: 64, Height: 48, FPS: 25}

	t.Run("success writes destination", func(t *testing.T) {
		dir := t.TempDir()
		src := writeInput(t, dir)
		dst := filepath.Join(dir, "out.mp4")

		// Record arguments and write the last one as the output file.
		ffmpeg := writeScript(t, dir, "ffmpeg", `echo "$@" > "$(dirname "$0")/args.txt"
for last; do :; done
printf 'mp4' > "$last"
`)
		f := New(Options{FFmpegPath: ffmpeg})
		if err := f.Transcode(context.Background(), src, dst, props); err != nil {
			t.Fatalf("Transcode() failed: %v", err)
		}

		if _, err := os.Stat(dst); err != nil {
			t.Errorf("destination missing: %v", err)
		}
		recorded, err := os.ReadFile(filepath.Join(dir, "args.txt"))
		if err != nil {
			t.Fatalf("failed to read recorded args: %v", err)
		}
		if !strings.Contains(string(recorded), "-an") || !strings.Contains(string(recorded), "-i "+src) {
			t.Errorf("unexpected ffmpeg arguments: %s", recorded)
		}
	})

	t.Run("failure carries output and removes partial file", func(t *testing.T) {
		dir := t.TempDir()
		src := writeInput(t, dir)
		dst := filepath.Join(dir, "out.mp4")

		ffmpeg := writeScript(t, dir, "ffmpeg", `for last; do :; done
printf 'partial' > "$last"
echo "Unknown encoder" >&2
exit 1
`)
		f := New(Options{FFmpegPath: ffmpeg})
		err := f.Transcode(context.Background(), src, dst, props)
		if !errors.Is(err, ErrTranscodeFailed) {
			t.Fatalf("expected ErrTranscodeFailed, got %v", err)
		}
		if !strings.Contains(err.Error(), "Unknown encoder") {
			t.Errorf("error should carry ffmpeg output, got %v", err)
		}
		if _, err := os.Stat(dst); !os.IsNotExist(err) {
			t.Error("partial destination should be removed")
		}
	})

	t.Run("empty output is a failure", func(t *testing.T) {
		dir := t.TempDir()
		src := writeInput(t, dir)

		ffmpeg := writeScript(t, dir, "ffmpeg", "exit 0\n")
		f := New(Options{FFmpegPath: ffmpeg})
		err := f.Transcode(context.Background(), src, filepath.Join(dir, "out.mp4"), props)
		if !errors.Is(err, ErrTranscodeFailed) {
			t.Errorf("expected ErrTranscodeFailed, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		dir := t.TempDir()
		src := writeInput(t, dir)

		ffmpeg := writeScript(t, dir, "ffmpeg", "sleep 5\n")
		f := New(Options{FFmpegPath: ffmpeg})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := f.Transcode(ctx, src, filepath.Join(dir, "out.mp4"), props)
		if !errors.Is(err, ErrTranscodeFailed) {
			t.Errorf("expected ErrTranscodeFailed, got %v", err)
		}
	})
}

func TestParseProbe(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"codec_type": "video", "codec_name": "h264", "width": 640, "height": 480,
			 "r_frame_rate": "25/1", "avg_frame_rate": "25/1", "nb_read_frames": "250"},
			{"codec_type": "audio", "codec_name": "aac"}
		],
		"format": {"duration": "10.000000"}
	}`)

	got, err := parseProbe(data)
	if err != nil {
		t.Fatalf("parseProbe() failed: %v", err)
	}

	want := ProbeResult{Codec: "h264", Width: 640, Height: 480, FPS: 25, Frames: 250, Duration: 10, HasAudio: true}
	if *got != want {
		t.Errorf("parseProbe() = %+v, want %+v", *got, want)
	}

	props := got.Properties()
	if props.Width != 640 || props.Height != 480 || props.FPS != 25 || props.FrameCount != 250 {
		t.Errorf("Properties() = %+v", props)
	}
}

func TestParseProbe_Fallbacks(t *testing.T) {
	data := []byte(`{"streams": [{"codec_type": "video", "width": 4, "height": 2,
		"r_frame_rate": "30000/1001", "avg_frame_rate": "0/0", "nb_read_frames": "N/A", "nb_frames": "12"}],
		"format": {}}`)

	got, err := parseProbe(data)
	if err != nil {
		t.Fatalf("parseProbe() failed: %v", err)
	}
	if got.Frames != 12 {
		t.Errorf("Frames = %d, want 12", got.Frames)
	}
	if got.FPS < 29.96 || got.FPS > 29.98 {
		t.Errorf("FPS = %v, want ~29.97", got.FPS)
	}
}

func TestParseProbe_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "invalid json", data: `not json`},
		{name: "audio only", data: `{"streams": [{"codec_type": "audio"}]}`},
		{name: "no streams", data: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseProbe([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		rate    string
		want    float64
		wantErr bool
	}{
		{rate: "25/1", want: 25},
		{rate: "50/2", want: 25},
		{rate: "24", want: 24},
		{rate: "0/0", wantErr: true},
		{rate: "abc", wantErr: true},
		{rate: "25/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			got, err := parseRate(tt.rate)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRate(%q) error = %v, wantErr %v", tt.rate, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseRate(%q) = %v, want %v", tt.rate, got, tt.want)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	want := capture.VideoProperties{Width: 640, Height: 480, FPS: 25}
	good := ProbeResult{Width: 640, Height: 480, FPS: 25, Frames: 250}

	tests := []struct {
		name    string
		mutate  func(r *ProbeResult)
		wantErr bool
	}{
		{name: "match", mutate: func(r *ProbeResult) {}},
		{name: "rounding tolerated", mutate: func(r *ProbeResult) { r.FPS = 25.001 }},
		{name: "width", mutate: func(r *ProbeResult) { r.Width = 320 }, wantErr: true},
		{name: "frames", mutate: func(r *ProbeResult) { r.Frames = 249 }, wantErr: true},
		{name: "frame rate", mutate: func(r *ProbeResult) { r.FPS = 30 }, wantErr: true},
		{name: "audio", mutate: func(r *ProbeResult) { r.HasAudio = true }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := good
			tt.mutate(&got)
			err := Verify(want, 250, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrTranscodeFailed) {
				t.Errorf("expected ErrTranscodeFailed, got %v", err)
			}
		})
	}
}

func TestProbe_FakeFFprobe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	dir := t.TempDir()
	ffprobe := writeScript(t, dir, "ffprobe", `cat <<'EOF'
{"streams": [{"codec_type": "video", "codec_name": "h264", "width": 8, "height": 6, "avg_frame_rate": "10/1", "nb_read_frames": "3"}], "format": {"duration": "0.3"}}
EOF
`)
	f := New(Options{FFprobePath: ffprobe})

	got, err := f.Probe(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatalf("Probe() failed: %v", err)
	}
	if got.Width != 8 || got.Height != 6 || got.Frames != 3 || got.FPS != 10 {
		t.Errorf("Probe() = %+v", got)
	}

	failing := writeScript(t, dir, "ffprobe-fail", "echo 'clip.mp4: Invalid data' >&2\nexit 1\n")
	f = New(Options{FFprobePath: failing})
	if _, err := f.Probe(context.Background(), "clip.mp4"); !errors.Is(err, ErrProbeFailed) {
		t.Errorf("expected ErrProbeFailed, got %v", err)
	}
}

func TestTranscode_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("skipping test - ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("skipping test - ffprobe not installed")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "in.avi")
	dst := filepath.Join(dir, "out.mp4")

	// 2 seconds of 10fps test pattern with a sine audio track.
	gen := exec.Command("ffmpeg", "-hide_banner", "-y",
		"-f", "lavfi", "-i", "testsrc=size=64x48:rate=10:duration=2",
		"-f", "lavfi", "-i", "sine=duration=2",
		"-c:v", "mjpeg", "-c:a", "pcm_s16le", "-shortest", src)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("skipping test - cannot generate input: %v: %s", err, out)
	}

	props := capture.VideoProperties{Width: 64, Height: 48, FPS: 10}
	f := New(DefaultOptions())
	if err := f.Transcode(context.Background(), src, dst, props); err != nil {
		t.Fatalf("Transcode() failed: %v", err)
	}

	got, err := f.Probe(context.Background(), dst)
	if err != nil {
		t.Fatalf("Probe() failed: %v", err)
	}
	if err := Verify(props, 20, got); err != nil {
		t.Errorf("Verify() failed: %v (probe %+v)", err, got)
	}
	if got.Codec != "h264" {
		t.Errorf("codec = %q, want h264", got.Codec)
	}
}
