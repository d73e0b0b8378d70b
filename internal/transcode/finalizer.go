// Package transcode finalizes intermediate recordings into broadly playable
// MP4 files with ffmpeg and inspects results with ffprobe.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ayusman/posetrace/internal/capture"
)

// ErrTranscodeFailed is returned when the deliverable cannot be produced.
var ErrTranscodeFailed = errors.New("transcode failed")

// Supported encoders.
const (
	EncoderAuto         = "auto"
	EncoderX264         = "libx264"
	EncoderNVENC        = "h264_nvenc"
	EncoderVideoToolbox = "h264_videotoolbox"
)

// outputTail bounds how much ffmpeg output is carried in an error.
const outputTail = 2048

// Options configures a Finalizer.
type Options struct {
	FFmpegPath  string
	FFprobePath string

	// Encoder is one of the Encoder constants.
	Encoder string

	// Quality is the CRF for libx264, the CQ for NVENC and the bitrate in
	// units of 100 kbit/s for VideoToolbox.
	Quality int
	Preset  string

	// Timeout bounds a single ffmpeg invocation. Zero means no limit.
	Timeout time.Duration
}

// DefaultOptions returns software x264 settings.
func DefaultOptions() Options {
	return Options{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Encoder:     EncoderX264,
		Quality:     20,
		Preset:      "medium",
	}
}

// Finalizer re-encodes intermediate recordings into H.264 MP4 files.
type Finalizer struct {
	opts Options

	resolveOnce sync.Once
	encoder     string
}

// New creates a Finalizer. Empty fields in opts take their defaults.
func New(opts Options) *Finalizer {
	def := DefaultOptions()
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = def.FFmpegPath
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = def.FFprobePath
	}
	if opts.Encoder == "" {
		opts.Encoder = def.Encoder
	}
	if opts.Quality <= 0 {
		opts.Quality = def.Quality
	}
	if opts.Preset == "" {
		opts.Preset = def.Preset
	}
	return &Finalizer{opts: opts}
}

// ValidEncoder reports whether name is a supported encoder setting.
func ValidEncoder(name string) bool {
	switch name {
	case EncoderAuto, EncoderX264, EncoderNVENC, EncoderVideoToolbox:
		return true
	}
	return false
}

// Available reports an error when the ffmpeg binary cannot be found.
func (f *Finalizer) Available() error {
	if _, err := exec.LookPath(f.opts.FFmpegPath); err != nil {
		return fmt.Errorf("%w: ffmpeg not found: %v", ErrTranscodeFailed, err)
	}
	return nil
}

// Encoder returns the encoder in use, probing ffmpeg once when set to auto.
func (f *Finalizer) Encoder(ctx context.Context) string {
	f.resolveOnce.Do(func() {
		f.encoder = f.opts.Encoder
		if f.encoder == EncoderAuto {
			f.encoder = DetectEncoder(ctx, f.opts.FFmpegPath)
			log.Printf("transcode: auto-selected encoder %s", f.encoder)
		}
	})
	return f.encoder
}

// Transcode re-encodes src into dst. The video stream keeps its resolution,
// frame timing and frame count; audio is always dropped. On failure any
// partial dst is removed. Errors wrap ErrTranscodeFailed.
func (f *Finalizer) Transcode(ctx context.Context, src, dst string, props capture.VideoProperties) error {
	if err := props.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}
	if src == dst {
		return fmt.Errorf("%w: source and destination are the same file: %s", ErrTranscodeFailed, src)
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}

	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	encoder := f.Encoder(ctx)
	args := buildArgs(src, dst, encoder, f.opts.Quality, f.opts.Preset, props)

	cmd := exec.CommandContext(ctx, f.opts.FFmpegPath, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		os.Remove(dst)

		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: ffmpeg timed out after %s", ErrTranscodeFailed, f.opts.Timeout)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTranscodeFailed, ctx.Err())
		}
		if out := tail(output.String(), outputTail); out != "" {
			return fmt.Errorf("%w: ffmpeg: %v, output: %s", ErrTranscodeFailed, err, out)
		}
		return fmt.Errorf("%w: ffmpeg: %v", ErrTranscodeFailed, err)
	}

	if info, err := os.Stat(dst); err != nil || info.Size() == 0 {
		os.Remove(dst)
		return fmt.Errorf("%w: ffmpeg produced no output at %s", ErrTranscodeFailed, dst)
	}

	log.Printf("transcode: %s -> %s (%s, %s)", src, dst, encoder, time.Since(start).Round(time.Millisecond))
	return nil
}

// buildArgs assembles the ffmpeg command line for one finalize pass.
func buildArgs(src, dst, encoder string, quality int, preset string, props capture.VideoProperties) []string {
	args := []string{
		"-hide_banner",
		"-y",
		"-i", src,
		"-map", "0:v:0",
		"-an",
		"-c:v", encoder,
	}
	args = append(args, qualityArgs(encoder, quality, preset)...)
	args = append(args,
		"-pix_fmt", PixelFormat(props),
		"-fps_mode", "passthrough",
		"-movflags", "+faststart",
		dst,
	)
	return args
}

// qualityArgs maps the quality setting onto each encoder's own rate control.
func qualityArgs(encoder string, quality int, preset string) []string {
	switch encoder {
	case EncoderVideoToolbox:
		return []string{"-b:v", fmt.Sprintf("%dk", quality*100)}
	case EncoderNVENC:
		return []string{"-cq", strconv.Itoa(quality)}
	default:
		return []string{"-crf", strconv.Itoa(quality), "-preset", preset}
	}
}

// PixelFormat returns yuv420p, or yuv444p when either dimension is odd since
// 4:2:0 chroma subsampling needs even dimensions.
func PixelFormat(props capture.VideoProperties) string {
	if props.Width%2 != 0 || props.Height%2 != 0 {
		return "yuv444p"
	}
	return "yuv420p"
}

// DetectEncoder picks the best available H.264 encoder, preferring hardware.
func DetectEncoder(ctx context.Context, ffmpegPath string) string {
	out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").CombinedOutput()
	if err != nil {
		return EncoderX264
	}
	return selectEncoder(string(out))
}

func selectEncoder(listing string) string {
	for _, name := range []string{EncoderVideoToolbox, EncoderNVENC} {
		if strings.Contains(listing, name) {
			return name
		}
	}
	return EncoderX264
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
