package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ayusman/posetrace/internal/capture"
)

// ErrProbeFailed is returned when ffprobe cannot describe a file.
var ErrProbeFailed = errors.New("probe failed")

// ProbeResult describes the first video stream of a file.
type ProbeResult struct {
	Codec    string  `json:"codec"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Frames   int     `json:"frames"`
	Duration float64 `json:"duration"`
	HasAudio bool    `json:"has_audio"`
}

// Properties converts the result to capture properties.
func (r *ProbeResult) Properties() capture.VideoProperties {
	return capture.VideoProperties{
		Width:      r.Width,
		Height:     r.Height,
		FPS:        r.FPS,
		FrameCount: r.Frames,
	}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbReadFrames string `json:"nb_read_frames"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe decodes path with ffprobe and counts its video frames.
func (f *Finalizer) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.opts.FFprobePath,
		"-v", "error",
		"-count_frames",
		"-show_entries", "stream=codec_type,codec_name,width,height,r_frame_rate,avg_frame_rate,nb_read_frames,nb_frames",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s: %v, stderr: %s", ErrProbeFailed, path, err, tail(msg, outputTail))
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrProbeFailed, path, err)
	}

	result, err := parseProbe(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProbeFailed, path, err)
	}
	return result, nil
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	found := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "audio":
			result.HasAudio = true
		case "video":
			if found {
				continue
			}
			found = true
			result.Codec = s.CodecName
			result.Width = s.Width
			result.Height = s.Height

			rate := s.AvgFrameRate
			if fps, err := parseRate(rate); err == nil && fps > 0 {
				result.FPS = fps
			} else if fps, err := parseRate(s.RFrameRate); err == nil {
				result.FPS = fps
			}

			frames := s.NbReadFrames
			if frames == "" || frames == "N/A" {
				frames = s.NbFrames
			}
			if n, err := strconv.Atoi(frames); err == nil {
				result.Frames = n
			}
		}
	}
	if !found {
		return nil, errors.New("no video stream")
	}

	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		result.Duration = d
	}

	return result, nil
}

// parseRate parses ffprobe rates such as "30000/1001" or "25".
func parseRate(rate string) (float64, error) {
	num, den, ok := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", rate)
	}
	if !ok {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid rate %q", rate)
	}
	return n / d, nil
}

// Verify checks that a finalized file kept the expected resolution, frame
// rate and frame count. Errors wrap ErrTranscodeFailed.
func Verify(want capture.VideoProperties, frames int, got *ProbeResult) error {
	if got.Width != want.Width || got.Height != want.Height {
		return fmt.Errorf("%w: resolution %dx%d, want %dx%d", ErrTranscodeFailed, got.Width, got.Height, want.Width, want.Height)
	}
	if got.Frames != frames {
		return fmt.Errorf("%w: %d frames, want %d", ErrTranscodeFailed, got.Frames, frames)
	}
	if math.Abs(got.FPS-want.FPS) > 0.01 {
		return fmt.Errorf("%w: frame rate %.3f, want %.3f", ErrTranscodeFailed, got.FPS, want.FPS)
	}
	if got.HasAudio {
		return fmt.Errorf("%w: output still carries audio", ErrTranscodeFailed)
	}
	return nil
}
