// Package capture provides video file decoding and encoding using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// DefaultFPS is used when a source does not report a usable frame rate.
const DefaultFPS = 25.0

// ErrCannotOpenSource is returned when a video file cannot be opened for decoding.
var ErrCannotOpenSource = errors.New("cannot open video source")

// ErrSourceClosed is returned when reading from a source that has been closed.
var ErrSourceClosed = errors.New("video source is closed")

// VideoProperties describes the geometry and timing of a video stream.
type VideoProperties struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`

	// FrameCount is the container-reported frame count. It is advisory and
	// may be zero or inexact.
	FrameCount int `json:"frame_count"`
}

// Size returns the frame size as an image.Point (X = width, Y = height).
func (p VideoProperties) Size() image.Point {
	return image.Pt(p.Width, p.Height)
}

// Validate checks that the properties describe an encodable stream.
func (p VideoProperties) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", p.Width, p.Height)
	}
	if p.FPS <= 0 || math.IsNaN(p.FPS) || math.IsInf(p.FPS, 0) {
		return fmt.Errorf("invalid frame rate %v", p.FPS)
	}
	return nil
}

// NormalizeFPS returns fps, or DefaultFPS when fps is zero, negative or not a number.
func NormalizeFPS(fps float64) float64 {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return DefaultFPS
	}
	return fps
}

// Source defines the interface for ordered frame sources.
type Source interface {
	// ReadFrame returns the next frame in source order, or io.EOF at end of stream.
	// The caller is responsible for closing the returned Mat.
	ReadFrame() (*gocv.Mat, error)
	Properties() VideoProperties
	Close() error
}

// FileSource decodes frames from a video file using GoCV.
type FileSource struct {
	path    string
	capture *gocv.VideoCapture
	props   VideoProperties
	mu      sync.Mutex
}

// OpenFile opens a video file for decoding and reads its properties.
// Errors wrap ErrCannotOpenSource.
func OpenFile(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCannotOpenSource, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s: is a directory", ErrCannotOpenSource, path)
	}

	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCannotOpenSource, path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: %s: not a decodable video", ErrCannotOpenSource, path)
	}

	props := VideoProperties{
		Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FPS:        NormalizeFPS(capture.Get(gocv.VideoCaptureFPS)),
		FrameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
	}
	if props.Width <= 0 || props.Height <= 0 {
		capture.Close()
		return nil, fmt.Errorf("%w: %s: decoder reported resolution %dx%d", ErrCannotOpenSource, path, props.Width, props.Height)
	}
	if props.FrameCount < 0 {
		props.FrameCount = 0
	}

	return &FileSource{
		path:    path,
		capture: capture,
		props:   props,
	}, nil
}

// ReadFrame reads the next frame. It returns io.EOF once the stream is exhausted.
func (s *FileSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil, ErrSourceClosed
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, io.EOF
	}

	return &mat, nil
}

// Properties returns the properties read when the file was opened.
func (s *FileSource) Properties() VideoProperties {
	return s.props
}

// Path returns the file path of the source.
func (s *FileSource) Path() string {
	return s.path
}

// Close releases the decoder. It is safe to call more than once.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}

	err := s.capture.Close()
	s.capture = nil

	return err
}
