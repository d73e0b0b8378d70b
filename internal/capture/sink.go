package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
)

// DefaultCodec is the FOURCC used for intermediate files. Motion JPEG in an
// AVI container is fast to write and available in every OpenCV build.
const DefaultCodec = "MJPG"

// ErrCannotOpenSink is returned when a video file cannot be created for encoding.
var ErrCannotOpenSink = errors.New("cannot open video writer")

// ErrSinkClosed is returned when writing to a sink that has been closed.
var ErrSinkClosed = errors.New("video sink is closed")

// ErrFrameSize is returned when a frame does not match the sink's declared resolution.
var ErrFrameSize = errors.New("frame size does not match sink")

// Sink defines the interface for ordered frame destinations.
type Sink interface {
	// Write appends a frame. Frames must match the declared resolution.
	Write(frame gocv.Mat) error
	Close() error
}

// FileSink encodes frames into a video file using GoCV.
type FileSink struct {
	path   string
	writer *gocv.VideoWriter
	props  VideoProperties
	frames int
	mu     sync.Mutex
}

// CreateFile opens a video writer at path with the given FOURCC codec and properties.
// Errors wrap ErrCannotOpenSink.
func CreateFile(path, codec string, props VideoProperties) (*FileSink, error) {
	if err := props.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCannotOpenSink, path, err)
	}
	if len(codec) != 4 {
		return nil, fmt.Errorf("%w: %s: codec %q is not a FOURCC", ErrCannotOpenSink, path, codec)
	}

	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCannotOpenSink, path, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s: %s is not a directory", ErrCannotOpenSink, path, dir)
	}

	writer, err := gocv.VideoWriterFile(path, codec, props.FPS, props.Width, props.Height, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCannotOpenSink, path, err)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, fmt.Errorf("%w: %s: encoder rejected codec %s at %dx%d@%.3f", ErrCannotOpenSink, path, codec, props.Width, props.Height, props.FPS)
	}

	return &FileSink{
		path:   path,
		writer: writer,
		props:  props,
	}, nil
}

// Write encodes a frame. The sink does not resize; mismatched frames are rejected.
func (s *FileSink) Write(frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return ErrSinkClosed
	}
	if frame.Cols() != s.props.Width || frame.Rows() != s.props.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, frame.Cols(), frame.Rows(), s.props.Width, s.props.Height)
	}

	if err := s.writer.Write(frame); err != nil {
		return err
	}
	s.frames++

	return nil
}

// Frames returns the number of frames written so far.
func (s *FileSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Path returns the file path of the sink.
func (s *FileSink) Path() string {
	return s.path
}

// Close flushes the encoder and closes the file. It is safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return nil
	}

	err := s.writer.Close()
	s.writer = nil

	return err
}
