package capture

import (
	"fmt"
	"io"
	"sync"

	"gocv.io/x/gocv"
)

// MockSource plays back pre-recorded frames for testing.
type MockSource struct {
	frames  []*gocv.Mat
	props   VideoProperties
	index   int
	closed  bool
	readErr error
	errAt   int
	mu      sync.Mutex
}

// NewMockSource creates a MockSource that yields clones of frames in order.
func NewMockSource(frames []*gocv.Mat, props VideoProperties) *MockSource {
	return &MockSource{
		frames: frames,
		props:  props,
		errAt:  -1,
	}
}

// ReadFrame returns a clone of the next frame so the originals are never modified.
func (s *MockSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.readErr != nil && s.index == s.errAt {
		return nil, s.readErr
	}
	if s.index >= len(s.frames) {
		return nil, io.EOF
	}

	frame := s.frames[s.index].Clone()
	s.index++

	return &frame, nil
}

// FailAt makes the read of frame index fail with err.
func (s *MockSource) FailAt(index int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	s.errAt = index
}

// Properties returns the configured properties.
func (s *MockSource) Properties() VideoProperties {
	return s.props
}

// Close marks the source closed.
func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *MockSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reset restarts playback from the beginning.
func (s *MockSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = 0
	s.closed = false
}

// MockSink records written frames for testing.
type MockSink struct {
	props    VideoProperties
	frames   []gocv.Mat
	closed   bool
	writeErr error
	errAt    int
	mu       sync.Mutex
}

// NewMockSink creates a MockSink that enforces the given resolution.
func NewMockSink(props VideoProperties) *MockSink {
	return &MockSink{
		props: props,
		errAt: -1,
	}
}

// Write stores a clone of frame.
func (s *MockSink) Write(frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.writeErr != nil && len(s.frames) == s.errAt {
		return s.writeErr
	}
	if frame.Cols() != s.props.Width || frame.Rows() != s.props.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, frame.Cols(), frame.Rows(), s.props.Width, s.props.Height)
	}

	s.frames = append(s.frames, frame.Clone())
	return nil
}

// FailAt makes the write of frame index fail with err.
func (s *MockSink) FailAt(index int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
	s.errAt = index
}

// Frames returns the recorded frames. The sink keeps ownership of them.
func (s *MockSink) Frames() []gocv.Mat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close marks the sink closed. Recorded frames stay available until Release.
func (s *MockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *MockSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Release frees the recorded frames.
func (s *MockSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.frames {
		s.frames[i].Close()
	}
	s.frames = nil
}
