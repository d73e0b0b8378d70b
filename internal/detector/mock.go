package detector

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results frame by frame.
type MockDetector struct {
	mu       sync.Mutex
	pose     *PoseLandmarks
	sequence []*PoseLandmarks
	err      error
	errAt    int
	calls    int
	closed   bool
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{errAt: -1}
}

// SetPose sets the pose returned by every call to Detect. Nil means no detection.
func (m *MockDetector) SetPose(pose *PoseLandmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pose = pose
}

// SetSequence sets per-call results. Call i returns sequence[i]; calls past
// the end fall back to the pose set with SetPose. Nil entries mean no detection.
func (m *MockDetector) SetSequence(sequence []*PoseLandmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence = sequence
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.errAt = -1
}

// SetErrorAt makes the call with the given zero-based index fail with err.
func (m *MockDetector) SetErrorAt(call int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.errAt = call
}

// Detect returns the pre-configured pose or error.
func (m *MockDetector) Detect(frame *gocv.Mat) (*PoseLandmarks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := m.calls
	m.calls++

	if m.err != nil && (m.errAt < 0 || m.errAt == call) {
		return nil, m.err
	}
	if call < len(m.sequence) {
		return m.sequence[call], nil
	}
	return m.pose, nil
}

// Calls returns how many times Detect has been called.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close marks the detector closed.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// StandingPoseLandmarks returns a preset pose of a subject standing upright,
// facing the camera, roughly centered in the frame.
func StandingPoseLandmarks() *PoseLandmarks {
	pose := &PoseLandmarks{}

	set := func(index int, x, y float64) {
		pose.Points[index] = Landmark{X: x, Y: y, Visibility: 0.99, Presence: 0.99}
	}

	// Head
	set(Nose, 0.50, 0.12)
	set(LeftEyeInner, 0.52, 0.10)
	set(LeftEye, 0.53, 0.10)
	set(LeftEyeOuter, 0.54, 0.10)
	set(RightEyeInner, 0.48, 0.10)
	set(RightEye, 0.47, 0.10)
	set(RightEyeOuter, 0.46, 0.10)
	set(LeftEar, 0.56, 0.11)
	set(RightEar, 0.44, 0.11)
	set(MouthLeft, 0.52, 0.15)
	set(MouthRight, 0.48, 0.15)

	// Arms hanging at the sides
	set(LeftShoulder, 0.60, 0.25)
	set(RightShoulder, 0.40, 0.25)
	set(LeftElbow, 0.63, 0.38)
	set(RightElbow, 0.37, 0.38)
	set(LeftWrist, 0.64, 0.50)
	set(RightWrist, 0.36, 0.50)
	set(LeftPinky, 0.65, 0.53)
	set(RightPinky, 0.35, 0.53)
	set(LeftIndex, 0.64, 0.54)
	set(RightIndex, 0.36, 0.54)
	set(LeftThumb, 0.63, 0.52)
	set(RightThumb, 0.37, 0.52)

	// Legs
	set(LeftHip, 0.56, 0.52)
	set(RightHip, 0.44, 0.52)
	set(LeftKnee, 0.57, 0.70)
	set(RightKnee, 0.43, 0.70)
	set(LeftAnkle, 0.57, 0.88)
	set(RightAnkle, 0.43, 0.88)
	set(LeftHeel, 0.56, 0.90)
	set(RightHeel, 0.44, 0.90)
	set(LeftFootIndex, 0.59, 0.93)
	set(RightFootIndex, 0.41, 0.93)

	return pose
}
