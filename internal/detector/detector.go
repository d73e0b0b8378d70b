package detector

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// ErrInvalidFrame is returned when a frame cannot be handed to the pose model.
var ErrInvalidFrame = errors.New("invalid frame")

// Detector defines the interface for pose detection implementations.
type Detector interface {
	// Detect analyzes a BGR video frame and returns the detected pose.
	// Returns nil and no error if no subject is detected.
	Detect(frame *gocv.Mat) (*PoseLandmarks, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for pose detection.
type Config struct {
	// PythonPath is the interpreter used to run the pose service. Empty selects
	// a virtual environment interpreter when one is found, else python3.
	PythonPath string

	// ScriptPath is the pose service script. Empty searches the default locations.
	ScriptPath string

	// ModelComplexity selects the BlazePose model variant (0, 1 or 2).
	ModelComplexity int

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinConfidence float64

	// MinTrackingConf is the minimum tracking confidence threshold (0.0-1.0).
	MinTrackingConf float64

	// StaticImageMode disables cross-frame tracking in the model.
	StaticImageMode bool

	// SmoothLandmarks enables the model's own landmark smoothing.
	SmoothLandmarks bool
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		ModelComplexity: 1,
		MinConfidence:   0.5,
		MinTrackingConf: 0.5,
		SmoothLandmarks: true,
	}
}

// ValidateFrame checks that frame is a non-empty 8-bit, 3-channel image.
func ValidateFrame(frame *gocv.Mat) error {
	if frame == nil || frame.Empty() {
		return fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	if frame.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("%w: expected 8-bit 3-channel frame, got type %v", ErrInvalidFrame, frame.Type())
	}
	return nil
}
