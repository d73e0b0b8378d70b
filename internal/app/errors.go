package app

import (
	"errors"
	"fmt"

	"github.com/ayusman/posetrace/internal/capture"
	"github.com/ayusman/posetrace/internal/transcode"
)

// Error kinds. Every error returned by Run is an *Error whose Kind is one of these.
var (
	ErrCannotOpenSource = capture.ErrCannotOpenSource
	ErrCannotOpenSink   = capture.ErrCannotOpenSink
	ErrTranscodeFailed  = transcode.ErrTranscodeFailed
	ErrInferenceFailure = errors.New("pose inference failed")
	ErrReadFailed       = errors.New("frame read failed")
	ErrWriteFailed      = errors.New("frame write failed")
	ErrCancelled        = errors.New("run cancelled")
)

// Error describes a failed run: what kind of failure, which operation, on which
// path, and the underlying cause. Frame is the zero-based frame index for
// per-frame failures and -1 otherwise.
type Error struct {
	Kind  error
	Op    string
	Path  string
	Frame int
	Err   error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Frame >= 0 {
		msg += fmt.Sprintf(" (frame %d)", e.Frame)
	}
	switch {
	case e.Err == nil:
		return msg + ": " + e.Kind.Error()
	case errors.Is(e.Err, e.Kind):
		return msg + ": " + e.Err.Error()
	default:
		return msg + ": " + e.Kind.Error() + ": " + e.Err.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind of a run error, or nil if err is not one.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
