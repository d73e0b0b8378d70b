// Package trace records the landmarks detected in each frame of a run so they
// can be analysed without re-running the pose model.
//
// A trace is a header followed by one record per frame, stored either as JSON
// Lines or as a stream of MessagePack values.
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ayusman/posetrace/internal/detector"
)

// Format selects the trace encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ErrUnknownFormat is returned for unsupported trace formats.
var ErrUnknownFormat = errors.New("unknown trace format")

// ParseFormat validates a format name. Empty selects JSON.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(name)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMsgpack:
		return FormatMsgpack, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".msgpack", ".mpk":
		return FormatMsgpack
	}
	return FormatJSON
}

// Header describes the run a trace belongs to.
type Header struct {
	RunID        string  `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	Source       string  `json:"source" msgpack:"source"`
	Width        int     `json:"width" msgpack:"width"`
	Height       int     `json:"height" msgpack:"height"`
	FPS          float64 `json:"fps" msgpack:"fps"`
	AllLandmarks bool    `json:"all_landmarks" msgpack:"all_landmarks"`
	Excluded     []int   `json:"excluded,omitempty" msgpack:"excluded,omitempty"`
}

// Record holds the detection result for one frame. Landmarks is empty when
// nothing was detected.
type Record struct {
	Frame     int                 `json:"frame" msgpack:"frame"`
	Timestamp float64             `json:"timestamp" msgpack:"timestamp"`
	Detected  bool                `json:"detected" msgpack:"detected"`
	Landmarks []detector.Landmark `json:"landmarks,omitempty" msgpack:"landmarks,omitempty"`
}

// NewRecord builds the record for frame index i at the given frame rate.
func NewRecord(i int, fps float64, pose *detector.PoseLandmarks) Record {
	r := Record{Frame: i}
	if fps > 0 {
		r.Timestamp = float64(i) / fps
	}
	if pose != nil {
		r.Detected = true
		r.Landmarks = append([]detector.Landmark(nil), pose.Points[:]...)
	}
	return r
}

// Pose converts the record back to landmarks, or nil when nothing was detected.
func (r Record) Pose() (*detector.PoseLandmarks, error) {
	if !r.Detected {
		return nil, nil
	}
	if len(r.Landmarks) != detector.NumLandmarks {
		return nil, fmt.Errorf("frame %d has %d landmarks, want %d", r.Frame, len(r.Landmarks), detector.NumLandmarks)
	}
	pose := &detector.PoseLandmarks{}
	copy(pose.Points[:], r.Landmarks)
	return pose, nil
}

type encoder interface {
	Encode(v interface{}) error
}

// Writer appends records to a trace.
type Writer struct {
	buf     *bufio.Writer
	enc     encoder
	closer  io.Closer
	header  bool
	records int
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer, format Format) (*Writer, error) {
	buf := bufio.NewWriter(w)
	tw := &Writer{buf: buf}

	switch format {
	case FormatJSON:
		tw.enc = json.NewEncoder(buf)
	case FormatMsgpack:
		tw.enc = msgpack.NewEncoder(buf)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw, nil
}

// Create opens a trace file at path, truncating any existing file.
func Create(path string, format Format) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	w, err := NewWriter(f, format)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// WriteHeader writes the header. It must be called once, before any record.
func (w *Writer) WriteHeader(h Header) error {
	if w.header {
		return errors.New("trace header already written")
	}
	if err := w.enc.Encode(h); err != nil {
		return fmt.Errorf("write trace header: %w", err)
	}
	w.header = true
	return nil
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	if !w.header {
		return errors.New("trace header not written")
	}
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("write trace record %d: %w", r.Frame, err)
	}
	w.records++
	return nil
}

// Records returns the number of records written.
func (w *Writer) Records() int {
	return w.records
}

// Close flushes buffered data and closes the underlying file, if any.
func (w *Writer) Close() error {
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

type decoder interface {
	Decode(v interface{}) error
}

// Reader reads a trace written by Writer.
type Reader struct {
	dec    decoder
	header *Header
}

// NewReader creates a Reader on r.
func NewReader(r io.Reader, format Format) (*Reader, error) {
	buf := bufio.NewReader(r)
	switch format {
	case FormatJSON:
		return &Reader{dec: json.NewDecoder(buf)}, nil
	case FormatMsgpack:
		return &Reader{dec: msgpack.NewDecoder(buf)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Header reads the trace header. It is read on first call and cached.
func (r *Reader) Header() (*Header, error) {
	if r.header != nil {
		return r.header, nil
	}
	var h Header
	if err := r.dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("read trace header: %w", err)
	}
	r.header = &h
	return r.header, nil
}

// Next returns the next record, or io.EOF at the end of the trace.
func (r *Reader) Next() (*Record, error) {
	if _, err := r.Header(); err != nil {
		return nil, err
	}
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read trace record: %w", err)
	}
	return &rec, nil
}

// ReadFile loads a whole trace, choosing the format from the file extension.
func ReadFile(path string) (*Header, []Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r, err := NewReader(f, FormatFromPath(path))
	if err != nil {
		return nil, nil, err
	}
	h, err := r.Header()
	if err != nil {
		return nil, nil, err
	}

	var records []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		records = append(records, *rec)
	}
	return h, records, nil
}
