// Package app orchestrates posetrace annotation runs: decode a video, detect
// a pose per frame, draw the skeleton, record an intermediate file and
// transcode it into the deliverable.
package app

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/ayusman/posetrace/internal/capture"
	"github.com/ayusman/posetrace/internal/detector"
	"github.com/ayusman/posetrace/internal/overlay"
	"github.com/ayusman/posetrace/internal/store"
	"github.com/ayusman/posetrace/internal/trace"
	"github.com/ayusman/posetrace/internal/transcode"
)

// ErrBusy is returned when a run is started while another is in progress.
var ErrBusy = errors.New("a run is already in progress")

// Config holds configuration options for the application.
type Config struct {
	// DrawSkeleton enables the overlay. When false frames pass through unchanged.
	DrawSkeleton bool

	// AllLandmarks draws every landmark; otherwise Excluded are left out.
	AllLandmarks bool

	// CalculateAngle is reserved for joint-angle annotation and has no effect.
	CalculateAngle bool

	// Excluded lists the landmarks dropped from reduced overlays. Nil selects
	// the face landmarks.
	Excluded []int

	LandmarkStyle   overlay.Style
	ConnectionStyle overlay.Style
	MinVisibility   float64

	// Codec is the FOURCC of the intermediate recording.
	Codec string

	// ScratchDir holds intermediate files. Empty uses the system temp dir.
	ScratchDir string

	// Verify probes the deliverable after transcoding and checks that
	// resolution, frame rate and frame count survived.
	Verify bool

	// TracePath, if set, receives the landmarks of every frame. An empty
	// TraceFormat picks the format from the file extension.
	TracePath   string
	TraceFormat trace.Format

	// Store, if set, records run history.
	Store *store.Store
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		DrawSkeleton:  true,
		AllLandmarks:  true,
		MinVisibility: overlay.DefaultMinVisibility,
		Codec:         capture.DefaultCodec,
	}
}

// SourceOpener opens a frame source.
type SourceOpener func(path string) (capture.Source, error)

// SinkOpener opens a frame sink.
type SinkOpener func(path, codec string, props capture.VideoProperties) (capture.Sink, error)

// Finalizer turns the intermediate recording into the deliverable.
type Finalizer interface {
	Transcode(ctx context.Context, src, dst string, props capture.VideoProperties) error
}

// Prober describes a finished file. Finalizers that implement it can verify
// their output.
type Prober interface {
	Probe(ctx context.Context, path string) (*transcode.ProbeResult, error)
}

// Progress reports run progress. Frame and Detected count frames processed so
// far; Total is the source's reported frame count and may be zero.
type Progress struct {
	RunID    string `json:"run_id"`
	State    State  `json:"state"`
	Frame    int    `json:"frame"`
	Total    int    `json:"total"`
	Detected int    `json:"detected"`
	Error    string `json:"error,omitempty"`
}

// ProgressFunc receives progress updates. It is called on the run's goroutine
// and must not block.
type ProgressFunc func(Progress)

// App runs annotation jobs one at a time.
type App struct {
	config     Config
	detector   detector.Detector
	openSource SourceOpener
	openSink   SinkOpener
	finalizer  Finalizer
	progress   ProgressFunc
	state      State
	running    bool
	mu         sync.RWMutex
}

// New creates a new App instance with the given configuration. It uses file
// sources and sinks, an x264 finalizer and, when available, the MediaPipe
// pose detector.
func New(config Config) *App {
	if config.Codec == "" {
		config.Codec = capture.DefaultCodec
	}

	a := &App{
		config:     config,
		openSource: openFileSource,
		openSink:   createFileSink,
		finalizer:  transcode.New(transcode.DefaultOptions()),
		state:      StateIdle,
	}

	if mp, err := detector.NewMediaPipeDetector(detector.DefaultConfig()); err == nil {
		a.detector = mp
		log.Println("using MediaPipe pose detection")
	} else {
		log.Printf("MediaPipe not available (%v), set a detector before running", err)
	}

	return a
}

func openFileSource(path string) (capture.Source, error) {
	src, err := capture.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func createFileSink(path, codec string, props capture.VideoProperties) (capture.Sink, error) {
	sink, err := capture.CreateFile(path, codec, props)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// Config returns the application configuration.
func (a *App) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// SetDetector sets the pose detector implementation to use. The replaced
// detector is closed.
func (a *App) SetDetector(d detector.Detector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detector != nil && a.detector != d {
		if err := a.detector.Close(); err != nil {
			log.Printf("error closing replaced detector: %v", err)
		}
	}
	a.detector = d
}

// Detector returns the pose detector.
func (a *App) Detector() detector.Detector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.detector
}

// SetSourceOpener replaces how input videos are opened.
func (a *App) SetSourceOpener(open SourceOpener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openSource = open
}

// SetSinkOpener replaces how intermediate recordings are created.
func (a *App) SetSinkOpener(open SinkOpener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openSink = open
}

// SetFinalizer replaces the transcoder.
func (a *App) SetFinalizer(f Finalizer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalizer = f
}

// SetProgress installs a progress callback. Nil disables progress reporting.
func (a *App) SetProgress(fn ProgressFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = fn
}

// State returns the state of the current or most recent run.
func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Running reports whether a run is in progress.
func (a *App) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Close releases the pose detector.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detector == nil {
		return nil
	}
	return a.detector.Close()
}
