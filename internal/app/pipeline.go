package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/ayusman/posetrace/internal/capture"
	"github.com/ayusman/posetrace/internal/detector"
	"github.com/ayusman/posetrace/internal/overlay"
	"github.com/ayusman/posetrace/internal/store"
	"github.com/ayusman/posetrace/internal/trace"
	"github.com/ayusman/posetrace/internal/transcode"
)

// intermediateName is the file name of the recording inside the scratch dir.
const intermediateName = "intermediate.avi"

// Job is one input/output pair with its render flags.
type Job struct {
	// ID identifies the run. Empty generates a new ID.
	ID     string
	Input  string
	Output string

	DrawSkeleton   bool
	AllLandmarks   bool
	CalculateAngle bool

	// TracePath overrides Config.TracePath when set.
	TracePath string
}

// Result summarizes a successful run.
type Result struct {
	RunID      string                  `json:"run_id"`
	OutputPath string                  `json:"output_path"`
	Properties capture.VideoProperties `json:"properties"`
	Frames     int                     `json:"frames"`
	Detected   int                     `json:"detected"`
	Resized    int                     `json:"resized"`
	TracePath  string                  `json:"trace_path,omitempty"`
	Elapsed    time.Duration           `json:"elapsed"`
}

// NewJob builds a job for input and output using the configured flags.
func (a *App) NewJob(input, output string) Job {
	cfg := a.Config()
	return Job{
		Input:          input,
		Output:         output,
		DrawSkeleton:   cfg.DrawSkeleton,
		AllLandmarks:   cfg.AllLandmarks,
		CalculateAngle: cfg.CalculateAngle,
		TracePath:      cfg.TracePath,
	}
}

// Run annotates input and writes the deliverable to output using the
// configured flags.
func (a *App) Run(ctx context.Context, input, output string) (*Result, error) {
	return a.RunJob(ctx, a.NewJob(input, output))
}

// RunJob executes one job. Source and sink are released on every exit path,
// and the intermediate recording is removed whether or not the run succeeds.
// Cancellation is checked between frames and before finalizing.
func (a *App) RunJob(ctx context.Context, job Job) (*Result, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, ErrBusy
	}
	a.running = true
	a.state = StateIdle
	r := &run{
		app:       a,
		job:       job,
		config:    a.config,
		detector:  a.detector,
		open:      a.openSource,
		create:    a.openSink,
		finalizer: a.finalizer,
		progress:  a.progress,
		start:     time.Now(),
	}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	if r.job.ID == "" {
		r.job.ID = uuid.New().String()
	}
	return r.execute(ctx)
}

func (a *App) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// run holds the state of a single execution.
type run struct {
	app       *App
	job       Job
	config    Config
	detector  detector.Detector
	open      SourceOpener
	create    SinkOpener
	finalizer Finalizer
	progress  ProgressFunc
	start     time.Time

	source capture.Source
	sink   capture.Sink
	tracer *trace.Writer

	props    capture.VideoProperties
	frames   int
	detected int
	resized  int
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	r.recordStart()
	log.Printf("run %s: %s -> %s (skeleton=%t all_landmarks=%t)",
		r.job.ID, r.job.Input, r.job.Output, r.job.DrawSkeleton, r.job.AllLandmarks)
	if r.job.CalculateAngle {
		log.Printf("run %s: calculate_angle is reserved and has no effect", r.job.ID)
	}

	needPose := r.job.DrawSkeleton || r.job.TracePath != ""
	if needPose && r.detector == nil {
		return nil, r.fail(&Error{Kind: ErrInferenceFailure, Op: "detect", Path: r.job.Input, Frame: -1,
			Err: errors.New("no pose detector configured")})
	}

	var policy *overlay.Policy
	if r.job.DrawSkeleton {
		var err error
		policy, err = overlay.NewPolicy(overlay.PolicyOptions{
			AllLandmarks:    r.job.AllLandmarks,
			Excluded:        r.config.Excluded,
			LandmarkStyle:   r.config.LandmarkStyle,
			ConnectionStyle: r.config.ConnectionStyle,
		})
		if err != nil {
			return nil, r.fail(&Error{Kind: ErrInferenceFailure, Op: "build policy", Frame: -1, Err: err})
		}
	}
	renderer := overlay.NewRenderer(r.config.MinVisibility)

	defer r.release()

	// Open
	source, err := r.open(r.job.Input)
	if err != nil {
		return nil, r.fail(&Error{Kind: ErrCannotOpenSource, Op: "open source", Path: r.job.Input, Frame: -1, Err: err})
	}
	r.source = source
	r.props = source.Properties()
	r.props.FPS = capture.NormalizeFPS(r.props.FPS)

	scratch, err := os.MkdirTemp(r.config.ScratchDir, "posetrace-*")
	if err != nil {
		return nil, r.fail(&Error{Kind: ErrCannotOpenSink, Op: "create scratch dir", Path: r.config.ScratchDir, Frame: -1, Err: err})
	}
	defer os.RemoveAll(scratch)
	intermediate := filepath.Join(scratch, intermediateName)

	sink, err := r.create(intermediate, r.config.Codec, r.props)
	if err != nil {
		return nil, r.fail(&Error{Kind: ErrCannotOpenSink, Op: "open sink", Path: intermediate, Frame: -1, Err: err})
	}
	r.sink = sink

	if r.job.TracePath != "" {
		if err := r.openTrace(); err != nil {
			return nil, r.fail(&Error{Kind: ErrWriteFailed, Op: "open trace", Path: r.job.TracePath, Frame: -1, Err: err})
		}
	}

	r.transition(StateOpened, fmt.Sprintf("%dx%d@%.3f", r.props.Width, r.props.Height, r.props.FPS))

	// Stream
	r.transition(StateStreaming, "")
	for {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(&Error{Kind: ErrCancelled, Op: "stream", Path: r.job.Input, Frame: r.frames, Err: err})
		}

		frame, err := r.source.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, r.fail(&Error{Kind: ErrReadFailed, Op: "read frame", Path: r.job.Input, Frame: r.frames, Err: err})
		}

		if err := r.processFrame(frame, needPose, policy, renderer); err != nil {
			return nil, r.fail(err)
		}
	}

	// Flush
	if err := r.release(); err != nil {
		return nil, r.fail(&Error{Kind: ErrWriteFailed, Op: "close sink", Path: intermediate, Frame: -1, Err: err})
	}
	r.transition(StateFlushed, fmt.Sprintf("%d frames, %d with pose", r.frames, r.detected))

	if r.frames == 0 {
		return nil, r.fail(&Error{Kind: ErrCannotOpenSource, Op: "read frame", Path: r.job.Input, Frame: -1,
			Err: errors.New("source contains no decodable frames")})
	}

	// Finalize
	if err := ctx.Err(); err != nil {
		return nil, r.fail(&Error{Kind: ErrCancelled, Op: "finalize", Path: r.job.Output, Frame: -1, Err: err})
	}
	r.transition(StateFinalizing, "")

	if err := r.finalizer.Transcode(ctx, intermediate, r.job.Output, r.props); err != nil {
		kind := ErrTranscodeFailed
		if ctx.Err() != nil {
			kind = ErrCancelled
		}
		return nil, r.fail(&Error{Kind: kind, Op: "transcode", Path: r.job.Output, Frame: -1, Err: err})
	}

	if r.config.Verify {
		if err := r.verify(ctx); err != nil {
			return nil, r.fail(&Error{Kind: ErrTranscodeFailed, Op: "verify", Path: r.job.Output, Frame: -1, Err: err})
		}
	}

	if err := os.RemoveAll(scratch); err != nil {
		log.Printf("run %s: failed to remove scratch dir: %v", r.job.ID, err)
	}

	result := &Result{
		RunID:      r.job.ID,
		OutputPath: r.job.Output,
		Properties: r.props,
		Frames:     r.frames,
		Detected:   r.detected,
		Resized:    r.resized,
		TracePath:  r.job.TracePath,
		Elapsed:    time.Since(r.start),
	}
	r.recordDone()
	r.transition(StateDone, "")

	log.Printf("run %s: done, %d frames (%d with pose) in %s",
		r.job.ID, r.frames, r.detected, result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// processFrame runs detection, drawing and writing for one frame, then
// releases it.
func (r *run) processFrame(frame *gocv.Mat, needPose bool, policy *overlay.Policy, renderer *overlay.Renderer) error {
	defer frame.Close()
	index := r.frames

	var pose *detector.PoseLandmarks
	if needPose {
		var err error
		pose, err = r.detector.Detect(frame)
		if err != nil {
			return &Error{Kind: ErrInferenceFailure, Op: "detect", Path: r.job.Input, Frame: index, Err: err}
		}
	}

	if pose != nil {
		r.detected++
		if policy != nil {
			if err := renderer.Draw(frame, pose, policy.Select(pose)); err != nil {
				return &Error{Kind: ErrWriteFailed, Op: "draw", Path: r.job.Input, Frame: index, Err: err}
			}
		}
	}

	out := frame
	if frame.Cols() != r.props.Width || frame.Rows() != r.props.Height {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(*frame, &resized, r.props.Size(), 0, 0, gocv.InterpolationLinear)
		out = &resized
		r.resized++
	}

	if err := r.sink.Write(*out); err != nil {
		return &Error{Kind: ErrWriteFailed, Op: "write frame", Path: r.job.Output, Frame: index, Err: err}
	}

	if r.tracer != nil {
		if err := r.tracer.Write(trace.NewRecord(index, r.props.FPS, pose)); err != nil {
			return &Error{Kind: ErrWriteFailed, Op: "write trace", Path: r.job.TracePath, Frame: index, Err: err}
		}
	}

	r.frames++
	r.emit(StateStreaming, "")
	return nil
}

func (r *run) openTrace() error {
	format := r.config.TraceFormat
	if format == "" {
		format = trace.FormatFromPath(r.job.TracePath)
	}
	w, err := trace.Create(r.job.TracePath, format)
	if err != nil {
		return err
	}

	header := trace.Header{
		RunID:        r.job.ID,
		Source:       r.job.Input,
		Width:        r.props.Width,
		Height:       r.props.Height,
		FPS:          r.props.FPS,
		AllLandmarks: r.job.AllLandmarks,
	}
	if !r.job.AllLandmarks {
		header.Excluded = r.config.Excluded
		if header.Excluded == nil {
			header.Excluded = detector.FaceLandmarks
		}
	}
	if err := w.WriteHeader(header); err != nil {
		w.Close()
		return err
	}

	r.tracer = w
	return nil
}

func (r *run) verify(ctx context.Context) error {
	prober, ok := r.finalizer.(Prober)
	if !ok {
		log.Printf("run %s: finalizer cannot probe, skipping verification", r.job.ID)
		return nil
	}
	got, err := prober.Probe(ctx, r.job.Output)
	if err != nil {
		return err
	}
	return transcode.Verify(r.props, r.frames, got)
}

// release closes the source, sink and trace. It is idempotent and reports the
// first error from closing the sink or trace, which flush buffered output.
func (r *run) release() error {
	var err error
	if r.source != nil {
		if cerr := r.source.Close(); cerr != nil {
			log.Printf("run %s: error closing source: %v", r.job.ID, cerr)
		}
		r.source = nil
	}
	if r.sink != nil {
		err = r.sink.Close()
		r.sink = nil
	}
	if r.tracer != nil {
		if cerr := r.tracer.Close(); err == nil {
			err = cerr
		}
		r.tracer = nil
	}
	return err
}

// fail releases the run's files, moves it to the failed state and records the
// error.
func (r *run) fail(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: ErrInferenceFailure, Op: "run", Frame: -1, Err: err}
	}

	r.release()
	r.recordFailure(e)
	r.app.setState(StateFailed)
	r.emit(StateFailed, e.Error())
	log.Printf("run %s: failed: %v", r.job.ID, e)
	return e
}

func (r *run) transition(s State, detail string) {
	r.app.setState(s)
	r.recordEvent(s, detail)
	r.emit(s, "")
	if detail != "" {
		log.Printf("run %s: %s (%s)", r.job.ID, s, detail)
	} else {
		log.Printf("run %s: %s", r.job.ID, s)
	}
}

func (r *run) emit(s State, errMsg string) {
	if r.progress == nil {
		return
	}
	r.progress(Progress{
		RunID:    r.job.ID,
		State:    s,
		Frame:    r.frames,
		Total:    r.props.FrameCount,
		Detected: r.detected,
		Error:    errMsg,
	})
}

// Run history. Store errors are logged and never fail a run.

func (r *run) recordStart() {
	s := r.config.Store
	if s == nil {
		return
	}

	err := s.Runs().MarkRunning(r.job.ID)
	if errors.Is(err, store.ErrNotFound) {
		err = s.Runs().Create(&store.Run{
			ID:             r.job.ID,
			Input:          r.job.Input,
			Output:         r.job.Output,
			Status:         store.RunQueued,
			AllLandmarks:   r.job.AllLandmarks,
			DrawSkeleton:   r.job.DrawSkeleton,
			CalculateAngle: r.job.CalculateAngle,
		})
		if err == nil {
			err = s.Runs().MarkRunning(r.job.ID)
		}
	}
	if err != nil {
		log.Printf("run %s: failed to record start: %v", r.job.ID, err)
	}
}

func (r *run) recordEvent(state State, detail string) {
	if r.config.Store == nil {
		return
	}
	if err := r.config.Store.Events().Append(r.job.ID, state.String(), detail); err != nil {
		log.Printf("run %s: failed to record event: %v", r.job.ID, err)
	}
}

func (r *run) recordDone() {
	if r.config.Store == nil {
		return
	}
	err := r.config.Store.Runs().Complete(r.job.ID, store.RunSummary{
		Width:    r.props.Width,
		Height:   r.props.Height,
		FPS:      r.props.FPS,
		Frames:   r.frames,
		Detected: r.detected,
	})
	if err != nil {
		log.Printf("run %s: failed to record completion: %v", r.job.ID, err)
	}
}

func (r *run) recordFailure(e *Error) {
	if r.config.Store == nil {
		return
	}
	r.recordEvent(StateFailed, e.Error())

	status := store.RunFailed
	if errors.Is(e, ErrCancelled) {
		status = store.RunCancelled
	}
	if err := r.config.Store.Runs().Fail(r.job.ID, status, e.Error(), r.frames); err != nil {
		log.Printf("run %s: failed to record failure: %v", r.job.ID, err)
	}
}
