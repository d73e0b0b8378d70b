package api

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/ayusman/posetrace/internal/app"
	"github.com/ayusman/posetrace/internal/store"
)

// DefaultQueueSize is used when NewWorker is given a non-positive size.
const DefaultQueueSize = 16

// ErrQueueFull is returned by Submit when no more runs can be queued.
var ErrQueueFull = errors.New("run queue is full")

// Runner executes annotation jobs. *app.App implements it.
type Runner interface {
	NewJob(input, output string) app.Job
	RunJob(ctx context.Context, job app.Job) (*app.Result, error)
}

// Worker runs queued jobs one at a time.
type Worker struct {
	runner Runner
	store  *store.Store
	queue  chan app.Job

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
}

// NewWorker creates a worker that records runs in s.
func NewWorker(r Runner, s *store.Store, size int) *Worker {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Worker{
		runner: r,
		store:  s,
		queue:  make(chan app.Job, size),
	}
}

// NewJob builds a job with the runner's default flags.
func (w *Worker) NewJob(input, output string) app.Job {
	return w.runner.NewJob(input, output)
}

// Submit records job as queued and hands it to the worker.
func (w *Worker) Submit(job app.Job) (*store.Run, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == cap(w.queue) {
		return nil, ErrQueueFull
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	run := &store.Run{
		ID:             job.ID,
		Input:          job.Input,
		Output:         job.Output,
		Status:         store.RunQueued,
		AllLandmarks:   job.AllLandmarks,
		DrawSkeleton:   job.DrawSkeleton,
		CalculateAngle: job.CalculateAngle,
	}
	if err := w.store.Runs().Create(run); err != nil {
		return nil, err
	}

	w.queue <- job
	return run, nil
}

// Run processes queued jobs until ctx is cancelled. A run in progress is
// cancelled along with ctx.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-w.queue:
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job app.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Claim the job before checking its status so Cancel either sees it as
	// current or marks it cancelled before the check.
	w.mu.Lock()
	w.current = job.ID
	w.cancel = cancel
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.current = ""
		w.cancel = nil
		w.mu.Unlock()
	}()

	run, err := w.store.Runs().GetByID(job.ID)
	if err != nil {
		log.Printf("worker: skipping run %s: %v", job.ID, err)
		return
	}
	if run.Status.Finished() {
		log.Printf("worker: skipping run %s: already %s", job.ID, run.Status)
		return
	}

	if _, err := w.runner.RunJob(jobCtx, job); err != nil {
		log.Printf("worker: run %s failed: %v", job.ID, err)
		if errors.Is(err, app.ErrBusy) {
			if ferr := w.store.Runs().Fail(job.ID, store.RunFailed, err.Error(), 0); ferr != nil {
				log.Printf("worker: failed to record run %s: %v", job.ID, ferr)
			}
		}
	}
}

// Current returns the ID of the run in progress, if any.
func (w *Worker) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Cancel stops the run with the given ID. A queued run is marked cancelled
// and skipped when its turn comes. It reports whether a run was cancelled.
func (w *Worker) Cancel(id string) (bool, error) {
	w.mu.Lock()
	if w.current == id && w.cancel != nil {
		w.cancel()
		w.mu.Unlock()
		return true, nil
	}
	w.mu.Unlock()

	run, err := w.store.Runs().GetByID(id)
	if err != nil {
		return false, err
	}
	if run.Status != store.RunQueued {
		return false, nil
	}
	if err := w.store.Runs().Fail(id, store.RunCancelled, "cancelled before start", 0); err != nil {
		return false, err
	}
	return true, nil
}
