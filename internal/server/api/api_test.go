package api

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ayusman/posetrace/internal/app"
	"github.com/ayusman/posetrace/internal/store"
)

// newTestStore creates a new Store with a temporary database for testing.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// fakeRunner records jobs and updates the store the way the pipeline does.
type fakeRunner struct {
	store   *store.Store
	block   bool
	started chan string
	done    chan string

	mu   sync.Mutex
	jobs []app.Job
}

func newFakeRunner(s *store.Store) *fakeRunner {
	return &fakeRunner{
		store:   s,
		started: make(chan string, 8),
		done:    make(chan string, 8),
	}
}

func (f *fakeRunner) NewJob(input, output string) app.Job {
	return app.Job{Input: input, Output: output, DrawSkeleton: true, AllLandmarks: true}
}

func (f *fakeRunner) RunJob(ctx context.Context, job app.Job) (*app.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	f.store.Runs().MarkRunning(job.ID)
	f.started <- job.ID
	defer func() { f.done <- job.ID }()

	if f.block {
		<-ctx.Done()
		f.store.Runs().Fail(job.ID, store.RunCancelled, ctx.Err().Error(), 0)
		return nil, ctx.Err()
	}

	f.store.Runs().Complete(job.ID, store.RunSummary{Width: 64, Height: 48, FPS: 25, Frames: 10, Detected: 9})
	return &app.Result{RunID: job.ID, Frames: 10, Detected: 9}, nil
}

func (f *fakeRunner) Jobs() []app.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]app.Job(nil), f.jobs...)
}
