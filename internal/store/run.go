package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunDone      RunStatus = "done"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	return s == RunDone || s == RunFailed || s == RunCancelled
}

// Run represents one annotation run stored in the database.
type Run struct {
	ID             string     `json:"id"`
	Input          string     `json:"input"`
	Output         string     `json:"output"`
	Status         RunStatus  `json:"status"`
	AllLandmarks   bool       `json:"all_landmarks"`
	DrawSkeleton   bool       `json:"draw_skeleton"`
	CalculateAngle bool       `json:"calculate_angle"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	FPS            float64    `json:"fps"`
	Frames         int        `json:"frames"`
	Detected       int        `json:"detected"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// RunSummary holds the figures recorded when a run completes.
type RunSummary struct {
	Width    int
	Height   int
	FPS      float64
	Frames   int
	Detected int
}

// RunRepository provides CRUD operations for runs.
type RunRepository struct {
	db *sql.DB
}

// Runs returns the run repository for this store.
func (s *Store) Runs() *RunRepository {
	return &RunRepository{db: s.db}
}

const runColumns = `id, input, output, status, all_landmarks, draw_skeleton, calculate_angle,
	width, height, fps, frames, detected, error, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var status string
	var started, finished sql.NullTime

	err := row.Scan(&r.ID, &r.Input, &r.Output, &status, &r.AllLandmarks, &r.DrawSkeleton, &r.CalculateAngle,
		&r.Width, &r.Height, &r.FPS, &r.Frames, &r.Detected, &r.Error, &r.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}

	r.Status = RunStatus(status)
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// Create inserts a new run. An empty status is stored as queued.
func (r *RunRepository) Create(run *Run) error {
	if run.Status == "" {
		run.Status = RunQueued
	}
	run.CreatedAt = time.Now()

	_, err := r.db.Exec(
		`INSERT INTO runs (id, input, output, status, all_landmarks, draw_skeleton, calculate_angle, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Input, run.Output, string(run.Status), run.AllLandmarks, run.DrawSkeleton, run.CalculateAngle, run.CreatedAt,
	)
	return err
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// List retrieves runs, newest first. An empty status lists every run and a
// non-positive limit returns all matches.
func (r *RunRepository) List(status RunStatus, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// MarkRunning records that a queued run has started.
func (r *RunRepository) MarkRunning(id string) error {
	return r.update(
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ?`,
		string(RunRunning), time.Now(), id,
	)
}

// Complete records a successful run.
func (r *RunRepository) Complete(id string, sum RunSummary) error {
	return r.update(
		`UPDATE runs SET status = ?, width = ?, height = ?, fps = ?, frames = ?, detected = ?, error = '', finished_at = ?
		 WHERE id = ?`,
		string(RunDone), sum.Width, sum.Height, sum.FPS, sum.Frames, sum.Detected, time.Now(), id,
	)
}

// Fail records a run that ended with an error. Status must be failed or cancelled.
func (r *RunRepository) Fail(id string, status RunStatus, msg string, frames int) error {
	if status != RunFailed && status != RunCancelled {
		return errors.New("fail status must be failed or cancelled")
	}
	return r.update(
		`UPDATE runs SET status = ?, error = ?, frames = ?, finished_at = ? WHERE id = ?`,
		string(status), msg, frames, time.Now(), id,
	)
}

// Delete removes a run and its events.
func (r *RunRepository) Delete(id string) error {
	return r.update(`DELETE FROM runs WHERE id = ?`, id)
}

func (r *RunRepository) update(query string, args ...any) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
