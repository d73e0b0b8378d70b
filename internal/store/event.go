package store

import (
	"database/sql"
	"time"
)

// RunEvent is a pipeline state transition recorded for a run.
type RunEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventRepository stores run events.
type EventRepository struct {
	db *sql.DB
}

// Events returns the event repository for this store.
func (s *Store) Events() *EventRepository {
	return &EventRepository{db: s.db}
}

// Append records a state transition for a run.
func (r *EventRepository) Append(runID, state, detail string) error {
	_, err := r.db.Exec(
		`INSERT INTO run_events (run_id, state, detail, created_at) VALUES (?, ?, ?, ?)`,
		runID, state, detail, time.Now(),
	)
	return err
}

// ListByRun retrieves the events of a run in the order they were recorded.
func (r *EventRepository) ListByRun(runID string) ([]RunEvent, error) {
	rows, err := r.db.Query(
		`SELECT id, run_id, state, detail, created_at
		 FROM run_events
		 WHERE run_id = ?
		 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.State, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
