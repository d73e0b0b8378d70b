package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/posetrace/internal/app"
	"github.com/ayusman/posetrace/internal/server/api"
	"github.com/ayusman/posetrace/internal/store"
)

// scriptedRunner completes every job immediately and reports progress the
// way the pipeline does.
type scriptedRunner struct {
	store    *store.Store
	progress app.ProgressFunc
}

func (r *scriptedRunner) NewJob(input, output string) app.Job {
	return app.Job{Input: input, Output: output, DrawSkeleton: true, AllLandmarks: true}
}

func (r *scriptedRunner) RunJob(ctx context.Context, job app.Job) (*app.Result, error) {
	r.store.Runs().MarkRunning(job.ID)
	for _, st := range []app.State{app.StateOpened, app.StateStreaming, app.StateFlushed, app.StateFinalizing} {
		r.store.Events().Append(job.ID, st.String(), "")
		r.progress(app.Progress{RunID: job.ID, State: st, Frame: 4, Total: 4})
	}
	r.store.Runs().Complete(job.ID, store.RunSummary{Width: 64, Height: 48, FPS: 25, Frames: 4, Detected: 4})
	r.store.Events().Append(job.ID, app.StateDone.String(), "")
	r.progress(app.Progress{RunID: job.ID, State: app.StateDone, Frame: 4, Total: 4, Detected: 4})
	return &app.Result{RunID: job.ID, Frames: 4, Detected: 4}, nil
}

func waitForClients(t *testing.T, hub *ProgressHub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d websocket clients", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAPI_RunWorkflow(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	hub := NewProgressHub()
	defer hub.Close()

	runner := &scriptedRunner{store: s, progress: hub.Publish}
	worker := api.NewWorker(runner, s, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	srv := New(Config{Store: s, Worker: worker, Progress: hub})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := ts.Client()

	// 1. Subscribe to progress before queuing.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	// 2. Queue a run.
	body := `{"input": "in.mp4", "output": "out.mp4", "all_landmarks": false}`
	resp, err := client.Post(ts.URL+"/api/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /api/runs error = %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	var created struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	if created.ID == "" {
		t.Fatal("created run has no id")
	}

	// 3. Follow progress until the run is done.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var states []string
	for {
		var p struct {
			RunID string `json:"run_id"`
			State string `json:"state"`
		}
		if err := conn.ReadJSON(&p); err != nil {
			t.Fatalf("ReadJSON() error = %v (states so far %v)", err, states)
		}
		if p.RunID != created.ID {
			t.Errorf("progress for run %s, want %s", p.RunID, created.ID)
		}
		states = append(states, p.State)
		if p.State == "done" {
			break
		}
	}
	if states[0] != "opened" {
		t.Errorf("first state = %s, want opened", states[0])
	}

	// 4. The run is recorded with its events.
	resp, err = client.Get(ts.URL + "/api/runs/" + created.ID)
	if err != nil {
		t.Fatalf("GET /api/runs/{id} error = %v", err)
	}
	var got struct {
		Status       string `json:"status"`
		AllLandmarks bool   `json:"all_landmarks"`
		Frames       int    `json:"frames"`
		Events       []struct {
			State string `json:"state"`
		} `json:"events"`
	}
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()

	if got.Status != "done" || got.Frames != 4 || got.AllLandmarks {
		t.Errorf("run = %+v", got)
	}
	if len(got.Events) != 5 {
		t.Errorf("got %d events, want 5", len(got.Events))
	}

	// 5. List shows it.
	resp, _ = client.Get(ts.URL + "/api/runs?status=done")
	var listed struct {
		Runs []struct {
			ID string `json:"id"`
		} `json:"runs"`
	}
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()

	if len(listed.Runs) != 1 || listed.Runs[0].ID != created.ID {
		t.Errorf("listed runs = %+v", listed.Runs)
	}

	// 6. Delete removes the finished run.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/runs/"+created.ID, nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	resp, _ = client.Get(ts.URL + "/api/runs/" + created.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestProgressHub_ClientLifecycle(t *testing.T) {
	hub := NewProgressHub()
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	waitForClients(t, hub, 1)

	hub.Publish(app.Progress{RunID: "r", State: app.StateFailed, Error: "boom"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var p map[string]any
	if err := conn.ReadJSON(&p); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if p["state"] != "failed" || p["error"] != "boom" {
		t.Errorf("progress = %v", p)
	}

	hub.Close()
	hub.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close after hub.Close()")
	}
	conn.Close()

	// Publishing after Close must not block.
	hub.Publish(app.Progress{RunID: "r", State: app.StateDone})
}
