package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gocv.io/x/gocv"
)

// idleTimeout is how long the pose service may sit unused before it is stopped.
const idleTimeout = 30 * time.Second

// MediaPipeDetector implements Detector using a Python MediaPipe Pose subprocess.
//
// Each request is a 4-byte big-endian length followed by a MessagePack map
// carrying the raw RGB pixels. The service answers with one JSON line:
//
//	{"pose": {"landmarks": [{"x":..,"y":..,"z":..,"visibility":..,"presence":..}, ...]}}
//
// or {"pose": null} when no subject is found, or {"error": "..."}.
type MediaPipeDetector struct {
	config    Config
	script    string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewMediaPipeDetector creates a new MediaPipe pose detector.
// The Python process is started lazily on first detection.
func NewMediaPipeDetector(config Config) (*MediaPipeDetector, error) {
	script := config.ScriptPath
	if script != "" {
		if _, err := os.Stat(script); err != nil {
			return nil, fmt.Errorf("pose service script: %w", err)
		}
	} else {
		script = findPoseScript()
	}
	if script == "" {
		return nil, fmt.Errorf("pose_service.py not found")
	}

	return &MediaPipeDetector{
		config: config,
		script: script,
	}, nil
}

// frameRequest is the MessagePack body sent to the pose service.
type frameRequest struct {
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Channels  int    `msgpack:"channels"`
	Format    string `msgpack:"format"`
}

// Detect converts the frame to RGB, sends it to the pose service and returns
// the detected pose, or nil when the model finds no subject.
func (d *MediaPipeDetector) Detect(frame *gocv.Mat) (*PoseLandmarks, error) {
	if err := ValidateFrame(frame); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	// MediaPipe expects RGB; decoded frames are BGR.
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(*frame, &rgb, gocv.ColorBGRToRGB)

	req := frameRequest{
		FrameData: rgb.ToBytes(),
		Width:     rgb.Cols(),
		Height:    rgb.Rows(),
		Channels:  rgb.Channels(),
		Format:    "rgb",
	}

	if err := writeRequest(d.stdin, &req); err != nil {
		d.shutdown()
		return nil, err
	}

	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		d.shutdown()
		return nil, fmt.Errorf("read response: %w", err)
	}

	pose, err := parseResponse(line)
	if err != nil {
		return nil, err
	}

	d.lastUsed = time.Now()
	d.resetIdleTimer()

	return pose, nil
}

// Close shuts down the Python process.
func (d *MediaPipeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

func (d *MediaPipeDetector) ensureStarted() error {
	if d.started {
		return nil
	}

	pythonPath := d.config.PythonPath
	if pythonPath == "" {
		pythonPath = findVenvPython()
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}

	d.cmd = exec.Command(pythonPath, serviceArgs(d.script, d.config)...)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for debugging
	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start pose service: %w", err)
	}

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true
	d.lastUsed = time.Now()

	return nil
}

func (d *MediaPipeDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func (d *MediaPipeDetector) resetIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(idleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

// serviceArgs builds the command line for the pose service.
func serviceArgs(script string, config Config) []string {
	args := []string{
		script,
		"--model-complexity", strconv.Itoa(config.ModelComplexity),
		"--min-detection-confidence", strconv.FormatFloat(config.MinConfidence, 'f', -1, 64),
		"--min-tracking-confidence", strconv.FormatFloat(config.MinTrackingConf, 'f', -1, 64),
	}
	if config.StaticImageMode {
		args = append(args, "--static-image-mode")
	}
	if !config.SmoothLandmarks {
		args = append(args, "--no-smooth-landmarks")
	}
	return args
}

// writeRequest writes a length-prefixed MessagePack request.
func writeRequest(w io.Writer, req *frameRequest) error {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(payload)))

	if _, err := w.Write(length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// poseResponse represents the JSON structure from the Python service.
type poseResponse struct {
	Pose  *jsonPose `json:"pose"`
	Error string    `json:"error,omitempty"`
}

type jsonPose struct {
	Landmarks []Landmark `json:"landmarks"`
}

// parseResponse decodes one response line. A null or empty pose means no detection.
func parseResponse(line []byte) (*PoseLandmarks, error) {
	var response poseResponse
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if response.Error != "" {
		return nil, fmt.Errorf("pose service: %s", response.Error)
	}

	if response.Pose == nil || len(response.Pose.Landmarks) == 0 {
		return nil, nil
	}

	if len(response.Pose.Landmarks) != NumLandmarks {
		return nil, fmt.Errorf("pose service returned %d landmarks, want %d", len(response.Pose.Landmarks), NumLandmarks)
	}

	pose := &PoseLandmarks{}
	copy(pose.Points[:], response.Pose.Landmarks)
	return pose, nil
}

func findPoseScript() string {
	// Get executable directory
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		"scripts/pose_service.py",
		"../scripts/pose_service.py",
		filepath.Join(execDir, "scripts/pose_service.py"),
		filepath.Join(os.Getenv("HOME"), ".posetrace/scripts/pose_service.py"),
	}

	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment.
// It checks for venv/bin/python relative to the project directory.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		"../../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".posetrace/venv/bin/python"),
	}

	return firstExisting(candidates)
}

func firstExisting(candidates []string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}
