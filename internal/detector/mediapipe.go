package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// MediaPipeBackend runs the MediaPipe hand landmarker in a Python subprocess.
//
// Protocol: after loading the model the service prints one JSON line,
// {"ready":true} or {"error":"..."}. Each request is a 4-byte big-endian
// length followed by a JPEG; each response is one JSON line holding "hands"
// or "error".
type MediaPipeBackend struct {
	config  Config
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	mu      sync.Mutex
	started bool
}

// NewMediaPipeBackend starts the service and waits for the model to load.
// Every failure wraps ErrModelLoad.
func NewMediaPipeBackend(config Config) (*MediaPipeBackend, error) {
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	scriptPath := config.ScriptPath
	if scriptPath == "" {
		scriptPath = findMediaPipeScript()
	}
	if scriptPath == "" {
		return nil, fmt.Errorf("%w: mediapipe_service.py not found", ErrModelLoad)
	}

	pythonPath := config.PythonPath
	if pythonPath == "" {
		pythonPath = findVenvPython()
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}

	b := &MediaPipeBackend{config: config}
	if err := b.start(pythonPath, scriptPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	return b, nil
}

// Detect analyzes an image and returns detected hand landmarks.
func (b *MediaPipeBackend) Detect(img gocv.Mat) ([]HandLandmarks, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil, errors.New("mediapipe service is not running")
	}

	buf, err := gocv.IMEncode(".jpg", img)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := b.stdin.Write(length); err != nil {
		return nil, fmt.Errorf("write length: %w", err)
	}
	if _, err := b.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write data: %w", err)
	}

	line, err := b.stdout.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var response struct {
		Hands []jsonHand `json:"hands"`
		Error string     `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, errors.New(response.Error)
	}

	result := make([]HandLandmarks, len(response.Hands))
	for i, h := range response.Hands {
		result[i] = h.toHandLandmarks()
	}

	return result, nil
}

// Close shuts down the Python process. It is safe to call more than once.
func (b *MediaPipeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown()
}

func (b *MediaPipeBackend) start(pythonPath, scriptPath string) error {
	b.cmd = exec.Command(pythonPath, scriptPath,
		"--model", b.config.ModelPath,
		"--max-hands", strconv.Itoa(b.config.MaxHands),
		"--min-detection-confidence", strconv.FormatFloat(b.config.MinDetectionConf, 'f', -1, 64),
		"--min-tracking-confidence", strconv.FormatFloat(b.config.MinTrackingConf, 'f', -1, 64),
		"--min-presence-confidence", strconv.FormatFloat(b.config.MinPresenceConf, 'f', -1, 64),
	)

	stdin, err := b.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := b.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for debugging
	b.cmd.Stderr = os.Stderr

	if err := b.cmd.Start(); err != nil {
		return fmt.Errorf("start mediapipe service: %w", err)
	}

	b.stdin = stdin
	b.stdout = bufio.NewReader(stdout)
	b.started = true

	if err := b.awaitReady(); err != nil {
		b.cmd.Process.Kill()
		b.shutdown()
		return err
	}
	return nil
}

func (b *MediaPipeBackend) awaitReady() error {
	type readyLine struct {
		line string
		err  error
	}
	ch := make(chan readyLine, 1)
	stdout := b.stdout
	go func() {
		line, err := stdout.ReadString('\n')
		ch <- readyLine{line, err}
	}()

	timeout := b.config.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().LoadTimeout
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("read ready line: %w", r.err)
		}
		var ready struct {
			Ready bool   `json:"ready"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(r.line), &ready); err != nil {
			return fmt.Errorf("parse ready line: %w", err)
		}
		if !ready.Ready {
			return fmt.Errorf("mediapipe service: %s", ready.Error)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("mediapipe service not ready after %s", timeout)
	}
}

func (b *MediaPipeBackend) shutdown() error {
	if !b.started {
		return nil
	}

	if b.stdin != nil {
		b.stdin.Close()
	}

	err := b.cmd.Wait()
	b.started = false
	b.cmd = nil
	b.stdin = nil
	b.stdout = nil

	return err
}

func findMediaPipeScript() string {
	// Get executable directory
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		"scripts/mediapipe_service.py",
		"../scripts/mediapipe_service.py",
		filepath.Join(execDir, "scripts/mediapipe_service.py"),
		filepath.Join(os.Getenv("HOME"), ".fingerspell/scripts/mediapipe_service.py"),
	}

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

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".fingerspell/venv/bin/python"),
	}

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

// jsonHand represents the JSON structure from the Python service.
type jsonHand struct {
	Points     []Point3D `json:"points"`
	Handedness string    `json:"handedness"`
	Score      float64   `json:"score"`
}

// toHandLandmarks keeps every reported point; callers validate the count.
func (h jsonHand) toHandLandmarks() HandLandmarks {
	points := make([]Point3D, len(h.Points))
	copy(points, h.Points)
	return HandLandmarks{
		Points:     points,
		Handedness: h.Handedness,
		Score:      h.Score,
	}
}
