package detector

import (
	"errors"
	"time"

	"gocv.io/x/gocv"
)

var (
	// ErrModelLoad is returned when the landmark model cannot be loaded.
	ErrModelLoad = errors.New("landmark model load failed")
	// ErrWrongMode is returned when Detect is called on a streaming detector
	// or Submit on a single-shot one.
	ErrWrongMode = errors.New("detector used in wrong mode")
	// ErrClosed is returned by Detect and Submit after Close.
	ErrClosed = errors.New("detector is closed")
	// ErrQueueFull is returned by Submit when the streaming queue has no room.
	ErrQueueFull = errors.New("detector queue is full")
)

// Mode selects how a LandmarkDetector accepts frames. It is fixed at construction.
type Mode int

const (
	// ModeSingleShot runs detection synchronously via Detect.
	ModeSingleShot Mode = iota
	// ModeStreaming accepts frames via Submit and reports on Results.
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModeSingleShot:
		return "single-shot"
	case ModeStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Backend is a keypoint-extraction model. Detect receives an upright,
// unmirrored image and must not retain it after returning.
type Backend interface {
	Detect(img gocv.Mat) ([]HandLandmarks, error)
	Close() error
}

// Result is delivered once per submitted frame in streaming mode.
// Exactly one of Hands (possibly empty) or Err is meaningful.
type Result struct {
	Seq       uint64
	Hands     []HandLandmarks
	Width     int
	Height    int
	Timestamp time.Time
	Err       error
}

// Config holds configuration options for hand detection.
type Config struct {
	// ModelPath is the hand landmarker model handed to the backend.
	ModelPath string

	// ScriptPath overrides the MediaPipe service script location.
	ScriptPath string

	// PythonPath overrides the interpreter used for the service.
	PythonPath string

	// MaxHands is the maximum number of hands to detect (default: 1).
	MaxHands int

	// MinDetectionConf is the minimum detection confidence threshold (0.0-1.0).
	MinDetectionConf float64

	// MinTrackingConf is the minimum tracking confidence threshold (0.0-1.0).
	MinTrackingConf float64

	// MinPresenceConf is the minimum hand presence confidence threshold (0.0-1.0).
	MinPresenceConf float64

	// LoadTimeout bounds how long the backend may take to report ready.
	LoadTimeout time.Duration

	// QueueSize is the streaming submission queue depth.
	QueueSize int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/hand_landmarker.task",
		MaxHands:         1,
		MinDetectionConf: 0.5,
		MinTrackingConf:  0.5,
		MinPresenceConf:  0.5,
		LoadTimeout:      15 * time.Second,
		QueueSize:        2,
	}
}
