// Package capture provides camera capture functionality using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Default camera settings
const (
	DefaultFPS    = 15
	DefaultWidth  = 640
	DefaultHeight = 480
)

// ErrCameraNotOpen is returned when trying to read from a camera that is not open.
var ErrCameraNotOpen = errors.New("camera is not open")

// Facing is the direction a capture device points.
type Facing string

const (
	// FacingFront is a user-facing device; its frames are mirrored.
	FacingFront Facing = "front"
	// FacingBack is a world-facing device.
	FacingBack Facing = "back"
)

// ParseFacing converts a string into a Facing.
func ParseFacing(s string) (Facing, error) {
	switch Facing(s) {
	case FacingFront, FacingBack:
		return Facing(s), nil
	default:
		return "", fmt.Errorf("unknown camera facing %q", s)
	}
}

// Mirrored reports whether frames from this facing need a horizontal flip.
func (f Facing) Mirrored() bool {
	return f == FacingFront
}

// Camera defines the interface for camera capture implementations.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (*Frame, error)
	SetFPS(fps int)
	FPS() int
	SetFacing(f Facing)
	Facing() Facing
	IsOpen() bool
}

// cameraImpl manages video capture from a camera device using GoCV.
type cameraImpl struct {
	deviceID int
	rotation int
	capture  *gocv.VideoCapture
	mu       sync.Mutex
	running  bool
	fps      int
	facing   Facing
}

// NewCamera creates a new Camera with the given device ID. rotation is the
// sensor rotation stamped on every frame.
func NewCamera(deviceID, rotation int, facing Facing) Camera {
	return &cameraImpl{
		deviceID: deviceID,
		rotation: rotation,
		fps:      DefaultFPS,
		facing:   facing,
		running:  false,
		capture:  nil,
	}
}

// Open opens the camera for capturing frames.
// It sets the resolution to 640x480 for performance.
func (c *cameraImpl) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(c.deviceID)
	if err != nil {
		return err
	}

	// Set resolution for performance
	capture.Set(gocv.VideoCaptureFrameWidth, DefaultWidth)
	capture.Set(gocv.VideoCaptureFrameHeight, DefaultHeight)
	capture.Set(gocv.VideoCaptureFPS, float64(c.fps))

	c.capture = capture
	c.running = true

	return nil
}

// Close closes the camera and releases resources.
func (c *cameraImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false

	return err
}

// ReadFrame reads a single frame from the camera.
// The caller is responsible for releasing the returned Frame.
func (c *cameraImpl) ReadFrame() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok {
		mat.Close()
		return nil, errors.New("failed to read frame from camera")
	}

	if mat.Empty() {
		mat.Close()
		return nil, errors.New("captured frame is empty")
	}

	return NewFrame(mat, c.rotation, c.facing.Mirrored(), time.Now()), nil
}

// SetFPS sets the frames per second for capture.
// Values less than or equal to 0 are ignored.
func (c *cameraImpl) SetFPS(fps int) {
	if fps <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.fps = fps

	if c.capture != nil {
		c.capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}

// FPS returns the current frames per second setting.
func (c *cameraImpl) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fps
}

// SetFacing changes the mirroring applied to subsequent frames.
func (c *cameraImpl) SetFacing(f Facing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.facing = f
}

// Facing returns the current facing.
func (c *cameraImpl) Facing() Facing {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.facing
}

// IsOpen returns true if the camera is currently open and running.
func (c *cameraImpl) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}
