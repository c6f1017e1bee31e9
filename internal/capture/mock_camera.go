package capture

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// MockCamera plays back pre-recorded frames for testing
type MockCamera struct {
	frames   []*gocv.Mat
	index    int
	loop     bool
	mu       sync.Mutex
	running  bool
	facing   Facing
	rotation int
}

func NewMockCamera(frames []*gocv.Mat, loop bool) *MockCamera {
	return &MockCamera{
		frames: frames,
		loop:   loop,
		facing: FacingBack,
	}
}

func (c *MockCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.index = 0
	return nil
}

func (c *MockCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *MockCamera) ReadFrame() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, fmt.Errorf("camera not open")
	}

	if len(c.frames) == 0 {
		return nil, fmt.Errorf("no frames available")
	}

	if c.index >= len(c.frames) {
		if c.loop {
			c.index = 0
		} else {
			return nil, fmt.Errorf("no more frames")
		}
	}

	// Clone the frame so the original isn't modified
	mat := c.frames[c.index].Clone()
	c.index++

	return NewFrame(mat, c.rotation, c.facing.Mirrored(), time.Now()), nil
}

func (c *MockCamera) SetFPS(fps int) {}
func (c *MockCamera) FPS() int       { return 15 }
func (c *MockCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *MockCamera) SetFacing(f Facing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facing = f
}

func (c *MockCamera) Facing() Facing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}

// SetRotation sets the rotation stamped on subsequent frames
func (c *MockCamera) SetRotation(degrees int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotation = degrees
}

// SetFrames replaces the frame sequence
func (c *MockCamera) SetFrames(frames []*gocv.Mat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = frames
	c.index = 0
}

// Reset restarts playback from the beginning
func (c *MockCamera) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = 0
}
