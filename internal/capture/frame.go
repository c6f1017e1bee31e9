package capture

import (
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a captured image plus the orientation metadata needed to bring it
// upright. Whoever holds a Frame owns its buffer and must call Release once.
type Frame struct {
	Mat       gocv.Mat
	Rotation  int  // clockwise sensor rotation in degrees
	Mirrored  bool // true for front-facing sources
	Timestamp time.Time

	releases  atomic.Int32
	onRelease func()
}

// NewFrame wraps mat. The frame takes ownership of the Mat.
func NewFrame(mat gocv.Mat, rotation int, mirrored bool, ts time.Time) *Frame {
	return &Frame{
		Mat:       mat,
		Rotation:  rotation,
		Mirrored:  mirrored,
		Timestamp: ts,
	}
}

// OnRelease registers fn to run when the buffer is released. It must be set
// before the frame is handed off.
func (f *Frame) OnRelease(fn func()) {
	f.onRelease = fn
}

// Width returns the buffer width in pixels.
func (f *Frame) Width() int {
	return f.Mat.Cols()
}

// Height returns the buffer height in pixels.
func (f *Frame) Height() int {
	return f.Mat.Rows()
}

// Release frees the underlying buffer. Only the first call has an effect;
// later calls are counted so tests can catch double releases.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	if f.releases.Add(1) != 1 {
		return
	}
	f.Mat.Close()
	if f.onRelease != nil {
		f.onRelease()
	}
}

// Releases returns how many times Release has been called.
func (f *Frame) Releases() int {
	return int(f.releases.Load())
}
