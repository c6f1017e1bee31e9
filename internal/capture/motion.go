package capture

import (
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Motion detection constants
const (
	// GaussianBlurSize is the kernel size for Gaussian blur (21x21)
	GaussianBlurSize = 21
	// DiffThreshold is the binary threshold for difference detection
	DiffThreshold = 25
	// DefaultIdleAfter is how long a scene must stay still before the gate closes.
	DefaultIdleAfter = 2 * time.Second
)

// MotionGate decides whether frames are worth sending downstream. It opens on
// motion between consecutive frames and closes again once the scene has been
// still for idleAfter.
type MotionGate struct {
	threshold   float64
	idleAfter   time.Duration
	prevGray    gocv.Mat
	initialized bool
	active      bool
	lastMotion  time.Time
	now         func() time.Time
	mu          sync.Mutex
}

// NewMotionGate creates a gate. threshold is the percentage of pixels that
// must change to count as motion; 1.0 means 1% of pixels.
func NewMotionGate(threshold float64, idleAfter time.Duration) *MotionGate {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	return &MotionGate{
		threshold: threshold,
		idleAfter: idleAfter,
		prevGray:  gocv.NewMat(),
		now:       time.Now,
	}
}

// Admit measures motion on frame and reports whether the gate is open.
// The frame itself is not consumed.
func (g *MotionGate) Admit(frame *Frame) bool {
	moving, _ := g.Measure(frame)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if moving {
		g.lastMotion = now
		g.active = true
	} else if g.active && now.Sub(g.lastMotion) > g.idleAfter {
		g.active = false
	}
	return g.active
}

// Active reports whether the gate is currently open.
func (g *MotionGate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Measure compares frame with the previous one. It returns whether motion
// was detected and the percentage of pixels that changed.
//
// Frames are converted to grayscale and blurred (21x21) before differencing;
// the first frame only establishes the baseline.
func (g *MotionGate) Measure(frame *Frame) (bool, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if frame == nil || frame.Mat.Empty() {
		return false, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()

	if frame.Mat.Channels() > 1 {
		gocv.CvtColor(frame.Mat, &gray, gocv.ColorBGRToGray)
	} else {
		frame.Mat.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: GaussianBlurSize, Y: GaussianBlurSize}, 0, 0, gocv.BorderDefault)

	if !g.initialized {
		blurred.CopyTo(&g.prevGray)
		g.initialized = true
		return false, 0
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, g.prevGray, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, DiffThreshold, 255, gocv.ThresholdBinary)

	changed := float64(gocv.CountNonZero(thresh)) / float64(thresh.Rows()*thresh.Cols()) * 100.0

	blurred.CopyTo(&g.prevGray)

	return changed > g.threshold, changed
}

// Reset forgets the baseline frame and closes the gate.
func (g *MotionGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

// Close releases resources used by the gate. It is safe to call repeatedly.
func (g *MotionGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

func (g *MotionGate) resetLocked() {
	if !g.prevGray.Empty() {
		g.prevGray.Close()
		g.prevGray = gocv.NewMat()
	}
	g.initialized = false
	g.active = false
}

// SetThreshold sets the motion threshold percentage.
// Values less than or equal to 0 are ignored.
func (g *MotionGate) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.threshold = threshold
}
