// Package detector provides hand landmark detection for the fingerspelling pipeline.
package detector

import "math"

// Hand landmark indices following MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/hand_landmarker
const (
	Wrist        = 0
	ThumbCMC     = 1
	ThumbMCP     = 2
	ThumbIP      = 3
	ThumbTip     = 4
	IndexMCP     = 5
	IndexPIP     = 6
	IndexDIP     = 7
	IndexTip     = 8
	MiddleMCP    = 9
	MiddlePIP    = 10
	MiddleDIP    = 11
	MiddleTip    = 12
	RingMCP      = 13
	RingPIP      = 14
	RingDIP      = 15
	RingTip      = 16
	PinkyMCP     = 17
	PinkyPIP     = 18
	PinkyDIP     = 19
	PinkyTip     = 20
	NumLandmarks = 21
)

// Point3D is one keypoint. X and Y are normalized to [0,1] relative to the
// frame; Z is relative depth and may be negative.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// HandLandmarks is one detected hand. A well-formed hand has exactly
// NumLandmarks points in topology order; backends may report fewer.
type HandLandmarks struct {
	Points     []Point3D `json:"points"`
	Handedness string    `json:"handedness"` // "Left" or "Right"
	Score      float64   `json:"score"`
}

// Complete reports whether the hand carries the full 21-point topology.
func (h *HandLandmarks) Complete() bool {
	return h != nil && len(h.Points) == NumLandmarks
}

// distance3D calculates the Euclidean distance between two 3D points.
func distance3D(a, b Point3D) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Normalize normalizes the hand landmarks relative to wrist position and hand size.
// The normalized landmarks have the wrist at origin (0,0,0) and are scaled
// so that the distance from wrist to middle finger MCP is 1.0.
// Returns a new HandLandmarks instance with normalized points.
func (h *HandLandmarks) Normalize() *HandLandmarks {
	if h == nil {
		return nil
	}

	normalized := &HandLandmarks{
		Points:     make([]Point3D, len(h.Points)),
		Handedness: h.Handedness,
		Score:      h.Score,
	}
	if len(h.Points) == 0 {
		return normalized
	}

	wrist := h.Points[Wrist]
	for i, p := range h.Points {
		normalized.Points[i] = Point3D{
			X: p.X - wrist.X,
			Y: p.Y - wrist.Y,
			Z: p.Z - wrist.Z,
		}
	}

	if len(normalized.Points) <= MiddleMCP {
		return normalized
	}

	scale := distance3D(Point3D{}, normalized.Points[MiddleMCP])

	// Avoid division by zero
	if scale < 1e-10 {
		return normalized
	}

	for i := range normalized.Points {
		normalized.Points[i].X /= scale
		normalized.Points[i].Y /= scale
		normalized.Points[i].Z /= scale
	}

	return normalized
}
