// Package feature turns hand landmarks into classifier input vectors.
package feature

import (
	"errors"
	"fmt"

	"github.com/ayusman/fingerspell/internal/detector"
)

// Width is the length of a feature vector: x, y, z for each landmark.
const Width = detector.NumLandmarks * 3

// ErrInvalidKeypointCount is returned when a hand does not carry exactly
// detector.NumLandmarks points.
var ErrInvalidKeypointCount = errors.New("invalid keypoint count")

// Vector is a flattened hand: x0, y0, z0, x1, ... in landmark order.
type Vector []float32

// Builder converts hands to vectors.
type Builder struct {
	// WristRelative normalizes the hand (wrist at origin, wrist to middle
	// MCP distance of 1.0) before flattening.
	WristRelative bool
}

// Build flattens hand using the zero Builder.
func Build(hand *detector.HandLandmarks) (Vector, error) {
	return Builder{}.Build(hand)
}

// Build flattens hand into a Vector of length Width.
func (b Builder) Build(hand *detector.HandLandmarks) (Vector, error) {
	if !hand.Complete() {
		n := 0
		if hand != nil {
			n = len(hand.Points)
		}
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeypointCount, n, detector.NumLandmarks)
	}

	if b.WristRelative {
		hand = hand.Normalize()
	}

	vec := make(Vector, 0, Width)
	for _, p := range hand.Points {
		vec = append(vec, float32(p.X), float32(p.Y), float32(p.Z))
	}
	return vec, nil
}
