package detector

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// ErrUnsupportedRotation is returned for rotations that are not a multiple of 90 degrees.
var ErrUnsupportedRotation = errors.New("unsupported rotation")

// Orient returns an upright, unmirrored copy of src. The image is first
// rotated clockwise by rotation degrees and then, if mirrored, flipped about
// its vertical center line. The caller owns the returned Mat.
func Orient(src gocv.Mat, rotation int, mirrored bool) (gocv.Mat, error) {
	dst := gocv.NewMat()

	switch ((rotation % 360) + 360) % 360 {
	case 0:
		src.CopyTo(&dst)
	case 90:
		gocv.Rotate(src, &dst, gocv.Rotate90Clockwise)
	case 180:
		gocv.Rotate(src, &dst, gocv.Rotate180Clockwise)
	case 270:
		gocv.Rotate(src, &dst, gocv.Rotate90CounterClockwise)
	default:
		dst.Close()
		return gocv.NewMat(), fmt.Errorf("%w: %d degrees", ErrUnsupportedRotation, rotation)
	}

	if !mirrored {
		return dst, nil
	}

	flipped := gocv.NewMat()
	gocv.Flip(dst, &flipped, 1)
	dst.Close()
	return flipped, nil
}
