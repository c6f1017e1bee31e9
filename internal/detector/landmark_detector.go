package detector

import (
	"fmt"
	"sync"
	"time"

	"github.com/ayusman/fingerspell/internal/capture"
	"gocv.io/x/gocv"
)

// job is one oriented image waiting for the streaming loop.
type job struct {
	seq       uint64
	img       gocv.Mat
	timestamp time.Time
}

// LandmarkDetector owns one Backend and runs it in a fixed Mode.
//
// In streaming mode a single goroutine drains submitted frames in order and
// publishes exactly one Result per frame on Results.
type LandmarkDetector struct {
	mode    Mode
	backend Backend

	mu     sync.Mutex
	closed bool
	seq    uint64

	jobs    chan job
	results chan Result
	done    chan struct{}
	wg      sync.WaitGroup
}

// New wraps an already loaded backend. queueSize only matters in streaming mode.
func New(mode Mode, backend Backend, queueSize int) *LandmarkDetector {
	d := &LandmarkDetector{
		mode:    mode,
		backend: backend,
	}

	if mode == ModeStreaming {
		if queueSize <= 0 {
			queueSize = 1
		}
		d.jobs = make(chan job, queueSize)
		d.results = make(chan Result, queueSize)
		d.done = make(chan struct{})
		d.wg.Add(1)
		go d.run()
	}

	return d
}

// Open loads the MediaPipe backend described by config and wraps it.
// Load failures wrap ErrModelLoad.
func Open(mode Mode, config Config) (*LandmarkDetector, error) {
	backend, err := NewMediaPipeBackend(config)
	if err != nil {
		return nil, err
	}
	return New(mode, backend, config.QueueSize), nil
}

// Mode returns the mode fixed at construction.
func (d *LandmarkDetector) Mode() Mode {
	return d.mode
}

// Detect orients frame and runs the backend synchronously. The frame is not
// released.
func (d *LandmarkDetector) Detect(frame *capture.Frame) ([]HandLandmarks, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if d.mode != ModeSingleShot {
		return nil, fmt.Errorf("%w: Detect on %s detector", ErrWrongMode, d.mode)
	}

	img, err := Orient(frame.Mat, frame.Rotation, frame.Mirrored)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	return d.backend.Detect(img)
}

// Submit orients frame and queues it for the streaming loop. It never blocks;
// the returned sequence number identifies the Result for this frame. The frame
// is not released: the oriented copy belongs to the detector.
func (d *LandmarkDetector) Submit(frame *capture.Frame) (uint64, error) {
	if d.mode != ModeStreaming {
		return 0, fmt.Errorf("%w: Submit on %s detector", ErrWrongMode, d.mode)
	}

	img, err := Orient(frame.Mat, frame.Rotation, frame.Mirrored)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		img.Close()
		return 0, ErrClosed
	}

	d.seq++
	select {
	case d.jobs <- job{seq: d.seq, img: img, timestamp: frame.Timestamp}:
		return d.seq, nil
	default:
		img.Close()
		return 0, ErrQueueFull
	}
}

// Results delivers streaming results in submission order. The channel is
// closed by Close. It is nil for single-shot detectors.
func (d *LandmarkDetector) Results() <-chan Result {
	return d.results
}

// Close stops the streaming loop and releases the backend. It is idempotent.
func (d *LandmarkDetector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.mode == ModeStreaming {
		close(d.done)
		close(d.jobs)
	}
	d.mu.Unlock()

	d.wg.Wait()
	if d.mode == ModeStreaming {
		close(d.results)
	}

	return d.backend.Close()
}

func (d *LandmarkDetector) run() {
	defer d.wg.Done()

	for j := range d.jobs {
		select {
		case <-d.done:
			j.img.Close()
			continue
		default:
		}

		res := Result{
			Seq:       j.seq,
			Width:     j.img.Cols(),
			Height:    j.img.Rows(),
			Timestamp: j.timestamp,
		}

		hands, err := d.backend.Detect(j.img)
		j.img.Close()
		if err != nil {
			res.Err = fmt.Errorf("detect hands: %w", err)
		} else {
			res.Hands = hands
		}

		select {
		case d.results <- res:
		case <-d.done:
		}
	}
}
