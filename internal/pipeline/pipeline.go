// Package pipeline runs admitted camera frames through landmark detection,
// feature extraction, classification and decoding, one frame at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/fingerspell/internal/capture"
	"github.com/ayusman/fingerspell/internal/detector"
	"github.com/ayusman/fingerspell/internal/feature"
	"github.com/ayusman/fingerspell/internal/symbol"
	"github.com/ayusman/fingerspell/internal/telemetry"
)

// DefaultFrameTimeout bounds how long the worker waits for one detection result.
const DefaultFrameTimeout = 2 * time.Second

var (
	// ErrStartup wraps whatever prevented Start from loading the models.
	ErrStartup = errors.New("pipeline startup failed")
	// ErrFrameTimeout is reported when detection does not answer within FrameTimeout.
	ErrFrameTimeout = errors.New("detection timed out")
	// ErrInvalidConfig is returned by New for a Config missing a required field.
	ErrInvalidConfig = errors.New("invalid pipeline config")

	errStopping = errors.New("pipeline stopping")
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateStopped, StateStarting, StateRunning, StateStopping} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline state %q", text)
}

// Landmarker is a streaming landmark detector.
type Landmarker interface {
	Submit(frame *capture.Frame) (uint64, error)
	Results() <-chan detector.Result
	Close() error
}

// Classifier scores feature vectors.
type Classifier interface {
	Classify(vec feature.Vector) ([]float32, error)
	Close() error
}

// Config wires a Pipeline. The open functions are called on every Start.
type Config struct {
	OpenDetector   func() (Landmarker, error)
	OpenClassifier func() (Classifier, error)
	Features       feature.Builder
	Decoder        *symbol.Decoder
	Sink           ResultSink

	// FrameTimeout bounds the wait for one detection result; 0 waits forever.
	FrameTimeout time.Duration

	Metrics *telemetry.Metrics
	Clock   func() time.Time
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	State    State  `json:"state"`
	InFlight bool   `json:"in_flight"`
	Admitted uint64 `json:"admitted"`
	Dropped  uint64 `json:"dropped"`
	Symbols  uint64 `json:"symbols"`
	NoHand   uint64 `json:"no_hand"`
	Errors   uint64 `json:"errors"`
}

type admission struct {
	frame *capture.Frame
	at    time.Time
}

// Pipeline admits at most one frame at a time and processes it on a single
// worker goroutine. Frames arriving while one is in flight are released
// and dropped.
type Pipeline struct {
	cfg Config

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	// admitMu guards state, admit and stopCh against Submit.
	admitMu sync.RWMutex
	state   State
	admit   chan admission
	stopCh  chan struct{}

	inflight atomic.Bool
	wg       sync.WaitGroup

	det Landmarker
	cls Classifier

	admitted atomic.Uint64
	dropped  atomic.Uint64
	symbols  atomic.Uint64
	noHand   atomic.Uint64
	errs     atomic.Uint64
}

// New validates cfg and returns a stopped Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.OpenDetector == nil {
		return nil, fmt.Errorf("%w: no detector", ErrInvalidConfig)
	}
	if cfg.OpenClassifier == nil {
		return nil, fmt.Errorf("%w: no classifier", ErrInvalidConfig)
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("%w: no decoder", ErrInvalidConfig)
	}
	if cfg.FrameTimeout < 0 {
		return nil, fmt.Errorf("%w: negative frame timeout", ErrInvalidConfig)
	}
	if cfg.Sink == nil {
		cfg.Sink = discard{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Pipeline{cfg: cfg}, nil
}

// Start loads the detector and classifier and starts the worker. If either
// model fails to load, whatever was opened is closed, the pipeline stays
// stopped and the error wraps ErrStartup. Starting a running pipeline is a
// no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.admitMu.Lock()
	if p.state != StateStopped {
		p.admitMu.Unlock()
		return nil
	}
	p.state = StateStarting
	p.admitMu.Unlock()

	det, cls, err := p.open(ctx)
	if err != nil {
		p.setState(StateStopped)
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	p.det, p.cls = det, cls
	stop := make(chan struct{})
	admit := make(chan admission, 1)

	p.wg.Add(1)
	go p.worker(det, cls, admit, stop)

	p.admitMu.Lock()
	p.admit = admit
	p.stopCh = stop
	p.state = StateRunning
	p.admitMu.Unlock()

	log.Println("Gesture pipeline started")
	return nil
}

func (p *Pipeline) open(ctx context.Context) (Landmarker, Classifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	det, err := p.cfg.OpenDetector()
	if err != nil {
		return nil, nil, fmt.Errorf("open detector: %w", err)
	}

	if err := ctx.Err(); err != nil {
		closeLogged("detector", det)
		return nil, nil, err
	}

	cls, err := p.cfg.OpenClassifier()
	if err != nil {
		closeLogged("detector", det)
		return nil, nil, fmt.Errorf("open classifier: %w", err)
	}

	return det, cls, nil
}

func closeLogged(name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		log.Printf("Error closing %s: %v", name, err)
	}
}

// Stop halts the worker, releases any admitted frame and closes both models.
// It returns only after all of that is done. Stopping a stopped pipeline is
// a no-op; a Stop racing Start waits for Start to finish first.
func (p *Pipeline) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.admitMu.Lock()
	if p.state != StateRunning {
		p.admitMu.Unlock()
		return nil
	}
	p.state = StateStopping
	stop := p.stopCh
	admit := p.admit
	p.admitMu.Unlock()

	close(stop)
	p.wg.Wait()

	// A frame admitted after the worker's last receive is still queued.
	select {
	case a := <-admit:
		a.frame.Release()
	default:
	}
	p.inflight.Store(false)

	var errs []error
	if err := p.det.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close detector: %w", err))
	}
	if err := p.cls.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close classifier: %w", err))
	}
	p.det, p.cls = nil, nil

	p.setState(StateStopped)
	log.Println("Gesture pipeline stopped")
	return errors.Join(errs...)
}

// Submit offers a frame. It never blocks. The pipeline takes ownership of the
// frame in every case: a frame that is not admitted is released immediately.
// It reports whether the frame was admitted.
func (p *Pipeline) Submit(frame *capture.Frame) bool {
	if frame == nil {
		return false
	}

	p.admitMu.RLock()
	defer p.admitMu.RUnlock()

	if p.state != StateRunning {
		frame.Release()
		return false
	}

	if !p.inflight.CompareAndSwap(false, true) {
		frame.Release()
		p.dropped.Add(1)
		p.cfg.Metrics.FrameDropped()
		return false
	}

	p.admitted.Add(1)
	p.cfg.Metrics.FrameAdmitted()

	// The in-flight marker guarantees the slot is empty.
	p.admit <- admission{frame: frame, at: p.cfg.Clock()}
	return true
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.admitMu.RLock()
	defer p.admitMu.RUnlock()
	return p.state
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		State:    p.State(),
		InFlight: p.inflight.Load(),
		Admitted: p.admitted.Load(),
		Dropped:  p.dropped.Load(),
		Symbols:  p.symbols.Load(),
		NoHand:   p.noHand.Load(),
		Errors:   p.errs.Load(),
	}
}

func (p *Pipeline) setState(s State) {
	p.admitMu.Lock()
	p.state = s
	p.admitMu.Unlock()
}
