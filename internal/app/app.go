// Package app ties the camera, the motion gate and the recognition pipeline
// together and routes outcomes to the registered sinks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/fingerspell/internal/capture"
	"github.com/ayusman/fingerspell/internal/pipeline"
	"github.com/ayusman/fingerspell/internal/store"
)

// Capture pacing.
const (
	// IdleFPS is the capture rate while the motion gate is closed.
	IdleFPS = 5
	// FacingSetting is the settings key the camera facing is persisted under.
	FacingSetting = "camera.facing"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("app is closed")

// Config holds configuration options for the application.
type Config struct {
	Camera capture.Camera

	// Pipeline configures recognition. Its Sink is replaced by the App, which
	// forwards outcomes to every sink added with AddSink.
	Pipeline pipeline.Config

	// Store records sessions and the camera facing. Optional.
	Store *store.Store

	// FPS is the capture rate while frames are being admitted.
	FPS int

	// MotionGate drops frames from a still scene before they reach the pipeline.
	MotionGate      bool
	MotionThreshold float64
	IdleAfter       time.Duration
}

// Stats is a snapshot of the capture loop and the pipeline.
type Stats struct {
	Running   bool           `json:"running"`
	Facing    capture.Facing `json:"facing"`
	SessionID string         `json:"session_id,omitempty"`
	FPS       int            `json:"fps"`
	Frames    uint64         `json:"frames"`
	Gated     uint64         `json:"gated"`
	ReadErrs  uint64         `json:"read_errors"`
	Pipeline  pipeline.Stats `json:"pipeline"`
}

// App is the main application. Start and Stop may be called repeatedly;
// each Start opens a new session.
type App struct {
	config Config
	camera capture.Camera
	gate   *capture.MotionGate
	pipe   *pipeline.Pipeline

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
	closed bool

	sinkMu sync.RWMutex
	sinks  []pipeline.ResultSink

	session atomic.Value // string

	frames   atomic.Uint64
	gated    atomic.Uint64
	readErrs atomic.Uint64
}

// New creates a stopped App. If a facing was persisted by an earlier run it
// is applied to the camera.
func New(config Config) (*App, error) {
	if config.Camera == nil {
		return nil, errors.New("app: no camera")
	}
	if config.FPS <= 0 {
		config.FPS = capture.DefaultFPS
	}

	a := &App{
		config: config,
		camera: config.Camera,
	}
	a.session.Store("")

	pc := config.Pipeline
	pc.Sink = a
	pipe, err := pipeline.New(pc)
	if err != nil {
		return nil, err
	}
	a.pipe = pipe

	if config.MotionGate {
		threshold := config.MotionThreshold
		if threshold <= 0 {
			threshold = 1.0 // 1% pixel change
		}
		a.gate = capture.NewMotionGate(threshold, config.IdleAfter)
	}

	if config.Store != nil {
		saved, err := config.Store.Settings().Get(FacingSetting)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			log.Printf("Failed to load camera facing: %v", err)
		default:
			if f, err := capture.ParseFacing(saved); err == nil {
				a.camera.SetFacing(f)
			} else {
				log.Printf("Ignoring stored camera facing: %v", err)
			}
		}
	}

	return a, nil
}

// AddSink registers s to receive every outcome.
func (a *App) AddSink(s pipeline.ResultSink) {
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	a.sinks = append(a.sinks, s)
}

// HandleOutcome implements pipeline.ResultSink.
func (a *App) HandleOutcome(o pipeline.Outcome) {
	a.sinkMu.RLock()
	defer a.sinkMu.RUnlock()
	for _, s := range a.sinks {
		s.HandleOutcome(o)
	}
}

// Start loads the models, opens the camera and begins capturing. Starting
// a running App is a no-op.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.stopCh != nil {
		return nil
	}

	if err := a.pipe.Start(ctx); err != nil {
		return err
	}

	if err := a.camera.Open(); err != nil {
		if stopErr := a.pipe.Stop(); stopErr != nil {
			log.Printf("Error stopping pipeline: %v", stopErr)
		}
		return fmt.Errorf("open camera: %w", err)
	}

	fps := a.config.FPS
	if a.gate != nil {
		fps = IdleFPS
	}
	a.camera.SetFPS(fps)

	a.beginSession()

	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	go a.runCapture(a.stopCh, a.done)

	log.Println("Capture started")
	return nil
}

// Stop halts capture, closes the camera and unloads the models. Stopping a
// stopped App is a no-op.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopLocked()
}

func (a *App) stopLocked() error {
	if a.stopCh == nil {
		return nil
	}

	close(a.stopCh)
	<-a.done
	a.stopCh, a.done = nil, nil

	var errs []error
	if err := a.camera.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close camera: %w", err))
	}
	if a.gate != nil {
		a.gate.Reset()
	}
	if err := a.pipe.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.endSession()

	log.Println("Capture stopped")
	return errors.Join(errs...)
}

// Close stops the App and releases the motion gate. Later calls do nothing.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	err := a.stopLocked()
	if a.gate != nil {
		a.gate.Close()
	}
	return err
}

// Running reports whether capture is active.
func (a *App) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopCh != nil
}

// SetFacing switches the camera facing for subsequent frames and persists it.
func (a *App) SetFacing(f capture.Facing) error {
	if _, err := capture.ParseFacing(string(f)); err != nil {
		return err
	}
	a.camera.SetFacing(f)

	if a.config.Store != nil {
		if err := a.config.Store.Settings().Set(FacingSetting, string(f)); err != nil {
			return fmt.Errorf("persist camera facing: %w", err)
		}
	}
	log.Printf("Camera facing set to %s", f)
	return nil
}

// Facing returns the current camera facing.
func (a *App) Facing() capture.Facing {
	return a.camera.Facing()
}

// SessionID returns the active session, or "" when stopped or when no store
// is configured.
func (a *App) SessionID() string {
	return a.session.Load().(string)
}

// Stats returns a snapshot of the counters.
func (a *App) Stats() Stats {
	return Stats{
		Running:   a.Running(),
		Facing:    a.camera.Facing(),
		SessionID: a.SessionID(),
		FPS:       a.camera.FPS(),
		Frames:    a.frames.Load(),
		Gated:     a.gated.Load(),
		ReadErrs:  a.readErrs.Load(),
		Pipeline:  a.pipe.Stats(),
	}
}

// Pipeline returns the recognition pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipe
}

// Camera returns the camera instance.
func (a *App) Camera() capture.Camera {
	return a.camera
}

func (a *App) beginSession() {
	if a.config.Store == nil {
		return
	}
	sess, err := a.config.Store.Sessions().Create(string(a.camera.Facing()))
	if err != nil {
		log.Printf("Failed to create session: %v", err)
		return
	}
	a.session.Store(sess.ID)
	log.Printf("Session %s started", sess.ID)
}

func (a *App) endSession() {
	id := a.SessionID()
	a.session.Store("")
	if id == "" || a.config.Store == nil {
		return
	}
	if err := a.config.Store.Sessions().Finish(id); err != nil {
		log.Printf("Failed to finish session %s: %v", id, err)
	}
}
