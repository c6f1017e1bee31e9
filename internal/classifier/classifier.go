// Package classifier runs the second-stage model that scores hand feature
// vectors against the fingerspelling alphabet.
package classifier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ayusman/fingerspell/internal/feature"
)

var (
	// ErrModelLoad is returned when the classification model cannot be loaded.
	ErrModelLoad = errors.New("classifier model load failed")
	// ErrClosed is returned by Classify after Close.
	ErrClosed = errors.New("classifier is closed")
	// ErrDimensionMismatch is returned when a vector does not match the model input width.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
)

// Model is one loaded inference session. Run takes exactly InputWidth
// values and returns OutputWidth scores.
type Model interface {
	InputWidth() int
	OutputWidth() int
	Run(input []float32) ([]float32, error)
	Close() error
}

// Classifier owns a Model and guards it against use after Close.
type Classifier struct {
	mu     sync.Mutex
	model  Model
	closed bool
}

// New wraps an already loaded model.
func New(model Model) *Classifier {
	return &Classifier{model: model}
}

// Open loads the ONNX model described by config.
func Open(config Config) (*Classifier, error) {
	model, err := OpenONNX(config)
	if err != nil {
		return nil, err
	}
	return New(model), nil
}

// Classify runs one inference. It does not retry.
func (c *Classifier) Classify(vec feature.Vector) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if want := c.model.InputWidth(); len(vec) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), want)
	}

	scores, err := c.model.Run(vec)
	if err != nil {
		return nil, fmt.Errorf("run model: %w", err)
	}
	return scores, nil
}

// Classes returns the number of scores Classify produces.
func (c *Classifier) Classes() int {
	return c.model.OutputWidth()
}

// Close releases the model. It is safe to call more than once.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.model.Close()
}
