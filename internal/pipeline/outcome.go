package pipeline

import (
	"encoding/json"
	"time"

	"github.com/ayusman/fingerspell/internal/symbol"
)

// OutcomeKind tags what happened to one admitted frame.
type OutcomeKind int

const (
	// OutcomeSymbol carries a decoded symbol.Result.
	OutcomeSymbol OutcomeKind = iota
	// OutcomeNoHand means detection found no hand; the classifier was not run.
	OutcomeNoHand
	// OutcomeError carries a per-frame *Error.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSymbol:
		return "symbol"
	case OutcomeNoHand:
		return "no_hand"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind names the stage a per-frame failure came from.
type ErrorKind string

const (
	ErrorDetect   ErrorKind = "detect"
	ErrorFeature  ErrorKind = "feature"
	ErrorClassify ErrorKind = "classify"
	ErrorDecode   ErrorKind = "decode"
	ErrorInternal ErrorKind = "internal"
)

// Error is a non-fatal failure while processing one frame.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Outcome is the single result delivered to the sink for an admitted frame.
type Outcome struct {
	Kind      OutcomeKind
	Result    symbol.Result // set for OutcomeSymbol
	Err       *Error        // set for OutcomeError
	FrameTime time.Time
}

// MarshalJSON encodes the outcome as a tagged object.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind      string         `json:"kind"`
		Result    *symbol.Result `json:"result,omitempty"`
		Error     *Error         `json:"error,omitempty"`
		FrameTime time.Time      `json:"frame_time"`
	}

	w := wire{Kind: o.Kind.String(), FrameTime: o.FrameTime}
	switch o.Kind {
	case OutcomeSymbol:
		r := o.Result
		w.Result = &r
	case OutcomeError:
		w.Error = o.Err
	}
	return json.Marshal(w)
}

// ResultSink receives outcomes from the pipeline worker. HandleOutcome must
// not block on slow work.
type ResultSink interface {
	HandleOutcome(o Outcome)
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(o Outcome)

// HandleOutcome calls f(o).
func (f SinkFunc) HandleOutcome(o Outcome) {
	f(o)
}

type discard struct{}

func (discard) HandleOutcome(Outcome) {}
