// Package symbol maps classifier scores to fingerspelled symbols.
package symbol

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// Space is the symbol for the optional trailing space class.
	Space = " "
	// Unknown is returned for class indices outside the alphabet.
	Unknown = "?"
	// MaxLetters is the size of the full A-Z alphabet.
	MaxLetters = 26
)

var (
	// ErrEmptyScores is returned when there is no score to decode.
	ErrEmptyScores = errors.New("empty score vector")
	// ErrInvalidAlphabet is returned for an alphabet with no letters or more than 26.
	ErrInvalidAlphabet = errors.New("invalid alphabet")
)

// Alphabet describes the classifier's output classes: Letters consecutive
// letters from "A", optionally followed by a space class.
type Alphabet struct {
	Letters int  `json:"letters" yaml:"letters"`
	Space   bool `json:"space" yaml:"space_class"`
}

// DefaultAlphabet is A-Z without a space class.
func DefaultAlphabet() Alphabet {
	return Alphabet{Letters: MaxLetters}
}

// Validate checks the letter count.
func (a Alphabet) Validate() error {
	if a.Letters < 1 || a.Letters > MaxLetters {
		return fmt.Errorf("%w: %d letters", ErrInvalidAlphabet, a.Letters)
	}
	return nil
}

// Classes returns the number of classifier outputs the alphabet expects.
func (a Alphabet) Classes() int {
	if a.Space {
		return a.Letters + 1
	}
	return a.Letters
}

// Symbol returns the symbol for class index i.
func (a Alphabet) Symbol(i int) string {
	switch {
	case i >= 0 && i < a.Letters:
		return string(rune('A' + i))
	case a.Space && i == a.Letters:
		return Space
	default:
		return Unknown
	}
}

// Prediction is the decoded argmax of one score vector.
type Prediction struct {
	Index      int
	Symbol     string
	Confidence float32
}

// Decoder converts score vectors to predictions. It is stateless and safe
// for concurrent use.
type Decoder struct {
	alphabet Alphabet
}

// NewDecoder returns a Decoder for alphabet.
func NewDecoder(alphabet Alphabet) (*Decoder, error) {
	if err := alphabet.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{alphabet: alphabet}, nil
}

// Alphabet returns the decoder's alphabet.
func (d *Decoder) Alphabet() Alphabet {
	return d.alphabet
}

// Decode picks the highest score. Ties go to the lowest index and NaN scores
// never win. The confidence is the winning score itself.
func (d *Decoder) Decode(scores []float32) (Prediction, error) {
	if len(scores) == 0 {
		return Prediction{}, ErrEmptyScores
	}

	best := -1
	for i, s := range scores {
		if math.IsNaN(float64(s)) {
			continue
		}
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	if best < 0 {
		return Prediction{}, fmt.Errorf("%w: all %d scores are NaN", ErrEmptyScores, len(scores))
	}

	return Prediction{
		Index:      best,
		Symbol:     d.alphabet.Symbol(best),
		Confidence: scores[best],
	}, nil
}

// Result is one recognized symbol. It is never modified after construction.
type Result struct {
	Symbol     string    `json:"symbol"`
	Confidence float32   `json:"confidence"`
	LatencyMs  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
