// Package sink provides ResultSink implementations for the translation log
// and the message bus.
package sink

import (
	"github.com/ayusman/fingerspell/internal/pipeline"
)

// Fanout delivers each outcome to every sink in order. Nil entries are skipped.
type Fanout []pipeline.ResultSink

// HandleOutcome forwards o to each sink.
func (f Fanout) HandleOutcome(o pipeline.Outcome) {
	for _, s := range f {
		if s != nil {
			s.HandleOutcome(o)
		}
	}
}
