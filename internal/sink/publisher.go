package sink

import (
	"encoding/json"
	"log"

	"github.com/ayusman/fingerspell/internal/pipeline"
)

// DefaultSubject is the NATS subject outcomes are published on.
const DefaultSubject = "fingerspell.outcomes"

// Bus is the publishing side of a message bus connection.
type Bus interface {
	Publish(subject string, data []byte) error
}

// Publisher sends outcomes as JSON on a bus subject. NATS publishes are
// buffered by the client, so HandleOutcome does not wait on the network.
type Publisher struct {
	bus        Bus
	subject    string
	allOutcome bool
}

// NewPublisher publishes symbol outcomes on subject. When all is true,
// no-hand and error outcomes are published too.
func NewPublisher(bus Bus, subject string, all bool) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{bus: bus, subject: subject, allOutcome: all}
}

// HandleOutcome publishes o.
func (p *Publisher) HandleOutcome(o pipeline.Outcome) {
	if o.Kind != pipeline.OutcomeSymbol && !p.allOutcome {
		return
	}

	data, err := json.Marshal(o)
	if err != nil {
		log.Printf("Error encoding outcome: %v", err)
		return
	}
	if err := p.bus.Publish(p.subject, data); err != nil {
		log.Printf("Error publishing outcome: %v", err)
	}
}
