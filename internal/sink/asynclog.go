package sink

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/fingerspell/internal/pipeline"
)

// DefaultQueueSize is the number of records AsyncLog buffers before dropping.
const DefaultQueueSize = 64

// Record is one logged translation.
type Record struct {
	Timestamp  time.Time
	Symbol     string
	Confidence float32
	LatencyMs  int64
	SessionID  string
}

// Writer persists records. AsyncLog calls Append from a single goroutine.
type Writer interface {
	Append(r Record) error
	Close() error
}

// AsyncLog appends recognized symbols to a Writer on its own goroutine.
// Failures and no-hand outcomes are not logged. When the queue is full the
// record is dropped.
type AsyncLog struct {
	writer  Writer
	session func() string

	mu      sync.RWMutex
	closed  bool
	records chan Record
	wg      sync.WaitGroup

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAsyncLog starts the append goroutine. session, if not nil, stamps each
// record with the current session ID when the outcome arrives.
func NewAsyncLog(w Writer, queueSize int, session func() string) *AsyncLog {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	l := &AsyncLog{
		writer:  w,
		session: session,
		records: make(chan Record, queueSize),
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// HandleOutcome queues symbol outcomes. It never blocks.
func (l *AsyncLog) HandleOutcome(o pipeline.Outcome) {
	if o.Kind != pipeline.OutcomeSymbol {
		return
	}

	rec := Record{
		Timestamp:  o.Result.Timestamp,
		Symbol:     o.Result.Symbol,
		Confidence: o.Result.Confidence,
		LatencyMs:  o.Result.LatencyMs,
	}
	if l.session != nil {
		rec.SessionID = l.session()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return
	}

	select {
	case l.records <- rec:
	default:
		l.dropped.Add(1)
		log.Printf("Translation log queue full, dropping %q", rec.Symbol)
	}
}

func (l *AsyncLog) run() {
	defer l.wg.Done()

	for rec := range l.records {
		if err := l.writer.Append(rec); err != nil {
			l.failed.Add(1)
			log.Printf("Error appending translation: %v", err)
		}
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (l *AsyncLog) Dropped() uint64 {
	return l.dropped.Load()
}

// Failed returns how many appends returned an error.
func (l *AsyncLog) Failed() uint64 {
	return l.failed.Load()
}

// Close flushes queued records and closes the writer. It is safe to call
// more than once.
func (l *AsyncLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.records)
	l.mu.Unlock()

	l.wg.Wait()
	return l.writer.Close()
}

// MultiWriter appends each record to every writer and joins their errors.
type MultiWriter []Writer

// Append writes r to each writer, continuing past failures.
func (m MultiWriter) Append(r Record) error {
	var errs []error
	for _, w := range m {
		if err := w.Append(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer.
func (m MultiWriter) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
