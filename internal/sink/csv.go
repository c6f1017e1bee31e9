package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
)

// CSVTimeFormat is the timestamp layout of the CSV log.
const CSVTimeFormat = "2006-01-02 15:04:05"

// CSVHeader is the first row of every CSV log.
var CSVHeader = []string{"timestamp", "symbol", "confidence", "latency_ms"}

// CSVWriter appends records to a CSV file. Each append holds an advisory
// file lock so several processes can share one log.
type CSVWriter struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

// NewCSVWriter creates the file and its header if it does not exist.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	w := &CSVWriter{
		path: path,
		lock: flock.New(path + ".lock"),
	}

	if err := w.withFile(func(*csv.Writer) error { return nil }); err != nil {
		return nil, err
	}
	return w, nil
}

// Path returns the CSV file path.
func (w *CSVWriter) Path() string {
	return w.path
}

// Append writes one row.
func (w *CSVWriter) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	return w.withFile(func(cw *csv.Writer) error {
		return cw.Write([]string{
			r.Timestamp.Format(CSVTimeFormat),
			r.Symbol,
			strconv.FormatFloat(float64(r.Confidence), 'f', -1, 32),
			strconv.FormatInt(r.LatencyMs, 10),
		})
	})
}

// withFile opens the file under the lock, writes the header to an empty
// file, then runs fn.
func (w *CSVWriter) withFile(fn func(*csv.Writer) error) error {
	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", w.path, err)
	}
	defer w.lock.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", w.path, err)
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(CSVHeader); err != nil {
			return err
		}
	}
	if err := fn(cw); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Close marks the writer closed. Later appends fail.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
