package sink

import (
	"github.com/ayusman/fingerspell/internal/store"
)

// StoreWriter appends records to the SQLite translation log.
type StoreWriter struct {
	repo *store.TranslationRepository
}

// NewStoreWriter writes through s. The store is owned by the caller.
func NewStoreWriter(s *store.Store) *StoreWriter {
	return &StoreWriter{repo: s.Translations()}
}

// Append inserts one translation row.
func (w *StoreWriter) Append(r Record) error {
	return w.repo.Append(&store.Translation{
		SessionID:  r.SessionID,
		Symbol:     r.Symbol,
		Confidence: float64(r.Confidence),
		LatencyMs:  r.LatencyMs,
		CreatedAt:  r.Timestamp,
	})
}

// Close is a no-op; the store outlives the writer.
func (w *StoreWriter) Close() error {
	return nil
}
