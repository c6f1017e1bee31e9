package store

import (
	"database/sql"
	"time"
)

// Translation is one recognized symbol in the log.
type Translation struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Confidence float64   `json:"confidence"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// TranslationRepository is the append-only translation log.
type TranslationRepository struct {
	db *sql.DB
}

// Translations returns the translation repository for this store.
func (s *Store) Translations() *TranslationRepository {
	return &TranslationRepository{db: s.db}
}

// Append inserts t and sets its ID. A zero CreatedAt is stamped with the
// current time; an empty SessionID is stored as NULL.
func (r *TranslationRepository) Append(t *Translation) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	var session sql.NullString
	if t.SessionID != "" {
		session = sql.NullString{String: t.SessionID, Valid: true}
	}

	result, err := r.db.Exec(
		`INSERT INTO translations (session_id, symbol, confidence, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session, t.Symbol, t.Confidence, t.LatencyMs, t.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id

	return nil
}

// Latest returns up to limit translations, newest first.
func (r *TranslationRepository) Latest(limit int) ([]*Translation, error) {
	return r.query(
		`SELECT id, session_id, symbol, confidence, latency_ms, created_at
		 FROM translations ORDER BY id DESC LIMIT ?`,
		limit,
	)
}

// BySession returns the translations of one session in the order they were logged.
func (r *TranslationRepository) BySession(sessionID string) ([]*Translation, error) {
	return r.query(
		`SELECT id, session_id, symbol, confidence, latency_ms, created_at
		 FROM translations WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
}

// CountBySession returns how many symbols a session logged.
func (r *TranslationRepository) CountBySession(sessionID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM translations WHERE session_id = ?`,
		sessionID,
	).Scan(&n)
	return n, err
}

func (r *TranslationRepository) query(q string, args ...any) ([]*Translation, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Translation
	for rows.Next() {
		t := &Translation{}
		var session sql.NullString
		if err := rows.Scan(&t.ID, &session, &t.Symbol, &t.Confidence, &t.LatencyMs, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SessionID = session.String
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
