package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Session is one run of the recognition pipeline.
type Session struct {
	ID        string     `json:"id"`
	Facing    string     `json:"facing"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Active reports whether the session has not been finished.
func (s *Session) Active() bool {
	return s.StoppedAt == nil
}

// SessionRepository records pipeline runs.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create opens a new session for a camera facing ("front" or "back").
func (r *SessionRepository) Create(facing string) (*Session, error) {
	sess := &Session{
		ID:        uuid.New().String(),
		Facing:    facing,
		StartedAt: time.Now(),
	}

	_, err := r.db.Exec(
		`INSERT INTO sessions (id, facing, started_at) VALUES (?, ?, ?)`,
		sess.ID, sess.Facing, sess.StartedAt,
	)
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// Finish stamps the session's stop time. Finishing twice keeps the first stamp.
func (r *SessionRepository) Finish(id string) error {
	result, err := r.db.Exec(
		`UPDATE sessions SET stopped_at = COALESCE(stopped_at, ?) WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(id string) (*Session, error) {
	row := r.db.QueryRow(
		`SELECT id, facing, started_at, stopped_at FROM sessions WHERE id = ?`,
		id,
	)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// List returns up to limit sessions, newest first.
func (r *SessionRepository) List(limit int) ([]*Session, error) {
	rows, err := r.db.Query(
		`SELECT id, facing, started_at, stopped_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var stopped sql.NullTime

	if err := row.Scan(&sess.ID, &sess.Facing, &sess.StartedAt, &stopped); err != nil {
		return nil, err
	}
	if stopped.Valid {
		t := stopped.Time
		sess.StoppedAt = &t
	}
	return sess, nil
}
