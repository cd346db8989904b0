package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Session is one pipeline run.
type Session struct {
	ID         string     `json:"id"`
	Variant    string     `json:"variant"`
	CooldownMs int64      `json:"cooldown_ms"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Admitted   int64      `json:"admitted"`
	Dropped    int64      `json:"dropped"`
}

// SessionRepository provides access to sessions.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create inserts a new session. An empty ID is replaced with a fresh UUID and
// a zero StartedAt with the current time.
func (r *SessionRepository) Create(sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}

	_, err := r.db.Exec(
		`INSERT INTO sessions (id, variant, cooldown_ms, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Variant, sess.CooldownMs, sess.StartedAt,
	)
	return err
}

// Finish records the end of a session with its final admission counts.
func (r *SessionRepository) Finish(id string, endedAt time.Time, admitted, dropped int64) error {
	result, err := r.db.Exec(
		`UPDATE sessions SET ended_at = ?, admitted = ?, dropped = ? WHERE id = ?`,
		endedAt, admitted, dropped, id,
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
		`SELECT id, variant, cooldown_ms, started_at, ended_at, admitted, dropped
		 FROM sessions WHERE id = ?`,
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

// List returns all sessions, newest first.
func (r *SessionRepository) List() ([]*Session, error) {
	rows, err := r.db.Query(
		`SELECT id, variant, cooldown_ms, started_at, ended_at, admitted, dropped
		 FROM sessions ORDER BY started_at DESC`,
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

func scanSession(sc scanner) (*Session, error) {
	sess := &Session{}
	var ended sql.NullTime

	err := sc.Scan(&sess.ID, &sess.Variant, &sess.CooldownMs, &sess.StartedAt, &ended, &sess.Admitted, &sess.Dropped)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	return sess, nil
}
