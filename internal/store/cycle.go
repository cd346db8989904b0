package store

import (
	"database/sql"
	"time"

	"github.com/ayusman/framelens/internal/overlay"
)

// Cycle is the journal record of one published overlay state.
type Cycle struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	FrameID       int64     `json:"frame_id"`
	Generation    int64     `json:"generation"`
	Kind          string    `json:"kind"`
	LatencyMs     float64   `json:"latency_ms"`
	Shapes        int       `json:"shapes"`
	TopLabel      string    `json:"top_label"`
	TopConfidence float64   `json:"top_confidence"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// CycleFromState summarizes an overlay state. The top label is the first
// shape, which is the engine's primary prediction.
func CycleFromState(sessionID string, st overlay.State) Cycle {
	c := Cycle{
		SessionID:  sessionID,
		FrameID:    int64(st.FrameID),
		Generation: int64(st.Generation),
		Kind:       st.Kind.String(),
		LatencyMs:  st.LatencyMs,
		Shapes:     len(st.Shapes),
		RecordedAt: st.UpdatedAt,
	}
	if len(st.Shapes) > 0 {
		c.TopLabel = st.Shapes[0].Label
		c.TopConfidence = st.Shapes[0].Confidence
	}
	if c.RecordedAt.IsZero() {
		c.RecordedAt = time.Now()
	}
	return c
}

// CycleRepository provides access to cycles.
type CycleRepository struct {
	db *sql.DB
}

// Cycles returns the cycle repository for this store.
func (s *Store) Cycles() *CycleRepository {
	return &CycleRepository{db: s.db}
}

// Create inserts a cycle and sets its ID.
func (r *CycleRepository) Create(c *Cycle) error {
	result, err := r.db.Exec(
		`INSERT INTO cycles (session_id, frame_id, generation, kind, latency_ms, shapes, top_label, top_confidence, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.FrameID, c.Generation, c.Kind, c.LatencyMs, c.Shapes, c.TopLabel, c.TopConfidence, c.RecordedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

// ListBySession returns the most recent cycles of a session, newest first.
// A non-positive limit returns every cycle.
func (r *CycleRepository) ListBySession(sessionID string, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(
		`SELECT id, session_id, frame_id, generation, kind, latency_ms, shapes, top_label, top_confidence, recorded_at
		 FROM cycles WHERE session_id = ? ORDER BY generation DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var c Cycle
		if err := rows.Scan(&c.ID, &c.SessionID, &c.FrameID, &c.Generation, &c.Kind,
			&c.LatencyMs, &c.Shapes, &c.TopLabel, &c.TopConfidence, &c.RecordedAt); err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cycles, nil
}

// CountBySession returns the number of cycles recorded for a session.
func (r *CycleRepository) CountBySession(sessionID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM cycles WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
