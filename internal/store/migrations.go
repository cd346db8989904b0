package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Sessions table - one row per pipeline run
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			variant TEXT NOT NULL CHECK(variant IN ('classifier', 'detector')),
			cooldown_ms INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			admitted INTEGER NOT NULL DEFAULT 0,
			dropped INTEGER NOT NULL DEFAULT 0
		)`,

		// Cycles table - one row per published overlay state
		`CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			frame_id INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			kind TEXT NOT NULL,
			latency_ms REAL NOT NULL,
			shapes INTEGER NOT NULL DEFAULT 0,
			top_label TEXT NOT NULL DEFAULT '',
			top_confidence REAL NOT NULL DEFAULT 0,
			recorded_at DATETIME NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_cycles_session_id ON cycles(session_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
