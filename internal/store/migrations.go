package store

import "database/sql"

// migrate runs all database migrations
func migrate(db *sql.DB) error {
	migrations := []string{
		// OAuth credentials, one row per configured account
		`CREATE TABLE IF NOT EXISTS credentials (
			account TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		// Sync checkpoint per configured account
		`CREATE TABLE IF NOT EXISTS accounts (
			name TEXT PRIMARY KEY,
			athlete_id INTEGER NOT NULL DEFAULT 0,
			display_name TEXT NOT NULL DEFAULT '',
			sync_cursor INTEGER NOT NULL DEFAULT 0,
			reindex_from INTEGER,
			halted INTEGER NOT NULL DEFAULT 0,
			halt_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_accounts_athlete ON accounts(athlete_id)`,

		// Activities announced through the webhook (or retried after a skip),
		// drained in seq order by the poller
		`CREATE TABLE IF NOT EXISTS pending_updates (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			athlete_id INTEGER NOT NULL,
			activity_id INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT 'webhook',
			received_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_pending_updates_athlete ON pending_updates(athlete_id, seq)`,

		// Activities that failed again on their retry; pagination passes over
		// them until a successful drain or a reindex clears them
		`CREATE TABLE IF NOT EXISTS skipped_activities (
			athlete_id INTEGER NOT NULL,
			activity_id INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			skipped_at TEXT DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (athlete_id, activity_id)
		)`,

		// Athlete profile from /athlete
		`CREATE TABLE IF NOT EXISTS athletes (
			id INTEGER PRIMARY KEY,
			firstname TEXT NOT NULL DEFAULT '',
			lastname TEXT NOT NULL DEFAULT '',
			weight REAL,
			ftp INTEGER,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		// Sync State (key-value store for run bookkeeping)
		`CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}

	return nil
}
