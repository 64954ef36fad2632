package store

import (
	"database/sql"
)

// OpenInMemory creates a migrated DB backed by an in-memory SQLite database.
// This is only intended for use in tests.
func OpenInMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	return New(sqlDB)
}
