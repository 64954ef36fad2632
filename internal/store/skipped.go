package store

import (
	"context"
	"database/sql"
	"errors"
)

// MarkSkipped records that an activity could not be read even on its retry
func (db *DB) MarkSkipped(ctx context.Context, athleteID, activityID int64, reason string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO skipped_activities (athlete_id, activity_id, reason, skipped_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(athlete_id, activity_id) DO UPDATE SET
			reason = excluded.reason,
			skipped_at = CURRENT_TIMESTAMP
	`, athleteID, activityID, reason)
	return err
}

// IsSkipped reports whether MarkSkipped recorded the activity
func (db *DB) IsSkipped(ctx context.Context, athleteID, activityID int64) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `
		SELECT 1 FROM skipped_activities WHERE athlete_id = ? AND activity_id = ?
	`, athleteID, activityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ClearSkipped forgets a skipped activity
func (db *DB) ClearSkipped(ctx context.Context, athleteID, activityID int64) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM skipped_activities WHERE athlete_id = ? AND activity_id = ?
	`, athleteID, activityID)
	return err
}

// ResetSkipped forgets every skipped activity of an athlete
func (db *DB) ResetSkipped(ctx context.Context, athleteID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM skipped_activities WHERE athlete_id = ?`, athleteID)
	return err
}
