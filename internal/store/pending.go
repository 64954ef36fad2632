package store

import (
	"context"
	"time"
)

// AppendPending queues an activity id for an athlete. It is a single INSERT,
// so concurrent webhook deliveries never lose each other's updates.
func (db *DB) AppendPending(ctx context.Context, athleteID, activityID int64, source string) error {
	if source == "" {
		source = SourceWebhook
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO pending_updates (athlete_id, activity_id, source)
		VALUES (?, ?, ?)
	`, athleteID, activityID, source)
	return err
}

// ListPending returns the queued updates for an athlete in insertion order
func (db *DB) ListPending(ctx context.Context, athleteID int64) ([]PendingUpdate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, athlete_id, activity_id, source, received_at
		FROM pending_updates
		WHERE athlete_id = ?
		ORDER BY seq
	`, athleteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []PendingUpdate
	for rows.Next() {
		var p PendingUpdate
		var received string
		if err := rows.Scan(&p.Seq, &p.AthleteID, &p.ActivityID, &p.Source, &received); err != nil {
			return nil, err
		}
		p.ReceivedAt, _ = time.Parse(time.DateTime, received)
		updates = append(updates, p)
	}
	return updates, rows.Err()
}

// RemovePending deletes every queued entry of activityID for the athlete up to
// and including throughSeq. Entries appended after the drain snapshot survive.
func (db *DB) RemovePending(ctx context.Context, athleteID, activityID, throughSeq int64) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM pending_updates
		WHERE athlete_id = ? AND activity_id = ? AND seq <= ?
	`, athleteID, activityID, throughSeq)
	return err
}

// CountPending returns the queue depth for an athlete
func (db *DB) CountPending(ctx context.Context, athleteID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_updates WHERE athlete_id = ?
	`, athleteID).Scan(&count)
	return count, err
}
