package store

import (
	"context"
	"database/sql"
	"errors"
)

// ErrAccountNotFound is returned when no checkpoint exists for an account
var ErrAccountNotFound = errors.New("account not found")

// GetAccount retrieves the sync checkpoint for an account
func (db *DB) GetAccount(ctx context.Context, name string) (*Account, error) {
	row := db.QueryRowContext(ctx, `
		SELECT name, athlete_id, display_name, sync_cursor, reindex_from, halted, halt_reason
		FROM accounts
		WHERE name = ?
	`, name)

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

// ListAccounts returns all checkpoints ordered by name
func (db *DB) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, athlete_id, display_name, sync_cursor, reindex_from, halted, halt_reason
		FROM accounts
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// CreateAccount inserts a checkpoint. An existing row is left untouched, so
// concurrent writers never see their changes rolled back.
func (db *DB) CreateAccount(ctx context.Context, a *Account) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (
			name, athlete_id, display_name, sync_cursor, reindex_from, halted, halt_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, a.Name, a.AthleteID, a.DisplayName, a.SyncCursor, toNullInt64(a.ReindexFrom), boolToInt(a.Halted), a.HaltReason)
	return err
}

// AdvanceCursor moves the cursor forward to cursor. It never moves it back;
// only ApplyReindex does that.
func (db *DB) AdvanceCursor(ctx context.Context, name string, cursor int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_cursor = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND sync_cursor < ?
	`, cursor, name, cursor)
	return err
}

// ApplyReindex resets the cursor to a pending reindex request of from and
// clears it. It reports false when the request changed in the meantime, in
// which case nothing is written.
func (db *DB) ApplyReindex(ctx context.Context, name string, from int64) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_cursor = reindex_from, reindex_from = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND reindex_from = ?
	`, name, from)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// SetProfile records the athlete behind an account
func (db *DB) SetProfile(ctx context.Context, name string, athleteID int64, displayName string) error {
	return db.updateAccount(ctx, `
		UPDATE accounts
		SET athlete_id = ?, display_name = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?
	`, athleteID, displayName, name)
}

// SetHalted stops automatic runs for an account until ClearHalt
func (db *DB) SetHalted(ctx context.Context, name, reason string) error {
	return db.updateAccount(ctx, `
		UPDATE accounts
		SET halted = 1, halt_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?
	`, reason, name)
}

// ClearHalt resumes automatic runs for an account
func (db *DB) ClearHalt(ctx context.Context, name string) error {
	return db.updateAccount(ctx, `
		UPDATE accounts
		SET halted = 0, halt_reason = '', updated_at = CURRENT_TIMESTAMP
		WHERE name = ?
	`, name)
}

// RequestReindex records a manual reindex request picked up by the next run
func (db *DB) RequestReindex(ctx context.Context, name string, from int64) error {
	return db.updateAccount(ctx, `
		UPDATE accounts
		SET reindex_from = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?
	`, from, name)
}

// updateAccount runs a single-row update and maps a missing row to ErrAccountNotFound
func (db *DB) updateAccount(ctx context.Context, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var reindex sql.NullInt64
	var halted int
	if err := row.Scan(&a.Name, &a.AthleteID, &a.DisplayName, &a.SyncCursor, &reindex, &halted, &a.HaltReason); err != nil {
		return nil, err
	}
	if reindex.Valid {
		v := reindex.Int64
		a.ReindexFrom = &v
	}
	a.Halted = halted != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
