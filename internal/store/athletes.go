package store

import (
	"context"
	"database/sql"
	"errors"
)

// ErrAthleteNotFound is returned when no profile has been saved for an athlete
var ErrAthleteNotFound = errors.New("athlete not found")

// SaveAthlete inserts or updates an athlete profile
func (db *DB) SaveAthlete(ctx context.Context, a *Athlete) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO athletes (id, firstname, lastname, weight, ftp, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			firstname = excluded.firstname,
			lastname = excluded.lastname,
			weight = excluded.weight,
			ftp = excluded.ftp,
			updated_at = CURRENT_TIMESTAMP
	`, a.ID, a.Firstname, a.Lastname, a.Weight, a.FTP)
	return err
}

// GetAthlete retrieves a saved athlete profile
func (db *DB) GetAthlete(ctx context.Context, id int64) (*Athlete, error) {
	var a Athlete
	var weight sql.NullFloat64
	var ftp sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT id, firstname, lastname, weight, ftp FROM athletes WHERE id = ?
	`, id).Scan(&a.ID, &a.Firstname, &a.Lastname, &weight, &ftp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAthleteNotFound
	}
	if err != nil {
		return nil, err
	}
	if weight.Valid {
		a.Weight = &weight.Float64
	}
	if ftp.Valid {
		v := int(ftp.Int64)
		a.FTP = &v
	}
	return &a, nil
}
