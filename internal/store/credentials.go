package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNoCredential is returned when no OAuth credential is stored for an account
var ErrNoCredential = errors.New("no credential stored")

// GetCredential retrieves the stored OAuth credential for an account
func (db *DB) GetCredential(ctx context.Context, account string) (*Credential, error) {
	row := db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at
		FROM credentials
		WHERE account = ?
	`, account)

	var c Credential
	var expiresAt int64
	err := row.Scan(&c.AccessToken, &c.RefreshToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}

	c.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &c, nil
}

// SaveCredential replaces the whole credential triple for an account
func (db *DB) SaveCredential(ctx context.Context, account string, c *Credential) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (account, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, account, c.AccessToken, c.RefreshToken, c.ExpiresAt.Unix())
	return err
}
