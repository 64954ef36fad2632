package store

import "time"

// Credential represents the OAuth token triple for one account
type Credential struct {
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// Expired reports whether the access token can no longer be used at now
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Account is the sync checkpoint of one configured input
type Account struct {
	Name        string `db:"name"`
	AthleteID   int64  `db:"athlete_id"`
	DisplayName string `db:"display_name"`
	SyncCursor  int64  `db:"sync_cursor"`  // unix seconds
	ReindexFrom *int64 `db:"reindex_from"` // nullable, pending manual reindex
	Halted      bool   `db:"halted"`
	HaltReason  string `db:"halt_reason"`
}

// PendingUpdate is one queued activity id
type PendingUpdate struct {
	Seq        int64     `db:"seq"`
	AthleteID  int64     `db:"athlete_id"`
	ActivityID int64     `db:"activity_id"`
	Source     string    `db:"source"` // "webhook" or "retry"
	ReceivedAt time.Time `db:"received_at"`
}

// Pending update sources
const (
	SourceWebhook = "webhook"
	SourceRetry   = "retry"
)

// Athlete is the profile saved from /athlete
type Athlete struct {
	ID        int64    `db:"id"`
	Firstname string   `db:"firstname"`
	Lastname  string   `db:"lastname"`
	Weight    *float64 `db:"weight"` // nullable, kg
	FTP       *int     `db:"ftp"`    // nullable, watts
}

// FullName returns "firstname lastname"
func (a *Athlete) FullName() string {
	switch {
	case a.Firstname == "":
		return a.Lastname
	case a.Lastname == "":
		return a.Firstname
	}
	return a.Firstname + " " + a.Lastname
}
