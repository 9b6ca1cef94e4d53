package models

import (
	"database/sql"
	"time"
)

// Account statuses.
const (
	AccountStatusActive       = "active"
	AccountStatusInactive     = "inactive"
	AccountStatusTokenExpired = "token_expired"
)

// Credential holds a user's broker OAuth token set for one environment.
type Credential struct {
	ID                 string         `db:"id"`
	UserID             string         `db:"user_id"`
	Broker             string         `db:"broker"`
	Environment        string         `db:"environment"`
	AccessToken        string         `db:"access_token"`
	RefreshToken       string         `db:"refresh_token"`
	ExpiresAt          sql.NullTime   `db:"expires_at"`
	IsValid            bool           `db:"is_valid"`
	RefreshFailCount   int            `db:"refresh_fail_count"`
	LastRefreshAttempt sql.NullTime   `db:"last_refresh_attempt"`
	LastRefreshError   sql.NullString `db:"last_refresh_error"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// SecondsUntilExpiry returns the remaining token lifetime in seconds, negative
// when already expired. A credential without an expiry reports zero.
func (c *Credential) SecondsUntilExpiry(now time.Time) float64 {
	if !c.ExpiresAt.Valid {
		return 0
	}
	return c.ExpiresAt.Time.Sub(now).Seconds()
}

// Account is a broker trading account linked to a credential.
type Account struct {
	ID              string    `db:"id"`
	CredentialID    string    `db:"credential_id"`
	UserID          string    `db:"user_id"`
	BrokerAccountID string    `db:"broker_account_id"`
	Name            string    `db:"name"`
	Status          string    `db:"status"`
	Environment     string    `db:"environment"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
