package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradeforge-ops/broker-gateway-go/internal/database/models"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/repositories"
)

// CredentialRepository implements repositories.CredentialRepository
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(db *sqlx.DB) repositories.CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create inserts a new credential, generating an ID when missing.
func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO broker_credentials
			(id, user_id, broker, environment, access_token, refresh_token,
			 expires_at, is_valid, refresh_fail_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		cred.ID, cred.UserID, cred.Broker, cred.Environment,
		cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.IsValid, now, now)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	cred.CreatedAt = now
	cred.UpdatedAt = now
	return nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	cred := &models.Credential{}
	err := r.db.GetContext(ctx, cred,
		`SELECT * FROM broker_credentials WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credential not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// GetByUserEnv retrieves a user's credential for the given environment.
func (r *CredentialRepository) GetByUserEnv(ctx context.Context, userID, environment string) (*models.Credential, error) {
	cred := &models.Credential{}
	err := r.db.GetContext(ctx, cred,
		`SELECT * FROM broker_credentials WHERE user_id = ? AND environment = ?`,
		userID, environment)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credential not found for user %s (%s)", userID, environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// ListExpiring returns valid credentials expiring within [from, until),
// oldest expiry first.
func (r *CredentialRepository) ListExpiring(ctx context.Context, from, until time.Time, limit int) ([]*models.Credential, error) {
	creds := []*models.Credential{}
	err := r.db.SelectContext(ctx, &creds, `
		SELECT * FROM broker_credentials
		WHERE is_valid = 1 AND expires_at IS NOT NULL
		  AND expires_at >= ? AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, from, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}
	return creds, nil
}

// ListValid returns valid credentials, oldest first.
func (r *CredentialRepository) ListValid(ctx context.Context, limit int) ([]*models.Credential, error) {
	creds := []*models.Credential{}
	err := r.db.SelectContext(ctx, &creds, `
		SELECT * FROM broker_credentials
		WHERE is_valid = 1
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list valid credentials: %w", err)
	}
	return creds, nil
}

// UpdateTokens stores a fresh token pair and clears any failure state.
func (r *CredentialRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE broker_credentials
		SET access_token = ?, refresh_token = ?, expires_at = ?,
		    is_valid = 1, refresh_fail_count = 0, last_refresh_error = NULL,
		    last_refresh_attempt = ?, updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, expiresAt.UTC(), time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("credential not found: %s", id)
	}
	return nil
}

// RecordFailure increments the refresh failure counter and stores the reason.
func (r *CredentialRepository) RecordFailure(ctx context.Context, id string, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broker_credentials
		SET refresh_fail_count = refresh_fail_count + 1,
		    last_refresh_error = ?, last_refresh_attempt = ?, updated_at = ?
		WHERE id = ?
	`, reason, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record refresh failure: %w", err)
	}
	return nil
}

// MarkInvalid flags the credential as permanently unusable.
func (r *CredentialRepository) MarkInvalid(ctx context.Context, id string, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broker_credentials
		SET is_valid = 0, last_refresh_error = ?, updated_at = ?
		WHERE id = ?
	`, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}
	return nil
}

// Delete removes a credential and its accounts via cascade.
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM broker_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
