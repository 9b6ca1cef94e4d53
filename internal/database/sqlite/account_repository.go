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

// AccountRepository implements repositories.AccountRepository
type AccountRepository struct {
	db *sqlx.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *sqlx.DB) repositories.AccountRepository {
	return &AccountRepository{db: db}
}

// Upsert inserts or refreshes an account keyed by (credential, broker account).
func (r *AccountRepository) Upsert(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.Status == "" {
		account.Status = models.AccountStatusActive
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO broker_accounts
			(id, credential_id, user_id, broker_account_id, name, status, environment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_id, broker_account_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, account.ID, account.CredentialID, account.UserID, account.BrokerAccountID,
		account.Name, account.Status, account.Environment, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	account := &models.Account{}
	err := r.db.GetContext(ctx, account,
		`SELECT * FROM broker_accounts WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// GetActiveByUser returns the user's accounts in active status.
func (r *AccountRepository) GetActiveByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	accounts := []*models.Account{}
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM broker_accounts
		WHERE user_id = ? AND status = ?
		ORDER BY created_at ASC
	`, userID, models.AccountStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	return accounts, nil
}

// ListByCredential returns all accounts linked to a credential.
func (r *AccountRepository) ListByCredential(ctx context.Context, credentialID string) ([]*models.Account, error) {
	accounts := []*models.Account{}
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM broker_accounts
		WHERE credential_id = ?
		ORDER BY created_at ASC
	`, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateStatusByCredential moves every account under a credential to status.
func (r *AccountRepository) UpdateStatusByCredential(ctx context.Context, credentialID, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broker_accounts
		SET status = ?, updated_at = ?
		WHERE credential_id = ?
	`, status, time.Now().UTC(), credentialID)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	return nil
}
