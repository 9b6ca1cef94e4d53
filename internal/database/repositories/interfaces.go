package repositories

import (
	"context"
	"time"

	"github.com/tradeforge-ops/broker-gateway-go/internal/database/models"
)

// CredentialRepository defines broker credential data access methods
type CredentialRepository interface {
	Create(ctx context.Context, cred *models.Credential) error
	GetByID(ctx context.Context, id string) (*models.Credential, error)
	GetByUserEnv(ctx context.Context, userID, environment string) (*models.Credential, error)
	// ListExpiring returns valid credentials whose expiry falls inside
	// [from, until), oldest expiry first, capped at limit.
	ListExpiring(ctx context.Context, from, until time.Time, limit int) ([]*models.Credential, error)
	ListValid(ctx context.Context, limit int) ([]*models.Credential, error)
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	RecordFailure(ctx context.Context, id string, reason string) error
	MarkInvalid(ctx context.Context, id string, reason string) error
	Delete(ctx context.Context, id string) error
}

// AccountRepository defines broker account data access methods
type AccountRepository interface {
	Upsert(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetActiveByUser(ctx context.Context, userID string) ([]*models.Account, error)
	ListByCredential(ctx context.Context, credentialID string) ([]*models.Account, error)
	UpdateStatusByCredential(ctx context.Context, credentialID, status string) error
}
