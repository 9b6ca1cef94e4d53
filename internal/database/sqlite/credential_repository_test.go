package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tradeforge-ops/broker-gateway-go/internal/database/models"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE broker_credentials (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			broker TEXT NOT NULL DEFAULT 'tradovate',
			environment TEXT NOT NULL DEFAULT 'demo',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at DATETIME,
			is_valid BOOLEAN NOT NULL DEFAULT 1,
			refresh_fail_count INTEGER NOT NULL DEFAULT 0,
			last_refresh_attempt DATETIME,
			last_refresh_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, broker, environment)
		);
		CREATE TABLE broker_accounts (
			id TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL REFERENCES broker_credentials(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			broker_account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			environment TEXT NOT NULL DEFAULT 'demo',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(credential_id, broker_account_id)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}

	return db
}

func newTestCredential(userID string, expiresIn time.Duration) *models.Credential {
	return &models.Credential{
		UserID:      userID,
		Broker:      "tradovate",
		Environment: "demo",
		AccessToken: "tok-" + userID,
		IsValid:     true,
		ExpiresAt:   sql.NullTime{Time: time.Now().UTC().Add(expiresIn), Valid: true},
	}
}

func TestCredentialRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred := newTestCredential("user-1", time.Hour)
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}
	if cred.ID == "" {
		t.Fatal("Expected generated credential ID")
	}

	got, err := repo.GetByUserEnv(ctx, "user-1", "demo")
	if err != nil {
		t.Fatalf("Failed to get credential: %v", err)
	}
	if got.AccessToken != "tok-user-1" {
		t.Errorf("Expected access token tok-user-1, got %s", got.AccessToken)
	}
	if !got.IsValid {
		t.Error("Expected credential to be valid")
	}
}

func TestCredentialRepository_ListExpiring(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewCredentialRepository(db)
	ctx := context.Background()

	// One urgent, one soon, one far out, one invalid
	urgent := newTestCredential("user-urgent", 5*time.Minute)
	soon := newTestCredential("user-soon", 15*time.Minute)
	far := newTestCredential("user-far", 2*time.Hour)
	invalid := newTestCredential("user-invalid", 2*time.Minute)
	invalid.IsValid = false

	for _, c := range []*models.Credential{urgent, soon, far, invalid} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Failed to create credential: %v", err)
		}
	}

	now := time.Now().UTC()
	got, err := repo.ListExpiring(ctx, now.Add(-time.Hour), now.Add(10*time.Minute), 100)
	if err != nil {
		t.Fatalf("Failed to list expiring credentials: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 urgent credential, got %d", len(got))
	}
	if got[0].UserID != "user-urgent" {
		t.Errorf("Expected user-urgent, got %s", got[0].UserID)
	}

	got, err = repo.ListExpiring(ctx, now.Add(10*time.Minute), now.Add(20*time.Minute), 100)
	if err != nil {
		t.Fatalf("Failed to list soon credentials: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "user-soon" {
		t.Fatalf("Expected only user-soon in 10-20 minute window, got %d rows", len(got))
	}
}

func TestCredentialRepository_UpdateTokensClearsFailures(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred := newTestCredential("user-2", time.Minute)
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}

	if err := repo.RecordFailure(ctx, cred.ID, "network timeout"); err != nil {
		t.Fatalf("Failed to record failure: %v", err)
	}
	if err := repo.RecordFailure(ctx, cred.ID, "network timeout"); err != nil {
		t.Fatalf("Failed to record failure: %v", err)
	}

	got, _ := repo.GetByID(ctx, cred.ID)
	if got.RefreshFailCount != 2 {
		t.Fatalf("Expected fail count 2, got %d", got.RefreshFailCount)
	}

	newExpiry := time.Now().UTC().Add(80 * time.Minute)
	if err := repo.UpdateTokens(ctx, cred.ID, "new-access", "new-refresh", newExpiry); err != nil {
		t.Fatalf("Failed to update tokens: %v", err)
	}

	got, _ = repo.GetByID(ctx, cred.ID)
	if got.AccessToken != "new-access" {
		t.Errorf("Expected new-access, got %s", got.AccessToken)
	}
	if got.RefreshFailCount != 0 {
		t.Errorf("Expected fail count reset to 0, got %d", got.RefreshFailCount)
	}
	if got.LastRefreshError.Valid {
		t.Error("Expected last refresh error cleared")
	}
}

func TestCredentialRepository_MarkInvalid(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred := newTestCredential("user-3", time.Minute)
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}

	if err := repo.MarkInvalid(ctx, cred.ID, "max refresh attempts exceeded"); err != nil {
		t.Fatalf("Failed to mark invalid: %v", err)
	}

	got, _ := repo.GetByID(ctx, cred.ID)
	if got.IsValid {
		t.Error("Expected credential invalid")
	}

	now := time.Now().UTC()
	expiring, err := repo.ListExpiring(ctx, now.Add(-time.Hour), now.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("Failed to list expiring: %v", err)
	}
	if len(expiring) != 0 {
		t.Errorf("Invalid credentials must not appear in expiring list, got %d", len(expiring))
	}
}
