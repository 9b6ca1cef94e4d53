package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/tradeforge-ops/broker-gateway-go/internal/database/models"
)

func TestAccountRepository_UpsertAndStatus(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	creds := NewCredentialRepository(db)
	accounts := NewAccountRepository(db)
	ctx := context.Background()

	cred := newTestCredential("user-acct", time.Hour)
	if err := creds.Create(ctx, cred); err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}

	acct := &models.Account{
		CredentialID:    cred.ID,
		UserID:          "user-acct",
		BrokerAccountID: "12345",
		Name:            "Demo Account",
		Environment:     "demo",
	}
	if err := accounts.Upsert(ctx, acct); err != nil {
		t.Fatalf("Failed to upsert account: %v", err)
	}

	// Upsert with the same broker account ID updates in place
	acct2 := &models.Account{
		CredentialID:    cred.ID,
		UserID:          "user-acct",
		BrokerAccountID: "12345",
		Name:            "Renamed Account",
		Environment:     "demo",
	}
	if err := accounts.Upsert(ctx, acct2); err != nil {
		t.Fatalf("Failed to upsert duplicate account: %v", err)
	}

	active, err := accounts.GetActiveByUser(ctx, "user-acct")
	if err != nil {
		t.Fatalf("Failed to get active accounts: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Expected 1 account after upsert, got %d", len(active))
	}
	if active[0].Name != "Renamed Account" {
		t.Errorf("Expected upsert to update name, got %s", active[0].Name)
	}

	if err := accounts.UpdateStatusByCredential(ctx, cred.ID, models.AccountStatusTokenExpired); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}

	active, err = accounts.GetActiveByUser(ctx, "user-acct")
	if err != nil {
		t.Fatalf("Failed to get active accounts: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Expected no active accounts after token_expired, got %d", len(active))
	}

	linked, err := accounts.ListByCredential(ctx, cred.ID)
	if err != nil {
		t.Fatalf("Failed to list accounts: %v", err)
	}
	if len(linked) != 1 || linked[0].Status != models.AccountStatusTokenExpired {
		t.Errorf("Expected account status token_expired, got %+v", linked)
	}
}
