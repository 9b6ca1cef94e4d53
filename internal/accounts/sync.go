package accounts

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/broker/tradovate"
	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/models"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/repositories"
)

const syncBatchLimit = 1000

// Syncer reconciles locally stored broker accounts against the broker's
// account list. Accounts the broker no longer reports, or reports as
// archived, are marked inactive.
type Syncer struct {
	creds    repositories.CredentialRepository
	accounts repositories.AccountRepository
	rest     map[string]*tradovate.RESTClient
	logger   *logrus.Logger
}

// NewSyncer creates an account syncer.
func NewSyncer(
	creds repositories.CredentialRepository,
	accounts repositories.AccountRepository,
	cfg config.TradovateConfig,
	logger *logrus.Logger,
) *Syncer {
	return &Syncer{
		creds:    creds,
		accounts: accounts,
		rest: map[string]*tradovate.RESTClient{
			"live": tradovate.NewRESTClient(cfg, "live", logger),
			"demo": tradovate.NewRESTClient(cfg, "demo", logger),
		},
		logger: logger,
	}
}

// SyncAll refreshes the account list for every valid credential. Failures are
// logged per credential so one bad token does not block the sweep.
func (s *Syncer) SyncAll(ctx context.Context) {
	creds, err := s.creds.ListValid(ctx, syncBatchLimit)
	if err != nil {
		s.logger.WithError(err).Error("Account sync: failed to list credentials")
		return
	}

	synced := 0
	for _, cred := range creds {
		if err := s.syncCredential(ctx, cred); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"credential_id": cred.ID,
				"environment":   cred.Environment,
			}).Warn("Account sync failed for credential")
			continue
		}
		synced++
	}

	s.logger.WithFields(logrus.Fields{
		"credentials": len(creds),
		"synced":      synced,
	}).Debug("Account sync sweep complete")
}

func (s *Syncer) syncCredential(ctx context.Context, cred *models.Credential) error {
	rest, ok := s.rest[cred.Environment]
	if !ok {
		rest = s.rest["demo"]
	}

	remote, err := rest.ListAccounts(ctx, cred.AccessToken)
	if err != nil {
		return err
	}

	active := make(map[string]bool, len(remote))
	for _, acct := range remote {
		id := strconv.FormatInt(acct.ID, 10)
		status := models.AccountStatusActive
		if acct.Archived || !acct.Active {
			status = models.AccountStatusInactive
		} else {
			active[id] = true
		}
		err := s.accounts.Upsert(ctx, &models.Account{
			CredentialID:    cred.ID,
			UserID:          cred.UserID,
			BrokerAccountID: id,
			Name:            acct.Name,
			Status:          status,
			Environment:     cred.Environment,
		})
		if err != nil {
			return err
		}
	}

	// Accounts we hold that the broker no longer reports.
	local, err := s.accounts.ListByCredential(ctx, cred.ID)
	if err != nil {
		return err
	}
	for _, acct := range local {
		if acct.Status == models.AccountStatusActive && !active[acct.BrokerAccountID] {
			acct.Status = models.AccountStatusInactive
			if err := s.accounts.Upsert(ctx, acct); err != nil {
				return err
			}
		}
	}
	return nil
}
