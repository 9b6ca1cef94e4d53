package tradovate

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/models"
)

// TokenRefresher renews credentials against the right environment's API.
// Tradovate renewal trades the current access token for a fresh one, so the
// stored refresh token passes through unchanged.
type TokenRefresher struct {
	clients map[string]*RESTClient
}

// NewTokenRefresher creates a refresher with live and demo REST clients.
func NewTokenRefresher(cfg config.TradovateConfig, logger *logrus.Logger) *TokenRefresher {
	return &TokenRefresher{
		clients: map[string]*RESTClient{
			"live": NewRESTClient(cfg, "live", logger),
			"demo": NewRESTClient(cfg, "demo", logger),
		},
	}
}

// Refresh implements the scheduler's Refresher contract.
func (r *TokenRefresher) Refresh(ctx context.Context, cred *models.Credential) (string, string, time.Time, error) {
	client, ok := r.clients[cred.Environment]
	if !ok {
		return "", "", time.Time{}, fmt.Errorf("unknown environment %q", cred.Environment)
	}
	accessToken, expiresAt, err := client.RenewAccessToken(ctx, cred.AccessToken)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return accessToken, cred.RefreshToken, expiresAt, nil
}
