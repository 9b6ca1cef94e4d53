package api

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/api/middleware"
	"github.com/tradeforge-ops/broker-gateway-go/internal/broker/tradovate"
	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/models"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/repositories"
	"github.com/tradeforge-ops/broker-gateway-go/internal/gateway"
	"github.com/tradeforge-ops/broker-gateway-go/internal/pool"
	"github.com/tradeforge-ops/broker-gateway-go/internal/tokens"
)

// Handlers bundles the HTTP endpoints' dependencies.
type Handlers struct {
	cfg       *config.Config
	creds     repositories.CredentialRepository
	accounts  repositories.AccountRepository
	hub       *gateway.Hub
	pool      *pool.Pool
	scheduler *tokens.Scheduler
	rest      map[string]*tradovate.RESTClient
	logger    *logrus.Logger
	startedAt time.Time
}

// NewHandlers creates the endpoint set.
func NewHandlers(
	cfg *config.Config,
	creds repositories.CredentialRepository,
	accounts repositories.AccountRepository,
	hub *gateway.Hub,
	p *pool.Pool,
	scheduler *tokens.Scheduler,
	logger *logrus.Logger,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		creds:     creds,
		accounts:  accounts,
		hub:       hub,
		pool:      p,
		scheduler: scheduler,
		rest: map[string]*tradovate.RESTClient{
			"live": tradovate.NewRESTClient(cfg.Tradovate, "live", logger),
			"demo": tradovate.NewRESTClient(cfg.Tradovate, "demo", logger),
		},
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Health reports service liveness with component snapshots.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns operational detail for dashboards.
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions":  h.hub.SessionCount(),
		"brokers":   h.hub.BrokerStatuses(),
		"pool":      h.pool.GetStats(),
		"scheduler": h.scheduler.GetStats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AuthURL returns the broker OAuth consent URL.
func (h *Handlers) AuthURL(c *gin.Context) {
	environment := c.DefaultQuery("environment", "demo")
	rest, ok := h.rest[environment]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown environment"})
		return
	}
	state := uuid.New().String()
	c.JSON(http.StatusOK, gin.H{
		"url":   rest.AuthCodeURL(state),
		"state": state,
	})
}

type exchangeRequest struct {
	Code        string `json:"code" binding:"required"`
	UserID      string `json:"user_id"`
	Environment string `json:"environment"`
}

// ExchangeCode completes the OAuth flow: trades the code for tokens, stores
// the credential, discovers accounts and mints a session JWT.
func (h *Handlers) ExchangeCode(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	if req.Environment == "" {
		req.Environment = "demo"
	}
	rest, ok := h.rest[req.Environment]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown environment"})
		return
	}

	ctx := c.Request.Context()
	token, err := rest.ExchangeCode(ctx, req.Code)
	if err != nil {
		h.logger.WithError(err).Warn("OAuth code exchange failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "code exchange failed"})
		return
	}

	brokerAccounts, err := rest.ListAccounts(ctx, token.AccessToken)
	if err != nil {
		h.logger.WithError(err).Warn("Account discovery failed after exchange")
		c.JSON(http.StatusBadGateway, gin.H{"error": "account discovery failed"})
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.New().String()
	}

	cred, err := h.creds.GetByUserEnv(ctx, userID, req.Environment)
	if err != nil {
		cred = &models.Credential{
			UserID:      userID,
			Broker:      "tradovate",
			Environment: req.Environment,
			AccessToken: token.AccessToken,
			IsValid:     true,
			ExpiresAt:   sql.NullTime{Time: token.Expiry, Valid: !token.Expiry.IsZero()},
		}
		if token.RefreshToken != "" {
			cred.RefreshToken = token.RefreshToken
		}
		if err := h.creds.Create(ctx, cred); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credential"})
			return
		}
	} else {
		if err := h.creds.UpdateTokens(ctx, cred.ID, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credential"})
			return
		}
	}

	stored := make([]gin.H, 0, len(brokerAccounts))
	for _, acct := range brokerAccounts {
		if acct.Archived {
			continue
		}
		account := &models.Account{
			CredentialID:    cred.ID,
			UserID:          userID,
			BrokerAccountID: formatAccountID(acct.ID),
			Name:            acct.Name,
			Status:          models.AccountStatusActive,
			Environment:     req.Environment,
		}
		if err := h.accounts.Upsert(ctx, account); err != nil {
			h.logger.WithError(err).Warn("Failed to store broker account")
			continue
		}
		stored = append(stored, gin.H{"id": account.BrokerAccountID, "name": acct.Name})
	}

	sessionToken, err := middleware.IssueToken(
		h.cfg.Auth.JWTSecret, userID,
		time.Duration(h.cfg.Auth.TokenExpiry)*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue session token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":    sessionToken,
		"user_id":  userID,
		"accounts": stored,
	})
}

// ListAccounts returns the caller's active accounts.
func (h *Handlers) ListAccounts(c *gin.Context) {
	userID := c.GetString("user_id")
	accounts, err := h.accounts.GetActiveByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// ListPositions returns the caller's open broker positions, resolving known
// contract IDs to symbols.
func (h *Handlers) ListPositions(c *gin.Context) {
	userID := c.GetString("user_id")
	environment := c.DefaultQuery("environment", "demo")

	cred, err := h.creds.GetByUserEnv(c.Request.Context(), userID, environment)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}

	rest, ok := h.rest[environment]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown environment"})
		return
	}

	positions, err := rest.ListPositions(c.Request.Context(), cred.AccessToken)
	if err != nil {
		h.logger.WithError(err).Warn("Position list failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "position list failed"})
		return
	}

	out := make([]gin.H, 0, len(positions))
	for _, pos := range positions {
		entry := gin.H{
			"account_id":    strconv.FormatInt(pos.AccountID, 10),
			"net_position":  pos.NetPos,
			"average_price": pos.NetPrice,
		}
		if symbol, ok := tradovate.KnownContracts[strconv.FormatInt(pos.Contract, 10)]; ok {
			entry["symbol"] = symbol
		} else {
			entry["contract_id"] = pos.Contract
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

// RefreshCredential triggers an immediate refresh of the caller's credential.
func (h *Handlers) RefreshCredential(c *gin.Context) {
	userID := c.GetString("user_id")
	environment := c.DefaultQuery("environment", "demo")

	cred, err := h.creds.GetByUserEnv(c.Request.Context(), userID, environment)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}

	if err := h.scheduler.RefreshCredential(c.Request.Context(), cred.ID, tokens.TierUrgent); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": true})
}

// WebSocket upgrades a consumer session.
func (h *Handlers) WebSocket(c *gin.Context) {
	gateway.HandleWebSocket(h.hub, c)
}

func formatAccountID(id int64) string {
	return strconv.FormatInt(id, 10)
}
