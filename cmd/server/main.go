package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tradeforge-ops/broker-gateway-go/internal/accounts"
	"github.com/tradeforge-ops/broker-gateway-go/internal/api"
	"github.com/tradeforge-ops/broker-gateway-go/internal/broker"
	"github.com/tradeforge-ops/broker-gateway-go/internal/broker/tradovate"
	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/sqlite"
	"github.com/tradeforge-ops/broker-gateway-go/internal/gateway"
	"github.com/tradeforge-ops/broker-gateway-go/internal/pool"
	"github.com/tradeforge-ops/broker-gateway-go/internal/tokens"
	"github.com/tradeforge-ops/broker-gateway-go/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Logging.Level)

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	// Create repositories
	credRepo := sqlite.NewCredentialRepository(db)
	accountRepo := sqlite.NewAccountRepository(db)

	// Broker connection pool. Each pooled connection is a broker client
	// bound to one credential, authenticated with whatever access token is
	// current at dial time.
	factory := func(ctx context.Context, key string) (pool.Connection, error) {
		userID, environment, err := splitPoolKey(key)
		if err != nil {
			return nil, err
		}

		cred, err := credRepo.GetByUserEnv(ctx, userID, environment)
		if err != nil {
			return nil, fmt.Errorf("no credential for %s: %w", key, err)
		}

		accountID := ""
		if accts, err := accountRepo.ListByCredential(ctx, cred.ID); err == nil && len(accts) > 0 {
			accountID = accts[0].BrokerAccountID
		}

		adapter := tradovate.New(cfg.Tradovate.Environment(environment).WSURL, accountID)
		source := func(ctx context.Context) (string, error) {
			current, err := credRepo.GetByID(ctx, cred.ID)
			if err != nil {
				return "", err
			}
			if !current.IsValid {
				return "", fmt.Errorf("credential %s is no longer valid", cred.ID)
			}
			return current.AccessToken, nil
		}

		return broker.NewClient(adapter, source, cfg.Broker, log), nil
	}

	connPool := pool.New(factory, cfg.Pool, log)
	connPool.Start()

	// Session hub
	hub := gateway.NewHub(connPool, accountRepo, cfg.Gateway, log)
	go hub.Run()

	// Token refresh scheduler
	refresher := tradovate.NewTokenRefresher(cfg.Tradovate, log)
	scheduler := tokens.NewScheduler(credRepo, accountRepo, refresher, cfg.Tokens, cfg.Tradovate, log)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	go scheduler.Run(schedulerCtx)

	// Periodic account reconciliation against the broker
	syncer := accounts.NewSyncer(credRepo, accountRepo, cfg.Tradovate, log)
	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 15m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		syncer.SyncAll(ctx)
	}); err != nil {
		log.Fatal("Failed to schedule account sync:", err)
	}
	jobs.Start()

	// Initialize router
	handlers := api.NewHandlers(cfg, credRepo, accountRepo, hub, connPool, scheduler, log)
	router := api.NewRouter(cfg, handlers, log)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		log.Infof("Starting broker gateway on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobsCtx := jobs.Stop()
	stopScheduler()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP server forced to shutdown")
	}

	hub.Stop()
	connPool.Close()

	// Let any in-flight sync job finish inside the shutdown window.
	select {
	case <-jobsCtx.Done():
	case <-ctx.Done():
	}

	log.Info("Server exited")
}

func splitPoolKey(key string) (userID, environment string, err error) {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("malformed pool key %q", key)
	}
	return key[:idx], key[idx+1:], nil
}
