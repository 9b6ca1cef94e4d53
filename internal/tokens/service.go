package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/models"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/repositories"
	"github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

// Refresh tiers, in order of urgency.
const (
	TierUrgent = "urgent"
	TierSoon   = "soon"
	TierFull   = "full"
)

const (
	urgentWindow = 10 * time.Minute
	soonWindow   = 20 * time.Minute
	urgentLimit  = 100
	soonLimit    = 200
	fullLimit    = 500

	metricsLogInterval = 5 * time.Minute
)

// Refresher performs the broker-side token renewal.
type Refresher interface {
	Refresh(ctx context.Context, cred *models.Credential) (accessToken, refreshToken string, expiresAt time.Time, err error)
}

// SchedulerStats are cumulative counters since startup.
type SchedulerStats struct {
	Cycles      int64 `json:"cycles"`
	Refreshed   int64 `json:"refreshed"`
	Failed      int64 `json:"failed"`
	Skipped     int64 `json:"skipped"`
	Invalidated int64 `json:"invalidated"`
}

// Scheduler refreshes broker tokens ahead of expiry in urgency tiers. The
// urgent tier runs every cycle, the soon tier on five-minute marks and the
// full sweep on thirty-minute marks. Per-credential locks and an in-flight
// set keep concurrent cycles from double-refreshing, and a post-lock
// re-check skips tokens another worker already renewed.
type Scheduler struct {
	creds     repositories.CredentialRepository
	accounts  repositories.AccountRepository
	refresher Refresher
	cfg       config.TokensConfig

	tokenLifetime    time.Duration
	refreshThreshold float64
	supportsRefresh  bool

	mu       sync.Mutex
	locks    map[string]chan struct{}
	inflight map[string]struct{}
	stats    SchedulerStats

	logger *logrus.Logger
}

// NewScheduler creates a token refresh scheduler.
func NewScheduler(
	creds repositories.CredentialRepository,
	accounts repositories.AccountRepository,
	refresher Refresher,
	cfg config.TokensConfig,
	tv config.TradovateConfig,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		creds:            creds,
		accounts:         accounts,
		refresher:        refresher,
		cfg:              cfg,
		tokenLifetime:    time.Duration(tv.TokenLifetime) * time.Second,
		refreshThreshold: tv.RefreshThreshold,
		supportsRefresh:  tv.SupportsRefreshToken,
		locks:            make(map[string]chan struct{}),
		inflight:         make(map[string]struct{}),
		logger:           logger,
	}
}

// Run executes refresh cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	logTicker := time.NewTicker(metricsLogInterval)
	defer logTicker.Stop()

	s.logger.WithFields(logrus.Fields{
		"component":     "token_scheduler",
		"interval":      s.cfg.Interval().String(),
		"refresh_token": s.supportsRefresh,
	}).Info("Token refresh scheduler started")

	// First cycle immediately so a restart does not leave a gap
	s.Cycle(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-logTicker.C:
			s.logStats()
		case now := <-ticker.C:
			s.Cycle(ctx, now)
		}
	}
}

// Cycle runs the tiers due at now.
func (s *Scheduler) Cycle(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.stats.Cycles++
	s.mu.Unlock()

	s.runTier(ctx, TierUrgent, now)
	if now.Minute()%5 == 0 {
		s.runTier(ctx, TierSoon, now)
	}
	if now.Minute()%30 == 0 {
		s.runTier(ctx, TierFull, now)
	}
}

// tierQuery returns the expiry window and row limit for a tier. The urgent
// tier reaches into the past so tokens that slipped through still get
// attempts until they are invalidated.
func (s *Scheduler) tierQuery(tier string, now time.Time) (from, until time.Time, limit int) {
	switch tier {
	case TierUrgent:
		return now.Add(-24 * time.Hour), now.Add(urgentWindow), urgentLimit
	case TierSoon:
		return now.Add(urgentWindow), now.Add(soonWindow), soonLimit
	default:
		refreshHorizon := time.Duration(float64(s.tokenLifetime) * s.refreshThreshold)
		return now.Add(-24 * time.Hour), now.Add(refreshHorizon), fullLimit
	}
}

func (s *Scheduler) runTier(ctx context.Context, tier string, now time.Time) {
	from, until, limit := s.tierQuery(tier, now)
	creds, err := s.creds.ListExpiring(ctx, from, until, limit)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"component": "token_scheduler",
			"tier":      tier,
		}).Error("Failed to list expiring credentials")
		return
	}
	if len(creds) == 0 {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"component": "token_scheduler",
		"tier":      tier,
		"count":     len(creds),
	}).Debug("Running refresh tier")

	sem := make(chan struct{}, s.cfg.BatchSize)
	var wg sync.WaitGroup
	for _, cred := range creds {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.RefreshCredential(ctx, id, tier)
		}(cred.ID)
	}
	wg.Wait()
}

// RefreshCredential refreshes one credential end to end: in-flight dedupe,
// timed lock, freshness re-check, renewal and failure accounting.
func (s *Scheduler) RefreshCredential(ctx context.Context, credentialID, tier string) error {
	if !s.markInflight(credentialID) {
		s.skip()
		return nil
	}
	defer s.clearInflight(credentialID)

	release, err := s.acquireLock(ctx, credentialID)
	if err != nil {
		s.skip()
		return err
	}
	defer release()

	// Re-read under the lock: another worker may have refreshed it while
	// this one waited
	cred, err := s.creds.GetByID(ctx, credentialID)
	if err != nil {
		return err
	}
	if !cred.IsValid {
		s.skip()
		return nil
	}
	freshFloor := float64(s.tokenLifetime/time.Second) * s.refreshThreshold
	if cred.SecondsUntilExpiry(time.Now()) > freshFloor {
		s.skip()
		return nil
	}

	start := time.Now()
	accessToken, refreshToken, expiresAt, err := s.refresher.Refresh(ctx, cred)
	metricRefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return s.handleFailure(ctx, cred, tier, err)
	}

	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	if err := s.creds.UpdateTokens(ctx, cred.ID, accessToken, refreshToken, expiresAt); err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.Refreshed++
	s.mu.Unlock()
	metricRefreshed.WithLabelValues(tier).Inc()

	s.logger.WithFields(logrus.Fields{
		"component":     "token_scheduler",
		"credential_id": cred.ID,
		"tier":          tier,
		"expires_at":    expiresAt.Format(time.RFC3339),
	}).Info("Token refreshed")
	return nil
}

func (s *Scheduler) handleFailure(ctx context.Context, cred *models.Credential, tier string, cause error) error {
	s.mu.Lock()
	s.stats.Failed++
	s.mu.Unlock()
	metricRefreshFailed.WithLabelValues(tier).Inc()

	if err := s.creds.RecordFailure(ctx, cred.ID, cause.Error()); err != nil {
		s.logger.WithError(err).WithField("component", "token_scheduler").
			Error("Failed to record refresh failure")
	}

	s.logger.WithError(cause).WithFields(logrus.Fields{
		"component":     "token_scheduler",
		"credential_id": cred.ID,
		"fail_count":    cred.RefreshFailCount + 1,
	}).Warn("Token refresh failed")

	if cred.RefreshFailCount+1 >= s.cfg.MaxRefreshAttempts {
		if err := s.creds.MarkInvalid(ctx, cred.ID, "max refresh attempts exceeded"); err != nil {
			return err
		}
		if err := s.accounts.UpdateStatusByCredential(ctx, cred.ID, models.AccountStatusTokenExpired); err != nil {
			return err
		}
		s.mu.Lock()
		s.stats.Invalidated++
		s.mu.Unlock()
		metricInvalidated.Inc()

		s.logger.WithFields(logrus.Fields{
			"component":     "token_scheduler",
			"credential_id": cred.ID,
		}).Error("Credential invalidated after repeated refresh failures")
	}

	return &errors.TokenRefreshError{CredentialID: cred.ID, Err: cause}
}

// markInflight reserves the credential; false when already being refreshed.
func (s *Scheduler) markInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) clearInflight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// acquireLock takes the per-credential lock, waiting at most the configured
// lock timeout.
func (s *Scheduler) acquireLock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[id] = lock
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.Lock())
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-timer.C:
		return nil, &errors.TokenRefreshError{
			CredentialID: id,
			Err:          errors.ErrLockTimeout,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) skip() {
	s.mu.Lock()
	s.stats.Skipped++
	s.mu.Unlock()
	metricRefreshSkipped.Inc()
}

// GetStats returns cumulative scheduler counters.
func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) logStats() {
	stats := s.GetStats()
	s.logger.WithFields(logrus.Fields{
		"component":   "token_scheduler",
		"cycles":      stats.Cycles,
		"refreshed":   stats.Refreshed,
		"failed":      stats.Failed,
		"skipped":     stats.Skipped,
		"invalidated": stats.Invalidated,
	}).Info("Token scheduler metrics")
}
