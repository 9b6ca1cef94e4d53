package tradovate

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

const (
	renewAttempts     = 3
	renewBaseBackoff  = time.Second
	restClientTimeout = 15 * time.Second
)

// RESTClient talks to the Tradovate HTTP API for token exchange, token
// renewal and account discovery.
type RESTClient struct {
	cfg    config.TradovateConfig
	env    config.TradovateEnvironment
	http   *http.Client
	oauth  *oauth2.Config
	logger *logrus.Logger
}

// NewRESTClient creates a client for the given environment ("live" or "demo").
func NewRESTClient(cfg config.TradovateConfig, environment string, logger *logrus.Logger) *RESTClient {
	env := cfg.Environment(environment)
	return &RESTClient{
		cfg:  cfg,
		env:  env,
		http: &http.Client{Timeout: restClientTimeout},
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  env.AuthURL,
				TokenURL: env.TokenURL,
			},
		},
		logger: logger,
	}
}

// AuthCodeURL returns the OAuth consent URL for the given state.
func (c *RESTClient) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode trades an OAuth authorization code for a token pair.
func (c *RESTClient) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, &errors.AuthenticationError{Broker: "tradovate", Reason: fmt.Sprintf("code exchange failed: %v", err)}
	}
	return token, nil
}

type renewResponse struct {
	AccessToken    string `json:"accessToken"`
	ExpirationTime string `json:"expirationTime"`
}

// RenewAccessToken exchanges a still-valid access token for a fresh one via
// the renewAccessToken endpoint. Transient failures retry with exponential
// backoff up to three attempts.
func (c *RESTClient) RenewAccessToken(ctx context.Context, accessToken string) (string, time.Time, error) {
	var lastErr error

	for attempt := 0; attempt < renewAttempts; attempt++ {
		if attempt > 0 {
			backoff := renewBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", time.Time{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		token, expiresAt, err := c.renewOnce(ctx, accessToken)
		if err == nil {
			return token, expiresAt, nil
		}
		lastErr = err

		if c.logger != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"component": "tradovate_rest",
				"attempt":   attempt + 1,
			}).Warn("Token renewal attempt failed")
		}

		// Auth rejections will not succeed on retry
		var authErr *errors.AuthenticationError
		if stderrors.As(err, &authErr) {
			break
		}
	}
	return "", time.Time{}, lastErr
}

func (c *RESTClient) renewOnce(ctx context.Context, accessToken string) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.env.RenewTokenURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, &errors.ConnectionError{URL: c.env.RenewTokenURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", time.Time{}, &errors.AuthenticationError{
			Broker: "tradovate",
			Reason: fmt.Sprintf("renewal rejected with status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token renewal returned status %d: %s", resp.StatusCode, string(body))
	}

	var renewal renewResponse
	if err := json.Unmarshal(body, &renewal); err != nil {
		return "", time.Time{}, fmt.Errorf("invalid renewal response: %w", err)
	}
	if renewal.AccessToken == "" || renewal.ExpirationTime == "" {
		return "", time.Time{}, fmt.Errorf("renewal response missing accessToken or expirationTime")
	}

	expiresAt, err := time.Parse(time.RFC3339, renewal.ExpirationTime)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid expirationTime %q: %w", renewal.ExpirationTime, err)
	}

	return renewal.AccessToken, expiresAt, nil
}

// BrokerAccount is one trading account as returned by /account/list.
type BrokerAccount struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
	Active   bool   `json:"active"`
}

// ListAccounts fetches the accounts visible to the token. A successful call
// also serves as token verification.
func (c *RESTClient) ListAccounts(ctx context.Context, accessToken string) ([]BrokerAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.env.APIURL+"/account/list", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errors.ConnectionError{URL: c.env.APIURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &errors.AuthenticationError{Broker: "tradovate", Reason: "access token rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("account list returned status %d", resp.StatusCode)
	}

	var accounts []BrokerAccount
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return nil, fmt.Errorf("invalid account list response: %w", err)
	}
	return accounts, nil
}

// BrokerPosition is one open position as returned by /position/list.
type BrokerPosition struct {
	ID        int64   `json:"id"`
	AccountID int64   `json:"accountId"`
	Contract  int64   `json:"contractId"`
	NetPos    float64 `json:"netPos"`
	NetPrice  float64 `json:"netPrice"`
}

// ListPositions fetches open positions for initial state before the event
// stream takes over.
func (c *RESTClient) ListPositions(ctx context.Context, accessToken string) ([]BrokerPosition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.env.APIURL+"/position/list", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errors.ConnectionError{URL: c.env.APIURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &errors.AuthenticationError{Broker: "tradovate", Reason: "access token rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("position list returned status %d", resp.StatusCode)
	}

	var positions []BrokerPosition
	if err := json.NewDecoder(resp.Body).Decode(&positions); err != nil {
		return nil, fmt.Errorf("invalid position list response: %w", err)
	}
	return positions, nil
}
