package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Security  SecurityConfig  `mapstructure:"security"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tradovate TradovateConfig `mapstructure:"tradovate"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	TokenExpiry int    `mapstructure:"token_expiry"` // minutes
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GatewayConfig controls the client-facing session layer.
type GatewayConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeat_interval"` // seconds
	RateLimit         int `mapstructure:"rate_limit"`         // messages per window
	RateWindow        int `mapstructure:"rate_window"`        // seconds
	ReadBufferSize    int `mapstructure:"read_buffer_size"`
	WriteBufferSize   int `mapstructure:"write_buffer_size"`
	MaxMessageSize    int `mapstructure:"max_message_size"`
}

// BrokerConfig controls the broker-facing WebSocket clients.
type BrokerConfig struct {
	HeartbeatInterval       int     `mapstructure:"heartbeat_interval"` // seconds
	ConnectionTimeout       int     `mapstructure:"connection_timeout"` // seconds
	ReconnectAttempts       int     `mapstructure:"reconnect_attempts"`
	ReconnectInterval       int     `mapstructure:"reconnect_interval"` // seconds
	CircuitBreakerThreshold int     `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerReset     int     `mapstructure:"circuit_breaker_reset"` // seconds
	MessageBatchSize        int     `mapstructure:"message_batch_size"`
	MessageBatchTimeout     float64 `mapstructure:"message_batch_timeout"` // seconds
}

type PoolConfig struct {
	MaxSize         int `mapstructure:"max_size"`
	CleanupInterval int `mapstructure:"cleanup_interval"` // seconds
	MonitorInterval int `mapstructure:"monitor_interval"` // seconds
	IdleTTL         int `mapstructure:"idle_ttl"`         // seconds
	HardTTL         int `mapstructure:"hard_ttl"`         // seconds
	MinUseCount     int `mapstructure:"min_use_count"`
}

type TokensConfig struct {
	RefreshInterval    int `mapstructure:"refresh_interval"`     // seconds between cycles
	LockTimeout        int `mapstructure:"lock_timeout"`         // seconds
	MaxRefreshAttempts int `mapstructure:"max_refresh_attempts"` // across cycles
	BatchSize          int `mapstructure:"batch_size"`
}

type SecurityConfig struct {
	EnableCORS     bool     `mapstructure:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TradovateConfig holds per-environment Tradovate endpoints and the token
// profile used by the refresh scheduler.
type TradovateConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`

	Live TradovateEnvironment `mapstructure:"live"`
	Demo TradovateEnvironment `mapstructure:"demo"`

	TokenLifetime        int     `mapstructure:"token_lifetime"`    // seconds
	RefreshThreshold     float64 `mapstructure:"refresh_threshold"` // fraction of lifetime
	SupportsRefreshToken bool    `mapstructure:"supports_refresh_token"`
}

type TradovateEnvironment struct {
	APIURL        string `mapstructure:"api_url"`
	WSURL         string `mapstructure:"ws_url"`
	AuthURL       string `mapstructure:"auth_url"`
	TokenURL      string `mapstructure:"token_url"`
	RenewTokenURL string `mapstructure:"renew_token_url"`
}

// Environment returns the endpoint set for "live" or "demo" (demo default).
func (c TradovateConfig) Environment(env string) TradovateEnvironment {
	if strings.EqualFold(env, "live") {
		return c.Live
	}
	return c.Demo
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine, defaults plus environment cover it
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 3201)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.mode", "release")

	// Database defaults
	viper.SetDefault("database.path", "./data/gateway.db")
	viper.SetDefault("database.migrations_path", "./migrations")
	viper.SetDefault("database.max_connections", 25)

	// Auth defaults
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.token_expiry", 1440)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	// Gateway defaults
	viper.SetDefault("gateway.heartbeat_interval", 15)
	viper.SetDefault("gateway.rate_limit", 60)
	viper.SetDefault("gateway.rate_window", 60)
	viper.SetDefault("gateway.read_buffer_size", 1024)
	viper.SetDefault("gateway.write_buffer_size", 1024)
	viper.SetDefault("gateway.max_message_size", 4096)

	// Broker client defaults
	viper.SetDefault("broker.heartbeat_interval", 15)
	viper.SetDefault("broker.connection_timeout", 10)
	viper.SetDefault("broker.reconnect_attempts", 5)
	viper.SetDefault("broker.reconnect_interval", 1)
	viper.SetDefault("broker.circuit_breaker_threshold", 5)
	viper.SetDefault("broker.circuit_breaker_reset", 60)
	viper.SetDefault("broker.message_batch_size", 100)
	viper.SetDefault("broker.message_batch_timeout", 1.0)

	// Pool defaults
	viper.SetDefault("pool.max_size", 100)
	viper.SetDefault("pool.cleanup_interval", 300)
	viper.SetDefault("pool.monitor_interval", 60)
	viper.SetDefault("pool.idle_ttl", 300)
	viper.SetDefault("pool.hard_ttl", 600)
	viper.SetDefault("pool.min_use_count", 5)

	// Token refresh defaults
	viper.SetDefault("tokens.refresh_interval", 120)
	viper.SetDefault("tokens.lock_timeout", 30)
	viper.SetDefault("tokens.max_refresh_attempts", 3)
	viper.SetDefault("tokens.batch_size", 50)

	// Security defaults
	viper.SetDefault("security.enable_cors", true)
	viper.SetDefault("security.allowed_origins", []string{"*"})

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Tradovate defaults
	viper.SetDefault("tradovate.client_id", "")
	viper.SetDefault("tradovate.client_secret", "")
	viper.SetDefault("tradovate.redirect_uri", "")
	viper.SetDefault("tradovate.live.api_url", "https://live.tradovateapi.com/v1")
	viper.SetDefault("tradovate.live.ws_url", "wss://live.tradovateapi.com/v1/websocket")
	viper.SetDefault("tradovate.live.auth_url", "https://trader.tradovate.com/oauth")
	viper.SetDefault("tradovate.live.token_url", "https://live.tradovateapi.com/auth/oauthtoken")
	viper.SetDefault("tradovate.live.renew_token_url", "https://live.tradovateapi.com/v1/auth/renewAccessToken")
	viper.SetDefault("tradovate.demo.api_url", "https://demo.tradovateapi.com/v1")
	viper.SetDefault("tradovate.demo.ws_url", "wss://demo.tradovateapi.com/v1/websocket")
	viper.SetDefault("tradovate.demo.auth_url", "https://trader.tradovate.com/oauth")
	viper.SetDefault("tradovate.demo.token_url", "https://demo.tradovateapi.com/auth/oauthtoken")
	viper.SetDefault("tradovate.demo.renew_token_url", "https://demo.tradovateapi.com/v1/auth/renewAccessToken")
	viper.SetDefault("tradovate.token_lifetime", 4800)
	viper.SetDefault("tradovate.refresh_threshold", 0.5625)
	viper.SetDefault("tradovate.supports_refresh_token", false)
}

// Durations derived from the integer/second fields. Kept as methods so call
// sites stay readable.

func (c GatewayConfig) Heartbeat() time.Duration { return time.Duration(c.HeartbeatInterval) * time.Second }
func (c BrokerConfig) Heartbeat() time.Duration  { return time.Duration(c.HeartbeatInterval) * time.Second }
func (c BrokerConfig) ConnTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}
func (c BrokerConfig) BreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerReset) * time.Second
}
func (c PoolConfig) Cleanup() time.Duration { return time.Duration(c.CleanupInterval) * time.Second }
func (c PoolConfig) Monitor() time.Duration { return time.Duration(c.MonitorInterval) * time.Second }
func (c PoolConfig) Idle() time.Duration    { return time.Duration(c.IdleTTL) * time.Second }
func (c PoolConfig) Hard() time.Duration    { return time.Duration(c.HardTTL) * time.Second }
func (c TokensConfig) Interval() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}
func (c TokensConfig) Lock() time.Duration { return time.Duration(c.LockTimeout) * time.Second }
