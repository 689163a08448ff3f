package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the OMS core.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Broker      BrokerConfig      `yaml:"broker"`
	Risk        RiskConfig        `yaml:"risk"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// ServerConfig holds network listener configuration.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BrokerConfig tunes the broker connector session. Durations are
// expressed in seconds.
type BrokerConfig struct {
	AccountID          string `yaml:"account_id"`
	URL                string `yaml:"url"` // websocket venue endpoint; empty selects the simulator
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
	HeartbeatSeconds   int    `yaml:"heartbeat_seconds"`
	BackoffBaseMillis  int    `yaml:"backoff_base_millis"`
	BackoffMaxSeconds  int    `yaml:"backoff_max_seconds"`
	BreakerThreshold   int    `yaml:"breaker_threshold"`
}

// CallTimeout returns the bound on a single broker round trip.
func (b BrokerConfig) CallTimeout() time.Duration {
	return time.Duration(b.CallTimeoutSeconds) * time.Second
}

// HeartbeatPeriod returns the liveness ping interval.
func (b BrokerConfig) HeartbeatPeriod() time.Duration {
	return time.Duration(b.HeartbeatSeconds) * time.Second
}

// BackoffBase returns the initial reconnect delay.
func (b BrokerConfig) BackoffBase() time.Duration {
	return time.Duration(b.BackoffBaseMillis) * time.Millisecond
}

// BackoffMax returns the reconnect delay ceiling.
func (b BrokerConfig) BackoffMax() time.Duration {
	return time.Duration(b.BackoffMaxSeconds) * time.Second
}

// RiskConfig defines the pre-trade gate limits.
type RiskConfig struct {
	SymbolWhitelist []string `yaml:"symbol_whitelist"`
	MinQuantity     float64  `yaml:"min_quantity"`
	MaxQuantity     float64  `yaml:"max_quantity"`
	MaxNotional     float64  `yaml:"max_notional"`
	OrdersPerMinute float64  `yaml:"orders_per_minute"`
	MaxOpenOrders   int      `yaml:"max_open_orders"`
	MaxPositionQty  float64  `yaml:"max_position_qty"`
	MaxDailyLoss    float64  `yaml:"max_daily_loss"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	PositionTolerance   float64 `yaml:"position_tolerance"`
	SoftDeadlineSeconds int     `yaml:"soft_deadline_seconds"`
}

// SoftDeadline returns the bound on a whole reconciliation pass.
func (r ReconcileConfig) SoftDeadline() time.Duration {
	return time.Duration(r.SoftDeadlineSeconds) * time.Second
}

// IdempotencyConfig tunes the idempotency ledger.
type IdempotencyConfig struct {
	TTLHours         int `yaml:"ttl_hours"`
	SweepEveryMinute int `yaml:"sweep_every_minutes"`
}

// TTL returns how long a fingerprint's stored response is replayed.
func (i IdempotencyConfig) TTL() time.Duration {
	return time.Duration(i.TTLHours) * time.Hour
}

// SweepInterval returns the expiry sweep period.
func (i IdempotencyConfig) SweepInterval() time.Duration {
	return time.Duration(i.SweepEveryMinute) * time.Minute
}

// Load reads the YAML configuration file at the given path, applies
// defaults for unset fields, and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "oms.db"
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "oms-secret-key"
	}
	if cfg.Broker.AccountID == "" {
		cfg.Broker.AccountID = "ACC-DEFAULT"
	}
	if cfg.Broker.CallTimeoutSeconds == 0 {
		cfg.Broker.CallTimeoutSeconds = 5
	}
	if cfg.Broker.HeartbeatSeconds == 0 {
		cfg.Broker.HeartbeatSeconds = 30
	}
	if cfg.Broker.BackoffBaseMillis == 0 {
		cfg.Broker.BackoffBaseMillis = 1000
	}
	if cfg.Broker.BackoffMaxSeconds == 0 {
		cfg.Broker.BackoffMaxSeconds = 60
	}
	if cfg.Broker.BreakerThreshold == 0 {
		cfg.Broker.BreakerThreshold = 5
	}
	if cfg.Risk.MinQuantity == 0 {
		cfg.Risk.MinQuantity = 1
	}
	if cfg.Risk.MaxQuantity == 0 {
		cfg.Risk.MaxQuantity = 100000
	}
	if cfg.Risk.MaxNotional == 0 {
		cfg.Risk.MaxNotional = 1000000
	}
	if cfg.Risk.OrdersPerMinute == 0 {
		cfg.Risk.OrdersPerMinute = 120
	}
	if cfg.Risk.MaxOpenOrders == 0 {
		cfg.Risk.MaxOpenOrders = 200
	}
	if cfg.Risk.MaxPositionQty == 0 {
		cfg.Risk.MaxPositionQty = 1000000
	}
	if cfg.Risk.MaxDailyLoss == 0 {
		cfg.Risk.MaxDailyLoss = 100000
	}
	if cfg.Reconcile.PositionTolerance == 0 {
		cfg.Reconcile.PositionTolerance = 0.0001
	}
	if cfg.Reconcile.SoftDeadlineSeconds == 0 {
		cfg.Reconcile.SoftDeadlineSeconds = 30
	}
	if cfg.Idempotency.TTLHours == 0 {
		cfg.Idempotency.TTLHours = 24
	}
	if cfg.Idempotency.SweepEveryMinute == 0 {
		cfg.Idempotency.SweepEveryMinute = 60
	}
}

// applyEnvOverrides checks well-known environment variables and
// overrides the corresponding configuration fields when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("OMS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OMS_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("OMS_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
}
