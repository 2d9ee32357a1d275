package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Auction        AuctionConfig        `yaml:"auction"`
	Realtime       RealtimeConfig       `yaml:"realtime"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	DBName      string `yaml:"dbname"`
	SSLMode     string `yaml:"sslmode"`
	Driver      string `yaml:"driver"` // "postgres" or "memory"
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects it.
func (d DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// TelemetryConfig holds OpenTelemetry settings. An empty OTLPEndpoint
// disables export.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Override forces PlayerID to be presented when exactly PoolSize players
// remain available.
type Override struct {
	PoolSize int   `yaml:"pool_size"`
	PlayerID int64 `yaml:"player_id"`
}

// AuctionConfig holds the auction rules and rotation settings.
type AuctionConfig struct {
	InitialBudget     int64         `yaml:"initial_budget"`
	MaxSquadSize      int           `yaml:"max_squad_size"`
	MinSlotReserve    int64         `yaml:"min_slot_reserve"`
	QuotaCity         string        `yaml:"quota_city"`
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	Overrides         []Override    `yaml:"overrides"`
	ReservedPlayerIDs []int64       `yaml:"reserved_player_ids"`
}

// RealtimeConfig holds synchronization layer timings.
type RealtimeConfig struct {
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	RefreshRetry    time.Duration `yaml:"refresh_retry"`
	RecycleDebounce time.Duration `yaml:"recycle_debounce"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RateLimitConfig bounds mutating requests per caller.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-reconciler",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Auction: AuctionConfig{
			InitialBudget:    900000,
			MaxSquadSize:     12,
			MinSlotReserve:   500,
			QuotaCity:        "Pune",
			OperationTimeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			RefreshRetry:    2 * time.Second,
			RecycleDebounce: 750 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
	}
}

// Load reads a YAML configuration file from the given path. Secrets set in
// the environment take precedence over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if v := os.Getenv("AUCTION_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("AUCTION_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}

	a := c.Auction
	if a.InitialBudget <= 0 {
		return errors.New("auction.initial_budget must be positive")
	}
	if a.MaxSquadSize < 1 {
		return errors.New("auction.max_squad_size must be at least 1")
	}
	if a.MinSlotReserve < 0 {
		return errors.New("auction.min_slot_reserve must not be negative")
	}
	if a.OperationTimeout <= 0 {
		return errors.New("auction.operation_timeout must be positive")
	}
	seen := make(map[int]struct{}, len(a.Overrides))
	for _, o := range a.Overrides {
		if o.PoolSize < 1 || o.PlayerID < 1 {
			return fmt.Errorf("auction override %+v: pool_size and player_id must be positive", o)
		}
		if _, dup := seen[o.PoolSize]; dup {
			return fmt.Errorf("auction override: duplicate pool_size %d", o.PoolSize)
		}
		seen[o.PoolSize] = struct{}{}
	}

	r := c.Realtime
	if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
		return errors.New("realtime backoff: need 0 < initial_backoff <= max_backoff")
	}
	if r.RefreshRetry <= 0 {
		return errors.New("realtime.refresh_retry must be positive")
	}
	if r.RecycleDebounce <= 0 {
		return errors.New("realtime.recycle_debounce must be positive")
	}
	if c.RateLimit.RequestsPerMinute < 1 || c.RateLimit.Burst < 1 {
		return errors.New("rate_limit: requests_per_minute and burst must be positive")
	}
	return nil
}
