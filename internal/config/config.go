package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Worker    WorkerConfig
	Queue     QueueConfig
	Scanner   ScannerConfig
	RateLimit RateLimitConfig
	TradeNet  TradeNetConfig
	Bots      BotsConfig
	Ledger    LedgerConfig
	Redis     RedisConfig
	Alerts    AlertsConfig
	Sync      SyncConfig
	Cache     CacheConfig
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string          `envconfig:"APP_NAME" default:"escrow-engine"`
	Environment string          `envconfig:"APP_ENV" default:"development"`
	Debug       bool            `envconfig:"APP_DEBUG" default:"false"`
	Version     string          `envconfig:"APP_VERSION" default:"1.0.0"`
	FeeRate     decimal.Decimal `envconfig:"FEE_RATE" default:"0.05"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	APIKeys         []string      `envconfig:"API_KEYS"`
}

// WorkerConfig tunes the job processor.
type WorkerConfig struct {
	// ID identifies this process in claim columns. Empty means a random id.
	ID           string        `envconfig:"WORKER_ID" default:""`
	Concurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"1"`
	PollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"500ms"`
	LeaseTTL     time.Duration `envconfig:"WORKER_LEASE_TTL" default:"2m"`
	ClaimTTL     time.Duration `envconfig:"WORKER_CLAIM_TTL" default:"2m"`
	MaxAttempts  int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"5"`
	RetryInitial time.Duration `envconfig:"WORKER_RETRY_INITIAL" default:"2s"`
	RetryMax     time.Duration `envconfig:"WORKER_RETRY_MAX" default:"2m"`
	DeferDelay   time.Duration `envconfig:"WORKER_DEFER_DELAY" default:"5s"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend string `envconfig:"QUEUE_BACKEND" default:"redis"` // redis or memory
	Prefix  string `envconfig:"QUEUE_PREFIX" default:"escrow:queue"`
}

// ScannerConfig tunes the reconciliation scanner.
type ScannerConfig struct {
	Interval      time.Duration `envconfig:"SCANNER_INTERVAL" default:"30s"`
	DepositWindow time.Duration `envconfig:"SCANNER_DEPOSIT_WINDOW" default:"24h"`
	StaleAfter    time.Duration `envconfig:"SCANNER_STALE_AFTER" default:"1m"`
	ExpireAfter   time.Duration `envconfig:"SCANNER_EXPIRE_AFTER" default:"30m"`
	BatchSize     int           `envconfig:"SCANNER_BATCH_SIZE" default:"200"`
}

// RateLimitConfig throttles every trading network call.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"1"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"1"`
}

// TradeNetConfig configures the trading network adapter.
type TradeNetConfig struct {
	BaseURL           string        `envconfig:"TRADENET_BASE_URL" default:""`
	APIKey            string        `envconfig:"TRADENET_API_KEY" default:""`
	Timeout           time.Duration `envconfig:"TRADENET_TIMEOUT" default:"30s"`
	Paper             bool          `envconfig:"TRADENET_PAPER" default:"false"`
	SuperviseInterval time.Duration `envconfig:"TRADENET_SUPERVISE_INTERVAL" default:"30s"`
}

// BotsConfig points at the sealed bot credentials.
type BotsConfig struct {
	File       string `envconfig:"BOTS_FILE" default:"./bots.json"`
	Passphrase string `envconfig:"BOTS_PASSPHRASE" default:""`
}

// LedgerConfig selects and addresses the ledger database.
type LedgerConfig struct {
	Driver string `envconfig:"LEDGER_DRIVER" default:"sqlite"` // sqlite, mysql or postgres
	Path   string `envconfig:"LEDGER_PATH" default:"./data/escrow.db"`

	Host     string `envconfig:"LEDGER_DB_HOST" default:"localhost"`
	Port     int    `envconfig:"LEDGER_DB_PORT" default:"0"`
	Name     string `envconfig:"LEDGER_DB_NAME" default:"escrow"`
	User     string `envconfig:"LEDGER_DB_USER" default:"escrow"`
	Password string `envconfig:"LEDGER_DB_PASS" default:""`
	SSLMode  string `envconfig:"LEDGER_DB_SSLMODE" default:"disable"`
}

// RedisConfig holds the shared Redis connection.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Prefix   string `envconfig:"REDIS_NOTIFY_PREFIX" default:"escrow"`
}

// AlertsConfig configures the optional alert archive.
type AlertsConfig struct {
	MongoURI        string `envconfig:"MONGODB_URI" default:""`
	MongoDatabase   string `envconfig:"MONGODB_DATABASE" default:"escrow"`
	MongoCollection string `envconfig:"MONGODB_COLLECTION" default:"alerts"`
	MemorySize      int    `envconfig:"ALERTS_MEMORY_SIZE" default:"500"`
}

// SyncConfig schedules recurring inventory syncs.
type SyncConfig struct {
	AppIDs   []int         `envconfig:"SYNC_APP_IDS" default:"730"`
	Interval time.Duration `envconfig:"SYNC_INTERVAL" default:"10m"`
}

// CacheConfig holds inventory cache settings.
type CacheConfig struct {
	Type string        `envconfig:"CACHE_TYPE" default:"memory"` // memory or redis
	TTL  time.Duration `envconfig:"CACHE_TTL" default:"5m"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Address returns the Redis address in host:port format.
func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MySQLDSN returns the MySQL data source name. clientFoundRows makes an
// UPDATE that changes nothing still report its matched row.
func (l *LedgerConfig) MySQLDSN() string {
	port := l.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&clientFoundRows=true",
		l.User, l.Password, l.Host, port, l.Name)
}

// PostgresDSN returns the PostgreSQL connection string.
func (l *LedgerConfig) PostgresDSN() string {
	port := l.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		l.User, l.Password, l.Host, port, l.Name, l.SSLMode)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q", c.Ledger.Driver)
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	switch c.Cache.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q", c.Cache.Type)
	}
	if !c.TradeNet.Paper && strings.TrimSpace(c.TradeNet.BaseURL) == "" {
		return fmt.Errorf("TRADENET_BASE_URL is required unless TRADENET_PAPER is set")
	}
	if c.FeeRate().IsNegative() || c.FeeRate().GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("FEE_RATE must be in [0, 1), got %s", c.FeeRate())
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	return nil
}

// FeeRate returns the platform fee taken from each sale.
func (c *Config) FeeRate() decimal.Decimal {
	return c.App.FeeRate
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
