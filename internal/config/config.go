// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	JWTSecret      string        `yaml:"jwt_secret"`
	// per-client payment initiations per minute
	CreatePaymentRate int `yaml:"create_payment_rate"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type NATSConfig struct {
	URL                 string `yaml:"url"`
	BillingSubject      string `yaml:"billing_subject"`
	NotificationSubject string `yaml:"notification_subject"`
}

type TelegramConfig struct {
	Token          string  `yaml:"token"`
	SupportChatIDs []int64 `yaml:"support_chat_ids"`
}

type MarketplaceConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	GigTTL  time.Duration `yaml:"gig_ttl"`
}

type PaymentConfig struct {
	SecretKey          string          `yaml:"secret_key"`
	BaseURL            string          `yaml:"base_url"`
	Currency           string          `yaml:"currency"`
	CallbackURL        string          `yaml:"callback_url"`
	Timeout            time.Duration   `yaml:"timeout"`
	VerificationAmount decimal.Decimal `yaml:"verification_amount"`
	Sandbox            bool            `yaml:"sandbox"` // use the in-memory gateway
}

type BillingConfig struct {
	MaxRetryAttempts  int             `yaml:"max_retry_attempts"`
	BackoffBase       time.Duration   `yaml:"backoff_base"`
	BackoffFactor     int             `yaml:"backoff_factor"`
	AmountTolerance   decimal.Decimal `yaml:"amount_tolerance"`
	GatewayFeeRate    decimal.Decimal `yaml:"gateway_fee_rate"`
	GatewayFeeCap     decimal.Decimal `yaml:"gateway_fee_cap"`
	ServiceChargeRate decimal.Decimal `yaml:"service_charge_rate"`
	AutoRefund        bool            `yaml:"auto_refund"`
}

type SchedulerConfig struct {
	ChargeInterval    time.Duration `yaml:"charge_interval"`
	FinalizeInterval  time.Duration `yaml:"finalize_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StalePendingAfter time.Duration `yaml:"stale_pending_after"`
	Workers           int           `yaml:"workers"`
	BatchSize         int           `yaml:"batch_size"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

type Config struct {
	Log         LogConfig         `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	NATS        NATSConfig        `yaml:"nats"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Payment     PaymentConfig     `yaml:"payment"`
	Billing     BillingConfig     `yaml:"billing"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Security    SecurityConfig    `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig parses -config and -dev flags and loads the file.
func LoadConfig() (*Config, error) {
	var configPath string
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()

	// .env is optional; real environment wins.
	_ = godotenv.Load()

	return Load(configPath, dev)
}

// Load reads a YAML file, expands ${VAR} references from the environment,
// applies defaults and validates required values.
func Load(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(b))), dev)
}

func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Payment.SecretKey == "" && !cfg.Payment.Sandbox {
		return nil, errors.New("payment.secret_key is required")
	}
	if n := len(cfg.Security.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("security.encryption_key must be 16, 24, or 32 bytes; got %d", n)
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTP.CreatePaymentRate <= 0 {
		cfg.HTTP.CreatePaymentRate = 10
	}

	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	if cfg.NATS.BillingSubject == "" {
		cfg.NATS.BillingSubject = "billing.events"
	}
	if cfg.NATS.NotificationSubject == "" {
		cfg.NATS.NotificationSubject = "notifications.user"
	}

	if cfg.Marketplace.Timeout <= 0 {
		cfg.Marketplace.Timeout = 10 * time.Second
	}
	if cfg.Marketplace.GigTTL <= 0 {
		cfg.Marketplace.GigTTL = 5 * time.Minute
	}

	if cfg.Payment.BaseURL == "" {
		cfg.Payment.BaseURL = "https://api.paystack.co"
	}
	if cfg.Payment.Currency == "" {
		cfg.Payment.Currency = "NGN"
	}
	if cfg.Payment.Timeout <= 0 {
		cfg.Payment.Timeout = 30 * time.Second
	}
	if cfg.Payment.VerificationAmount.IsZero() {
		cfg.Payment.VerificationAmount = decimal.NewFromInt(50)
	}

	if cfg.Billing.MaxRetryAttempts <= 0 {
		cfg.Billing.MaxRetryAttempts = 3
	}
	if cfg.Billing.BackoffBase <= 0 {
		cfg.Billing.BackoffBase = time.Hour
	}
	if cfg.Billing.BackoffFactor <= 0 {
		cfg.Billing.BackoffFactor = 4
	}
	if cfg.Billing.AmountTolerance.IsZero() {
		cfg.Billing.AmountTolerance = decimal.RequireFromString("0.01")
	}
	if cfg.Billing.GatewayFeeRate.IsZero() {
		cfg.Billing.GatewayFeeRate = decimal.RequireFromString("0.014")
	}
	if cfg.Billing.GatewayFeeCap.IsZero() {
		cfg.Billing.GatewayFeeCap = decimal.NewFromInt(2000)
	}
	if cfg.Billing.ServiceChargeRate.IsZero() {
		cfg.Billing.ServiceChargeRate = decimal.RequireFromString("0.10")
	}

	if cfg.Scheduler.ChargeInterval <= 0 {
		cfg.Scheduler.ChargeInterval = 5 * time.Minute
	}
	if cfg.Scheduler.FinalizeInterval <= 0 {
		cfg.Scheduler.FinalizeInterval = 5 * time.Minute
	}
	if cfg.Scheduler.ReconcileInterval <= 0 {
		cfg.Scheduler.ReconcileInterval = 15 * time.Minute
	}
	if cfg.Scheduler.StalePendingAfter <= 0 {
		cfg.Scheduler.StalePendingAfter = 24 * time.Hour
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = 200
	}
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
