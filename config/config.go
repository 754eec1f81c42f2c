package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go-topup/utils"
)

const (
	ChainSolana = "solana"
	ChainTron   = "tron"
)

var solanaNetworks = map[string]string{
	"devnet":       "https://api.devnet.solana.com",
	"testnet":      "https://api.testnet.solana.com",
	"mainnet-beta": "https://api.mainnet-beta.solana.com",
}

var tronNetworks = map[string]string{
	"tron":   "https://api.trongrid.io",
	"shasta": "https://api.shasta.trongrid.io",
	"nile":   "https://nile.trongrid.io",
}

type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	HTTPAddr    string `mapstructure:"http_addr"`
	DatabaseDSN string `mapstructure:"database_dsn"`

	// ledger
	Network               string        `mapstructure:"network"`
	RPCURL                string        `mapstructure:"rpc_url"`
	TronGridAPIKey        string        `mapstructure:"trongrid_api_key"`
	TokenMint             string        `mapstructure:"token_mint"`
	TokenSymbol           string        `mapstructure:"token_symbol"`
	TokenDecimals         int32         `mapstructure:"token_decimals"`
	ReceivingAccount      string        `mapstructure:"receiving_account"`
	ReceivingTokenAccount string        `mapstructure:"receiving_token_account"` // SPL token account, defaults to receiving_account
	LedgerTimeout         time.Duration `mapstructure:"ledger_timeout"`

	// watcher
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FetchAttempts    int           `mapstructure:"fetch_attempts"`
	FatalAfterCycles int           `mapstructure:"fatal_after_cycles"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	DedupSize        int           `mapstructure:"dedup_size"`
	DedupTTL         time.Duration `mapstructure:"dedup_ttl"`

	// orders
	OrderTTL          time.Duration `mapstructure:"order_ttl"`
	UniqueAmounts     bool          `mapstructure:"unique_amounts"` // tag amounts so memo-less payments match one order
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	// fulfillment
	MaxFulfillmentAttempts int           `mapstructure:"max_fulfillment_attempts"`
	DispatchWorkers        int           `mapstructure:"dispatch_workers"`
	DispatchInterval       time.Duration `mapstructure:"dispatch_interval"`
	ProviderTimeout        time.Duration `mapstructure:"provider_timeout"`
	ProviderRate           float64       `mapstructure:"provider_rate"` // calls per second
	StaleAfter             time.Duration `mapstructure:"stale_after"`
	AiraloURL              string        `mapstructure:"airalo_url"`
	AiraloAPIKey           string        `mapstructure:"airalo_api_key"`

	// notifications
	TelegramURL    string        `mapstructure:"telegram_url"`
	TelegramToken  string        `mapstructure:"telegram_token"`
	NotifyInterval time.Duration `mapstructure:"notify_interval"`
	SMTPServer     string        `mapstructure:"smtp_server"`
	SMTPPort       string        `mapstructure:"smtp_port"`
	SMTPUser       string        `mapstructure:"smtp_user"`
	SMTPPass       string        `mapstructure:"smtp_pass"`
	FromAddr       string        `mapstructure:"from_addr"`
	FromName       string        `mapstructure:"from_name"`
	OpsEmail       string        `mapstructure:"ops_email"` // refund alerts

	// testing
	TestingMode              bool          `mapstructure:"testing_mode"`
	TestingPaymentMultiplier float64       `mapstructure:"testing_payment_multiplier"`
	MockPaymentSuccess       bool          `mapstructure:"mock_payment_success"`
	MockPaymentDelay         time.Duration `mapstructure:"mock_payment_delay"`

	// front-end api
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AdminKeyHash string   `mapstructure:"admin_key_hash"` // bcrypt
	CORSOrigins  []string `mapstructure:"cors_origins"`
	RateLimit    float64  `mapstructure:"rate_limit"` // requests per second per client
	RateBurst    int      `mapstructure:"rate_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_dsn", "sqlite:topup.db")

	v.SetDefault("network", "devnet")
	v.SetDefault("rpc_url", "")
	v.SetDefault("trongrid_api_key", "")
	v.SetDefault("token_mint", "")
	v.SetDefault("token_symbol", "USDC")
	v.SetDefault("token_decimals", 9)
	v.SetDefault("receiving_account", "")
	v.SetDefault("receiving_token_account", "")
	v.SetDefault("ledger_timeout", 15*time.Second)

	v.SetDefault("poll_interval", 10*time.Second)
	v.SetDefault("fetch_attempts", 3)
	v.SetDefault("fatal_after_cycles", 30)
	v.SetDefault("backoff_base", time.Second)
	v.SetDefault("backoff_max", 30*time.Second)
	v.SetDefault("dedup_size", 10000)
	v.SetDefault("dedup_ttl", 24*time.Hour)

	v.SetDefault("order_ttl", 10*time.Minute)
	v.SetDefault("unique_amounts", false)
	v.SetDefault("reconcile_interval", 2*time.Second)
	v.SetDefault("sweep_interval", 30*time.Second)

	v.SetDefault("max_fulfillment_attempts", 5)
	v.SetDefault("dispatch_workers", 4)
	v.SetDefault("dispatch_interval", 5*time.Second)
	v.SetDefault("provider_timeout", 30*time.Second)
	v.SetDefault("provider_rate", 2.0)
	v.SetDefault("stale_after", 5*time.Minute)
	v.SetDefault("airalo_url", "https://partners-api.airalo.com/v2")
	v.SetDefault("airalo_api_key", "")

	v.SetDefault("telegram_url", "https://api.telegram.org")
	v.SetDefault("telegram_token", "")
	v.SetDefault("notify_interval", 3*time.Second)
	v.SetDefault("smtp_server", "")
	v.SetDefault("smtp_port", "587")
	v.SetDefault("smtp_user", "")
	v.SetDefault("smtp_pass", "")
	v.SetDefault("from_addr", "")
	v.SetDefault("from_name", "eSIM top-up")
	v.SetDefault("ops_email", "")

	v.SetDefault("testing_mode", false)
	v.SetDefault("testing_payment_multiplier", 0.01)
	v.SetDefault("mock_payment_success", false)
	v.SetDefault("mock_payment_delay", 10*time.Second)

	v.SetDefault("jwt_secret", "")
	v.SetDefault("admin_key_hash", "")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("rate_limit", 5.0)
	v.SetDefault("rate_burst", 10)
}

// Load reads .env, the optional config file at path and the environment,
// in increasing order of precedence.
func Load(path string) (*Config, error) {
	utils.LoadEnv()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	if c.RPCURL == "" {
		if u, ok := solanaNetworks[c.Network]; ok {
			c.RPCURL = u
		} else if u, ok := tronNetworks[c.Network]; ok {
			c.RPCURL = u
		}
	}
	if c.ReceivingTokenAccount == "" {
		c.ReceivingTokenAccount = c.ReceivingAccount
	}
}

// Chain reports which ledger family the configured network belongs to.
func (c *Config) Chain() string {
	if _, ok := tronNetworks[c.Network]; ok {
		return ChainTron
	}
	return ChainSolana
}

// MockLedger reports whether payments are synthesized instead of read from a ledger.
func (c *Config) MockLedger() bool {
	return c.TestingMode && c.MockPaymentSuccess
}

func (c *Config) Validate() error {
	var errs []error
	if c.ReceivingAccount == "" {
		errs = append(errs, errors.New("receiving_account is required"))
	}
	if c.TokenMint == "" {
		errs = append(errs, errors.New("token_mint is required"))
	}
	if c.RPCURL == "" && !c.MockLedger() {
		errs = append(errs, fmt.Errorf("unknown network %q and no rpc_url", c.Network))
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		errs = append(errs, fmt.Errorf("token_decimals out of range: %d", c.TokenDecimals))
	}
	if c.OrderTTL <= 0 {
		errs = append(errs, errors.New("order_ttl must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":      c.PollInterval,
		"reconcile_interval": c.ReconcileInterval,
		"sweep_interval":     c.SweepInterval,
		"dispatch_interval":  c.DispatchInterval,
		"notify_interval":    c.NotifyInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxFulfillmentAttempts < 1 {
		errs = append(errs, errors.New("max_fulfillment_attempts must be at least 1"))
	}
	if c.DispatchWorkers < 1 {
		errs = append(errs, errors.New("dispatch_workers must be at least 1"))
	}
	if c.FetchAttempts < 1 {
		errs = append(errs, errors.New("fetch_attempts must be at least 1"))
	}
	if c.TestingMode && c.TestingPaymentMultiplier <= 0 {
		errs = append(errs, errors.New("testing_payment_multiplier must be positive"))
	}
	return errors.Join(errs...)
}
