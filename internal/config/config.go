// Package config loads and validates the relay's runtime configuration.
//
// Loading is layered the way the teacher's env.go did it: a .env file
// (if present) is read first via godotenv, then viper binds every
// recognized environment variable with its default. The core packages
// (exchange, sizing, chain, relay) never read os.Getenv themselves —
// they are handed a *Config built here.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AuthMode selects how requests to the exchange are signed.
type AuthMode string

const (
	AuthModeHMAC    AuthMode = "hmac"
	AuthModeKeyOnly AuthMode = "keyonly"
)

// Config holds every runtime knob named in spec §6.
type Config struct {
	ListenAddr string

	ExchangeBaseURL  string
	ExchangeAPIKey   string
	ExchangeAPISecret string
	AuthMode         AuthMode

	HeaderAPIKey    string
	HeaderSignature string
	HeaderTimestamp string

	WebhookToken   string
	StrictSequence bool

	DefaultLeverage int
	FxQuoteToINR    string // decimal string; parsed by callers with shopspring/decimal
	MarginBufferPct string
	MaxLotsPerOrder int

	FlatTimeout time.Duration
	FlatPoll    time.Duration

	FastEnter      bool
	FastEnterWait  time.Duration
	FastEnterRetry time.Duration

	SignalChainWindow time.Duration
	ChainTTL          time.Duration

	AutoCancelOnEnter         bool
	ForceCancelOrdersOnCancel bool
	ForceCloseOnCancel        bool

	LogLevel string

	ProductsCacheTTL time.Duration

	SeenTTL     time.Duration
	SeenSoftCap int
	SeenEvictTo int

	LastEntryTTL time.Duration
}

// Load reads an optional .env file (cwd, then parent) and the process
// environment, and returns a validated Config.
func Load() (*Config, error) {
	// Best-effort; a missing .env is not an error (mirrors the teacher's
	// loadBotEnv, which tolerates a missing file).
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("exchange_base_url", "https://api.india.delta.exchange")
	v.SetDefault("exchange_api_key", "")
	v.SetDefault("exchange_api_secret", "")
	v.SetDefault("auth_mode", "hmac")
	v.SetDefault("header_api_key", "api-key")
	v.SetDefault("header_signature", "signature")
	v.SetDefault("header_timestamp", "timestamp")
	v.SetDefault("webhook_token", "")
	v.SetDefault("strict_sequence", true)
	v.SetDefault("default_leverage", 1)
	v.SetDefault("fx_quote_to_inr", "83")
	v.SetDefault("margin_buffer_pct", "0.03")
	v.SetDefault("max_lots_per_order", 1000)
	v.SetDefault("flat_timeout_ms", 15000)
	v.SetDefault("flat_poll_ms", 500)
	v.SetDefault("fast_enter", false)
	v.SetDefault("fast_enter_wait_ms", 2000)
	v.SetDefault("fast_enter_retry_ms", 8000)
	v.SetDefault("signal_chain_window_ms", 120000)
	v.SetDefault("chain_ttl_ms", 120000)
	v.SetDefault("auto_cancel_on_enter", false)
	v.SetDefault("force_cancel_orders_on_cancel", true)
	v.SetDefault("force_close_on_cancel", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("products_cache_ttl_ms", 300000)
	v.SetDefault("seen_ttl_ms", 60000)
	v.SetDefault("seen_soft_cap", 300)
	v.SetDefault("seen_evict_to", 200)
	v.SetDefault("last_entry_ttl_ms", 15000)

	cfg := &Config{
		ListenAddr:                v.GetString("listen_addr"),
		ExchangeBaseURL:           strings.TrimRight(v.GetString("exchange_base_url"), "/"),
		ExchangeAPIKey:            v.GetString("exchange_api_key"),
		ExchangeAPISecret:         v.GetString("exchange_api_secret"),
		AuthMode:                  AuthMode(strings.ToLower(v.GetString("auth_mode"))),
		HeaderAPIKey:              v.GetString("header_api_key"),
		HeaderSignature:           v.GetString("header_signature"),
		HeaderTimestamp:           v.GetString("header_timestamp"),
		WebhookToken:              v.GetString("webhook_token"),
		StrictSequence:            v.GetBool("strict_sequence"),
		DefaultLeverage:           v.GetInt("default_leverage"),
		FxQuoteToINR:              v.GetString("fx_quote_to_inr"),
		MarginBufferPct:           v.GetString("margin_buffer_pct"),
		MaxLotsPerOrder:           v.GetInt("max_lots_per_order"),
		FlatTimeout:               time.Duration(v.GetInt("flat_timeout_ms")) * time.Millisecond,
		FlatPoll:                  time.Duration(v.GetInt("flat_poll_ms")) * time.Millisecond,
		FastEnter:                 v.GetBool("fast_enter"),
		FastEnterWait:             time.Duration(v.GetInt("fast_enter_wait_ms")) * time.Millisecond,
		FastEnterRetry:            time.Duration(v.GetInt("fast_enter_retry_ms")) * time.Millisecond,
		SignalChainWindow:         time.Duration(v.GetInt("signal_chain_window_ms")) * time.Millisecond,
		ChainTTL:                  time.Duration(v.GetInt("chain_ttl_ms")) * time.Millisecond,
		AutoCancelOnEnter:         v.GetBool("auto_cancel_on_enter"),
		ForceCancelOrdersOnCancel: v.GetBool("force_cancel_orders_on_cancel"),
		ForceCloseOnCancel:       v.GetBool("force_close_on_cancel"),
		LogLevel:                 v.GetString("log_level"),
		ProductsCacheTTL:         time.Duration(v.GetInt("products_cache_ttl_ms")) * time.Millisecond,
		SeenTTL:                  time.Duration(v.GetInt("seen_ttl_ms")) * time.Millisecond,
		SeenSoftCap:              v.GetInt("seen_soft_cap"),
		SeenEvictTo:              v.GetInt("seen_evict_to"),
		LastEntryTTL:             time.Duration(v.GetInt("last_entry_ttl_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AuthMode != AuthModeHMAC && c.AuthMode != AuthModeKeyOnly {
		return fmt.Errorf("config: AUTH_MODE must be %q or %q, got %q", AuthModeHMAC, AuthModeKeyOnly, c.AuthMode)
	}
	if c.AuthMode == AuthModeHMAC {
		if c.ExchangeAPIKey == "" || c.ExchangeAPISecret == "" {
			return fmt.Errorf("config: EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required when AUTH_MODE=hmac")
		}
	} else if c.ExchangeAPIKey == "" {
		return fmt.Errorf("config: EXCHANGE_API_KEY is required when AUTH_MODE=keyonly")
	}
	if c.MaxLotsPerOrder <= 0 {
		return fmt.Errorf("config: MAX_LOTS_PER_ORDER must be positive")
	}
	if c.DefaultLeverage < 1 {
		return fmt.Errorf("config: DEFAULT_LEVERAGE must be >= 1")
	}
	return nil
}
