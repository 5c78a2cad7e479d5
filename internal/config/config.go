// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full bot configuration, loaded from a single file plus
// SIGNALBOT_* environment overrides for the credentials.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds Bybit connection settings.
type ExchangeConfig struct {
	APIKey        string `mapstructure:"api_key"`
	APISecret     string `mapstructure:"api_secret"`
	BaseURL       string `mapstructure:"base_url"`
	Testnet       bool   `mapstructure:"testnet"`
	RecvWindowMS  int    `mapstructure:"recv_window_ms"`
	AccountType   string `mapstructure:"account_type"`
	SettleCoin    string `mapstructure:"settle_coin"`
	Category      string `mapstructure:"category"`
	HTTPTimeoutMS int    `mapstructure:"http_timeout_ms"`
	MaxRetries    int    `mapstructure:"max_retries"`
}

// TradingConfig holds the per-instrument trading parameters. The bot trades
// exactly one symbol; signals for anything else are rejected.
type TradingConfig struct {
	Symbol                  string  `mapstructure:"symbol"`
	DefaultLeverage         int     `mapstructure:"default_leverage"`
	PositionSizeMode        string  `mapstructure:"position_size_mode"` // "fixed" or "risk_percentage"
	MaxPositionSize         string  `mapstructure:"max_position_size"`
	RiskPerTradePercent     float64 `mapstructure:"risk_per_trade_percentage"`
	StopLossPercent         float64 `mapstructure:"stop_loss_percentage"`
	TakeProfitPercent       float64 `mapstructure:"take_profit_percentage"`
	CancelOrdersOnNewSignal bool    `mapstructure:"cancel_orders_on_new_signal"`
	BreakevenOnTP1          bool    `mapstructure:"enable_breakeven_on_tp1"`
	BreakevenOnPartialClose bool    `mapstructure:"enable_breakeven_on_partial_tp"`

	// Fallbacks used when the instruments-info endpoint is unavailable.
	FallbackMinOrderQty string `mapstructure:"fallback_min_order_qty"`
	FallbackQtyStep     string `mapstructure:"fallback_qty_step"`
	FallbackTickSize    string `mapstructure:"fallback_tick_size"`
}

// EngineConfig holds the control-loop cadences and retry budgets.
type EngineConfig struct {
	StateDir                string `mapstructure:"state_dir"`
	ReconcileIntervalSec    int    `mapstructure:"reconcile_interval_seconds"`
	MetricsIntervalSec      int    `mapstructure:"metrics_interval_seconds"`
	SettleDelaySec          int    `mapstructure:"settle_delay_seconds"`
	DriftRetryAttempts      int    `mapstructure:"drift_retry_attempts"`
	DriftRetryDelaySec      int    `mapstructure:"drift_retry_delay_seconds"`
	HistoryDisplayLimit     int    `mapstructure:"history_display_limit"`
	ShutdownTimeoutSec      int    `mapstructure:"shutdown_timeout_seconds"`
	CloseBeforeOpenDelaySec int    `mapstructure:"close_before_open_delay_seconds"`
}

// TelegramConfig holds the outbound notification settings. Leaving the token
// empty disables notifications.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// LoggingConfig holds the zap logger settings.
type LoggingConfig struct {
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

const (
	DefaultReconcileInterval = 30
	DefaultMetricsInterval   = 15
	DefaultSettleDelay       = 5
	DefaultDriftAttempts     = 3
	DefaultDriftDelay        = 10
)

// Load reads the configuration file at path and applies environment
// overrides. Credentials may come entirely from SIGNALBOT_EXCHANGE_API_KEY /
// SIGNALBOT_EXCHANGE_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"exchange.base_url":                      "https://api.bybit.com",
		"exchange.recv_window_ms":                10000,
		"exchange.account_type":                  "UNIFIED",
		"exchange.settle_coin":                   "USDT",
		"exchange.category":                      "linear",
		"exchange.http_timeout_ms":               15000,
		"exchange.max_retries":                   3,
		"trading.symbol":                         "BTCUSDT",
		"trading.default_leverage":               10,
		"trading.position_size_mode":             "fixed",
		"trading.max_position_size":              "0.001",
		"trading.risk_per_trade_percentage":      1.0,
		"trading.cancel_orders_on_new_signal":    true,
		"trading.enable_breakeven_on_partial_tp": true,
		"trading.fallback_min_order_qty":         "0.001",
		"trading.fallback_qty_step":              "0.001",
		"trading.fallback_tick_size":             "0.1",
		"engine.state_dir":                       "state",
		"engine.reconcile_interval_seconds":      DefaultReconcileInterval,
		"engine.metrics_interval_seconds":        DefaultMetricsInterval,
		"engine.settle_delay_seconds":            DefaultSettleDelay,
		"engine.drift_retry_attempts":            DefaultDriftAttempts,
		"engine.drift_retry_delay_seconds":       DefaultDriftDelay,
		"engine.history_display_limit":           50,
		"engine.shutdown_timeout_seconds":        30,
		"engine.close_before_open_delay_seconds": 1,
		"logging.file":                           "logs/signalbot.log",
		"logging.max_size_mb":                    50,
		"logging.max_backups":                    5,
		"logging.max_age_days":                   14,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SIGNALBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if key := v.GetString("EXCHANGE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := v.GetString("EXCHANGE_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if cfg.Exchange.Testnet && cfg.Exchange.BaseURL == "https://api.bybit.com" {
		cfg.Exchange.BaseURL = "https://api-testnet.bybit.com"
	}

	return &cfg, validate(&cfg)
}

func validate(cfg *Config) error {
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		return errors.New("missing exchange API credentials")
	}
	if cfg.Trading.Symbol == "" {
		return errors.New("trading.symbol must be set")
	}
	mode := strings.ToLower(cfg.Trading.PositionSizeMode)
	switch mode {
	case "fixed":
		if _, err := decimal.NewFromString(cfg.Trading.MaxPositionSize); err != nil {
			return fmt.Errorf("invalid trading.max_position_size %q: %w", cfg.Trading.MaxPositionSize, err)
		}
	case "risk_percentage":
		if cfg.Trading.RiskPerTradePercent <= 0 {
			return errors.New("trading.risk_per_trade_percentage must be positive in risk_percentage mode")
		}
	default:
		return fmt.Errorf("unknown trading.position_size_mode %q", cfg.Trading.PositionSizeMode)
	}
	if cfg.Trading.DefaultLeverage <= 0 {
		return errors.New("trading.default_leverage must be positive")
	}
	return validateIntervals(&cfg.Engine)
}

func validateIntervals(e *EngineConfig) error {
	if e.ReconcileIntervalSec <= 0 {
		return errors.New("invalid engine.reconcile_interval_seconds")
	}
	if e.MetricsIntervalSec <= 0 {
		return errors.New("invalid engine.metrics_interval_seconds")
	}
	if e.DriftRetryAttempts <= 0 {
		return errors.New("invalid engine.drift_retry_attempts")
	}
	if e.DriftRetryDelaySec <= 0 {
		return errors.New("invalid engine.drift_retry_delay_seconds")
	}
	return nil
}
