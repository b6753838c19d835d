// Package config defines the top-level configuration for the up/down
// arbitrage bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by UPDOWNBOT_* environment
// variables.
type Config struct {
	Exchange   ExchangeConfig   `toml:"exchange"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Trading    TradingConfig    `toml:"trading"`
	Rebalance  RebalanceConfig  `toml:"rebalance"`
	Settlement SettlementConfig `toml:"settlement"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Blackout   BlackoutConfig   `toml:"blackout"`
	Gradual    GradualConfig    `toml:"gradual_entry"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// ExchangeConfig holds CLOB API endpoints and credentials.
type ExchangeConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
	Address       string `toml:"address"`
	// RequestsPerSecond bounds REST calls against the CLOB.
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the event publisher.
// Redis is optional; an empty Addr disables it.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
}

// TradingConfig holds the parameters of the arbitrage entry pipeline.
type TradingConfig struct {
	Assets                     []string `toml:"assets"`
	MinSpreadUSD               float64  `toml:"min_spread_usd"`
	BalanceSizingPct           float64  `toml:"balance_sizing_pct"`
	MaxTradeSizeUSD            float64  `toml:"max_trade_size_usd"`
	MinTradeSizeUSD            float64  `toml:"min_trade_size_usd"`
	MaxPerWindowUSD            float64  `toml:"max_per_window_usd"`
	MaxLiquidityConsumptionPct float64  `toml:"max_liquidity_consumption_pct"`
	ParallelFillTimeoutSeconds float64  `toml:"parallel_fill_timeout_s"`
	StaleThresholdSeconds      float64  `toml:"stale_threshold_s"`
	MarketRefreshSeconds       float64  `toml:"market_refresh_s"`
	BalanceRefreshSeconds      float64  `toml:"balance_refresh_s"`
	OpportunityQueueSize       int      `toml:"opportunity_queue_size"`
	ShareDecimals              int      `toml:"share_decimals"`
	DryRun                     bool     `toml:"dry_run"`
}

// RebalanceConfig holds the position-rebalancing parameters.
type RebalanceConfig struct {
	Threshold            float64 `toml:"threshold"`
	MinProfitPerShare    float64 `toml:"min_rebalance_profit_per_share"`
	MaxAttempts          int     `toml:"max_rebalance_attempts"`
	NoGoSecondsBeforeEnd float64 `toml:"no_go_s_before_end"`
	SweepIntervalSeconds float64 `toml:"sweep_interval_s"`
}

// SettlementConfig holds the claim-loop parameters.
type SettlementConfig struct {
	ResolutionWaitSeconds float64 `toml:"resolution_wait_s"`
	ClaimSellPrice        float64 `toml:"claim_sell_price"`
	BaseRetrySeconds      float64 `toml:"base_retry_s"`
	MaxRetrySeconds       float64 `toml:"max_retry_s"`
	MaxClaimAttempts      int     `toml:"max_claim_attempts"`
	AlertAfterFailures    int     `toml:"alert_after_failures"`
	SweepIntervalSeconds  float64 `toml:"sweep_interval_s"`
}

// BreakerConfig holds circuit-breaker thresholds.
type BreakerConfig struct {
	WarnFailures    int     `toml:"warn_failures"`
	CautionFailures int     `toml:"caution_failures"`
	HaltFailures    int     `toml:"halt_failures"`
	WarnLossUSD     float64 `toml:"warn_loss_usd"`
	CautionLossUSD  float64 `toml:"caution_loss_usd"`
	HaltLossUSD     float64 `toml:"halt_loss_usd"`
}

// BlackoutConfig defines the daily window during which trading is suspended.
type BlackoutConfig struct {
	Enabled     bool   `toml:"enabled"`
	StartHour   int    `toml:"start_hour"`
	StartMinute int    `toml:"start_minute"`
	EndHour     int    `toml:"end_hour"`
	EndMinute   int    `toml:"end_minute"`
	Timezone    string `toml:"timezone"`
}

// GradualConfig holds the tranched-entry parameters.
type GradualConfig struct {
	Enabled        bool    `toml:"enabled"`
	Tranches       int     `toml:"tranches"`
	DelaySeconds   float64 `toml:"delay_s"`
	MinSpreadCents float64 `toml:"min_spread_cents"`
}

// NotifyConfig holds operator alert channels. All fields are optional; an
// empty sender list disables alerting.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			ClobHost:          "https://clob.polymarket.com",
			GammaHost:         "https://gamma-api.polymarket.com",
			WsHost:            "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			RequestsPerSecond: 10,
		},
		Postgres: PostgresConfig{
			Port:          5432,
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Trading: TradingConfig{
			Assets:                     []string{"BTC", "ETH", "SOL"},
			MinSpreadUSD:               0.02,
			BalanceSizingPct:           0.25,
			MaxTradeSizeUSD:            25.0,
			MinTradeSizeUSD:            3.0,
			MaxPerWindowUSD:            50.0,
			MaxLiquidityConsumptionPct: 0.50,
			ParallelFillTimeoutSeconds: 10,
			StaleThresholdSeconds:      10,
			MarketRefreshSeconds:       30,
			BalanceRefreshSeconds:      30,
			OpportunityQueueSize:       100,
			ShareDecimals:              2,
			DryRun:                     false,
		},
		Rebalance: RebalanceConfig{
			Threshold:            0.80,
			MinProfitPerShare:    0.02,
			MaxAttempts:          5,
			NoGoSecondsBeforeEnd: 60,
			SweepIntervalSeconds: 5,
		},
		Settlement: SettlementConfig{
			ResolutionWaitSeconds: 600,
			ClaimSellPrice:        0.99,
			BaseRetrySeconds:      60,
			MaxRetrySeconds:       3600,
			MaxClaimAttempts:      5,
			AlertAfterFailures:    3,
			SweepIntervalSeconds:  60,
		},
		Breaker: BreakerConfig{
			WarnFailures:    3,
			CautionFailures: 4,
			HaltFailures:    5,
			WarnLossUSD:     50,
			CautionLossUSD:  75,
			HaltLossUSD:     100,
		},
		Blackout: BlackoutConfig{
			Enabled:     true,
			StartHour:   5,
			StartMinute: 0,
			EndHour:     5,
			EndMinute:   29,
			Timezone:    "America/Chicago",
		},
		Gradual: GradualConfig{
			Enabled:        false,
			Tranches:       3,
			DelaySeconds:   30,
			MinSpreadCents: 3,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for internally inconsistent or unusable
// values. It returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Trading.Assets) == 0 {
		return fmt.Errorf("config: trading.assets must not be empty")
	}
	for _, a := range c.Trading.Assets {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("config: trading.assets contains an empty entry")
		}
	}
	if c.Trading.MinSpreadUSD <= 0 || c.Trading.MinSpreadUSD >= 1 {
		return fmt.Errorf("config: trading.min_spread_usd %.4f out of range (0, 1)", c.Trading.MinSpreadUSD)
	}
	if c.Trading.BalanceSizingPct <= 0 || c.Trading.BalanceSizingPct > 1 {
		return fmt.Errorf("config: trading.balance_sizing_pct %.2f out of range (0, 1]", c.Trading.BalanceSizingPct)
	}
	if c.Trading.MinTradeSizeUSD <= 0 {
		return fmt.Errorf("config: trading.min_trade_size_usd must be positive")
	}
	if c.Trading.MaxTradeSizeUSD < c.Trading.MinTradeSizeUSD {
		return fmt.Errorf("config: trading.max_trade_size_usd %.2f below min_trade_size_usd %.2f",
			c.Trading.MaxTradeSizeUSD, c.Trading.MinTradeSizeUSD)
	}
	if c.Trading.MaxLiquidityConsumptionPct <= 0 || c.Trading.MaxLiquidityConsumptionPct > 1 {
		return fmt.Errorf("config: trading.max_liquidity_consumption_pct %.2f out of range (0, 1]",
			c.Trading.MaxLiquidityConsumptionPct)
	}
	if c.Trading.ParallelFillTimeoutSeconds <= 0 {
		return fmt.Errorf("config: trading.parallel_fill_timeout_s must be positive")
	}
	if c.Settlement.ClaimSellPrice <= 0 || c.Settlement.ClaimSellPrice >= 1 {
		return fmt.Errorf("config: settlement.claim_sell_price %.2f out of range (0, 1)", c.Settlement.ClaimSellPrice)
	}
	if c.Settlement.MaxClaimAttempts <= 0 {
		return fmt.Errorf("config: settlement.max_claim_attempts must be positive")
	}
	if c.Rebalance.Threshold <= 0 || c.Rebalance.Threshold > 1 {
		return fmt.Errorf("config: rebalance.threshold %.2f out of range (0, 1]", c.Rebalance.Threshold)
	}
	if c.Breaker.WarnFailures > c.Breaker.CautionFailures || c.Breaker.CautionFailures > c.Breaker.HaltFailures {
		return fmt.Errorf("config: breaker failure thresholds must be non-decreasing")
	}
	if c.Breaker.WarnLossUSD > c.Breaker.CautionLossUSD || c.Breaker.CautionLossUSD > c.Breaker.HaltLossUSD {
		return fmt.Errorf("config: breaker loss thresholds must be non-decreasing")
	}
	if c.Blackout.Enabled {
		if _, err := time.LoadLocation(c.Blackout.Timezone); err != nil {
			return fmt.Errorf("config: blackout.timezone %q: %w", c.Blackout.Timezone, err)
		}
	}
	if c.Gradual.Enabled && c.Gradual.Tranches < 2 {
		return fmt.Errorf("config: gradual_entry.tranches must be at least 2 when enabled")
	}
	if !c.Trading.DryRun && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		return fmt.Errorf("config: postgres connection required (dsn or host)")
	}
	return nil
}

// StaleThreshold returns the book staleness threshold as a duration.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Trading.StaleThresholdSeconds * float64(time.Second))
}

// ParallelFillTimeout returns the joint dual-leg placement timeout.
func (c *Config) ParallelFillTimeout() time.Duration {
	return time.Duration(c.Trading.ParallelFillTimeoutSeconds * float64(time.Second))
}

// ResolutionWait returns the delay after market end before claiming.
func (c *Config) ResolutionWait() time.Duration {
	return time.Duration(c.Settlement.ResolutionWaitSeconds * float64(time.Second))
}
