package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies UPDOWNBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known UPDOWNBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.ClobHost, "UPDOWNBOT_EXCHANGE_CLOB_HOST")
	setStr(&cfg.Exchange.GammaHost, "UPDOWNBOT_EXCHANGE_GAMMA_HOST")
	setStr(&cfg.Exchange.WsHost, "UPDOWNBOT_EXCHANGE_WS_HOST")
	setStr(&cfg.Exchange.ApiKey, "UPDOWNBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "UPDOWNBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.ApiPassphrase, "UPDOWNBOT_EXCHANGE_API_PASSPHRASE")
	setStr(&cfg.Exchange.Address, "UPDOWNBOT_EXCHANGE_ADDRESS")
	setFloat64(&cfg.Exchange.RequestsPerSecond, "UPDOWNBOT_EXCHANGE_REQUESTS_PER_SECOND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "UPDOWNBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "UPDOWNBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "UPDOWNBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "UPDOWNBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "UPDOWNBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "UPDOWNBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "UPDOWNBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "UPDOWNBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "UPDOWNBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "UPDOWNBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "UPDOWNBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "UPDOWNBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "UPDOWNBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "UPDOWNBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "UPDOWNBOT_REDIS_MAX_RETRIES")

	// ── Trading ──
	setStringSlice(&cfg.Trading.Assets, "UPDOWNBOT_TRADING_ASSETS")
	setFloat64(&cfg.Trading.MinSpreadUSD, "UPDOWNBOT_TRADING_MIN_SPREAD_USD")
	setFloat64(&cfg.Trading.BalanceSizingPct, "UPDOWNBOT_TRADING_BALANCE_SIZING_PCT")
	setFloat64(&cfg.Trading.MaxTradeSizeUSD, "UPDOWNBOT_TRADING_MAX_TRADE_SIZE_USD")
	setFloat64(&cfg.Trading.MinTradeSizeUSD, "UPDOWNBOT_TRADING_MIN_TRADE_SIZE_USD")
	setFloat64(&cfg.Trading.MaxPerWindowUSD, "UPDOWNBOT_TRADING_MAX_PER_WINDOW_USD")
	setFloat64(&cfg.Trading.MaxLiquidityConsumptionPct, "UPDOWNBOT_TRADING_MAX_LIQUIDITY_CONSUMPTION_PCT")
	setFloat64(&cfg.Trading.ParallelFillTimeoutSeconds, "UPDOWNBOT_TRADING_PARALLEL_FILL_TIMEOUT_S")
	setFloat64(&cfg.Trading.StaleThresholdSeconds, "UPDOWNBOT_TRADING_STALE_THRESHOLD_S")
	setFloat64(&cfg.Trading.MarketRefreshSeconds, "UPDOWNBOT_TRADING_MARKET_REFRESH_S")
	setFloat64(&cfg.Trading.BalanceRefreshSeconds, "UPDOWNBOT_TRADING_BALANCE_REFRESH_S")
	setInt(&cfg.Trading.OpportunityQueueSize, "UPDOWNBOT_TRADING_OPPORTUNITY_QUEUE_SIZE")
	setBool(&cfg.Trading.DryRun, "UPDOWNBOT_TRADING_DRY_RUN")

	// ── Rebalance ──
	setFloat64(&cfg.Rebalance.Threshold, "UPDOWNBOT_REBALANCE_THRESHOLD")
	setFloat64(&cfg.Rebalance.MinProfitPerShare, "UPDOWNBOT_REBALANCE_MIN_PROFIT_PER_SHARE")
	setInt(&cfg.Rebalance.MaxAttempts, "UPDOWNBOT_REBALANCE_MAX_ATTEMPTS")
	setFloat64(&cfg.Rebalance.NoGoSecondsBeforeEnd, "UPDOWNBOT_REBALANCE_NO_GO_S_BEFORE_END")
	setFloat64(&cfg.Rebalance.SweepIntervalSeconds, "UPDOWNBOT_REBALANCE_SWEEP_INTERVAL_S")

	// ── Settlement ──
	setFloat64(&cfg.Settlement.ResolutionWaitSeconds, "UPDOWNBOT_SETTLEMENT_RESOLUTION_WAIT_S")
	setFloat64(&cfg.Settlement.ClaimSellPrice, "UPDOWNBOT_SETTLEMENT_CLAIM_SELL_PRICE")
	setFloat64(&cfg.Settlement.BaseRetrySeconds, "UPDOWNBOT_SETTLEMENT_BASE_RETRY_S")
	setFloat64(&cfg.Settlement.MaxRetrySeconds, "UPDOWNBOT_SETTLEMENT_MAX_RETRY_S")
	setInt(&cfg.Settlement.MaxClaimAttempts, "UPDOWNBOT_SETTLEMENT_MAX_CLAIM_ATTEMPTS")
	setInt(&cfg.Settlement.AlertAfterFailures, "UPDOWNBOT_SETTLEMENT_ALERT_AFTER_FAILURES")
	setFloat64(&cfg.Settlement.SweepIntervalSeconds, "UPDOWNBOT_SETTLEMENT_SWEEP_INTERVAL_S")

	// ── Breaker ──
	setInt(&cfg.Breaker.WarnFailures, "UPDOWNBOT_BREAKER_WARN_FAILURES")
	setInt(&cfg.Breaker.CautionFailures, "UPDOWNBOT_BREAKER_CAUTION_FAILURES")
	setInt(&cfg.Breaker.HaltFailures, "UPDOWNBOT_BREAKER_HALT_FAILURES")
	setFloat64(&cfg.Breaker.WarnLossUSD, "UPDOWNBOT_BREAKER_WARN_LOSS_USD")
	setFloat64(&cfg.Breaker.CautionLossUSD, "UPDOWNBOT_BREAKER_CAUTION_LOSS_USD")
	setFloat64(&cfg.Breaker.HaltLossUSD, "UPDOWNBOT_BREAKER_HALT_LOSS_USD")

	// ── Blackout ──
	setBool(&cfg.Blackout.Enabled, "UPDOWNBOT_BLACKOUT_ENABLED")
	setInt(&cfg.Blackout.StartHour, "UPDOWNBOT_BLACKOUT_START_HOUR")
	setInt(&cfg.Blackout.StartMinute, "UPDOWNBOT_BLACKOUT_START_MINUTE")
	setInt(&cfg.Blackout.EndHour, "UPDOWNBOT_BLACKOUT_END_HOUR")
	setInt(&cfg.Blackout.EndMinute, "UPDOWNBOT_BLACKOUT_END_MINUTE")
	setStr(&cfg.Blackout.Timezone, "UPDOWNBOT_BLACKOUT_TIMEZONE")

	// ── Gradual entry ──
	setBool(&cfg.Gradual.Enabled, "UPDOWNBOT_GRADUAL_ENTRY_ENABLED")
	setInt(&cfg.Gradual.Tranches, "UPDOWNBOT_GRADUAL_ENTRY_TRANCHES")
	setFloat64(&cfg.Gradual.DelaySeconds, "UPDOWNBOT_GRADUAL_ENTRY_DELAY_S")
	setFloat64(&cfg.Gradual.MinSpreadCents, "UPDOWNBOT_GRADUAL_ENTRY_MIN_SPREAD_CENTS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "UPDOWNBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "UPDOWNBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "UPDOWNBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "UPDOWNBOT_NOTIFY_EVENTS")

	setStr(&cfg.LogLevel, "UPDOWNBOT_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
