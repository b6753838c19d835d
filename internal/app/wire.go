package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/updownbot/internal/cache/redis"
	"github.com/alanyoungcy/updownbot/internal/config"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
	"github.com/alanyoungcy/updownbot/internal/store/postgres"
)

// Dependencies bundles the infrastructure the trading core runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store    domain.Store
	Exchange domain.Exchange

	// RedisEvents forwards sink events to Redis; nil when Redis is not
	// configured.
	RedisEvents  *redis.EventPublisher
	BalanceCache *redis.BalanceCache
}

// Wire constructs the concrete infrastructure implementations from the
// configuration and returns them together with a cleanup function that
// releases resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, sink *events.Sink, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (optional only in dry-run) ---
	if cfg.Postgres.DSN != "" || cfg.Postgres.Host != "" {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Store = postgres.NewStore(pgClient.Pool())
	} else if !cfg.Trading.DryRun {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres connection required outside dry-run")
	}

	// --- Redis (optional observability fan-out) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			// Redis only serves external observability; run without it.
			logger.Warn("redis unavailable, continuing without event publishing",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()),
			)
		} else {
			closers = append(closers, func() { _ = redisClient.Close() })
			deps.RedisEvents = redis.NewEventPublisher(redisClient, sink, logger)
			deps.BalanceCache = redis.NewBalanceCache(redisClient)
		}
	}

	// --- Exchange adapter ---
	deps.Exchange = polymarket.New(polymarket.Config{
		ClobHost:          cfg.Exchange.ClobHost,
		GammaHost:         cfg.Exchange.GammaHost,
		WsHost:            cfg.Exchange.WsHost,
		Address:           cfg.Exchange.Address,
		ApiKey:            cfg.Exchange.ApiKey,
		ApiSecret:         cfg.Exchange.ApiSecret,
		ApiPassphrase:     cfg.Exchange.ApiPassphrase,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
	})

	return deps, cleanup, nil
}
