// Package app wires the trading core together and manages its lifecycle:
// startup recovery, the background loops, and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/config"
	"github.com/alanyoungcy/updownbot/internal/events"
	"github.com/alanyoungcy/updownbot/internal/executor"
	"github.com/alanyoungcy/updownbot/internal/monitor"
	"github.com/alanyoungcy/updownbot/internal/notify"
	"github.com/alanyoungcy/updownbot/internal/position"
	"github.com/alanyoungcy/updownbot/internal/risk"
	"github.com/alanyoungcy/updownbot/internal/settlement"
)

// App is the root application object.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all components, restores persisted state, starts the background
// loops grouped into shutdown stages, and blocks until ctx is cancelled. The
// Coordinator then stops the stages in order: admission first (draining any
// in-flight execution under its own timeout), then the settlement and
// rebalance loops, then the book subscriptions, then the observers; the sink
// and stores are flushed and closed last.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg
	clk := clock.System{}

	a.logger.InfoContext(ctx, "starting up/down arbitrage bot",
		slog.Any("assets", cfg.Trading.Assets),
		slog.Bool("dry_run", cfg.Trading.DryRun),
		slog.Float64("min_spread_usd", cfg.Trading.MinSpreadUSD),
	)

	sink := events.NewSink(a.logger)
	defer sink.Close()
	emitter := events.NewEmitter(sink, clk.Now)

	deps, cleanup, err := Wire(ctx, cfg, sink, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	defer cleanup()

	// --- Safety controls ---
	blackout, err := risk.NewBlackout(
		cfg.Blackout.Enabled,
		cfg.Blackout.StartHour, cfg.Blackout.StartMinute,
		cfg.Blackout.EndHour, cfg.Blackout.EndMinute,
		cfg.Blackout.Timezone,
	)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	var breakerStore risk.BreakerPersister
	if deps.Store != nil {
		breakerStore = deps.Store
	}
	breaker := risk.NewCircuitBreaker(risk.BreakerThresholds{
		WarnFailures:    cfg.Breaker.WarnFailures,
		CautionFailures: cfg.Breaker.CautionFailures,
		HaltFailures:    cfg.Breaker.HaltFailures,
		WarnLossUSD:     cfg.Breaker.WarnLossUSD,
		CautionLossUSD:  cfg.Breaker.CautionLossUSD,
		HaltLossUSD:     cfg.Breaker.HaltLossUSD,
	}, breakerStore, emitter, clk, a.logger)

	ledger := risk.NewWindowLedger()

	// --- Market data ---
	var marketStore monitor.MarketPersister
	if deps.Store != nil {
		marketStore = deps.Store
	}
	tracker := monitor.NewBookTracker(deps.Exchange, emitter, clk, cfg.StaleThreshold(), a.logger)
	finder := monitor.NewFinder(
		deps.Exchange, marketStore, emitter, clk, cfg.Trading.Assets,
		time.Duration(cfg.Trading.MarketRefreshSeconds*float64(time.Second)),
		a.logger,
	)
	detector := monitor.NewDetector(
		cfg.Trading.MinSpreadUSD, cfg.StaleThreshold(),
		cfg.Trading.OpportunityQueueSize, clk, emitter, a.logger,
	)
	finder.OnMarketFound(tracker.Track)
	tracker.OnBookUpdate(detector.OnBookUpdate)

	// --- Positions and execution ---
	var pnlStore position.PnLRecorder
	if deps.Store != nil {
		pnlStore = deps.Store
	}
	positions := position.NewManager(
		deps.Exchange, tracker, pnlStore, breaker, emitter, clk,
		position.Config{
			Threshold:         cfg.Rebalance.Threshold,
			MinProfitPerShare: cfg.Rebalance.MinProfitPerShare,
			SpreadFloor:       cfg.Trading.MinSpreadUSD,
			MaxAttempts:       cfg.Rebalance.MaxAttempts,
			NoGoBeforeEnd:     time.Duration(cfg.Rebalance.NoGoSecondsBeforeEnd * float64(time.Second)),
			SweepInterval:     time.Duration(cfg.Rebalance.SweepIntervalSeconds * float64(time.Second)),
		},
		a.logger,
	)

	balance := NewBalanceTracker(
		deps.Exchange, emitter, deps.BalanceCache,
		time.Duration(cfg.Trading.BalanceRefreshSeconds*float64(time.Second)),
		a.logger,
	)

	gate := risk.NewGate(
		risk.GateConfig{
			BalanceSizingPct: cfg.Trading.BalanceSizingPct,
			MaxTradeSizeUSD:  cfg.Trading.MaxTradeSizeUSD,
			MinTradeSizeUSD:  cfg.Trading.MinTradeSizeUSD,
			MaxPerWindowUSD:  cfg.Trading.MaxPerWindowUSD,
		},
		blackout, breaker, ledger, positions, balance, clk, emitter, a.logger,
	)

	sizer := risk.NewSizer(risk.SizerConfig{
		MinTradeSizeUSD:            cfg.Trading.MinTradeSizeUSD,
		MaxLiquidityConsumptionPct: cfg.Trading.MaxLiquidityConsumptionPct,
		ShareDecimals:              cfg.Trading.ShareDecimals,
		GradualEnabled:             cfg.Gradual.Enabled,
		GradualTranches:            cfg.Gradual.Tranches,
		GradualDelay:               time.Duration(cfg.Gradual.DelaySeconds * float64(time.Second)),
		GradualMinSpreadCents:      cfg.Gradual.MinSpreadCents,
	}, a.logger)

	exec := executor.New(
		deps.Exchange, deps.Store, positions, breaker, ledger, emitter, clk,
		executor.Config{
			FillTimeout: cfg.ParallelFillTimeout(),
			DryRun:      cfg.Trading.DryRun,
		},
		a.logger,
	)

	processor := NewProcessor(
		detector, tracker, gate, sizer, exec, clk,
		cfg.Trading.MinSpreadUSD, cfg.StaleThreshold(), a.logger,
	)

	settle := settlement.NewManager(
		deps.Exchange, deps.Store, positions, breaker, emitter, clk,
		settlement.Config{
			ResolutionWait:     cfg.ResolutionWait(),
			ClaimSellPrice:     cfg.Settlement.ClaimSellPrice,
			BaseRetry:          time.Duration(cfg.Settlement.BaseRetrySeconds * float64(time.Second)),
			MaxRetry:           time.Duration(cfg.Settlement.MaxRetrySeconds * float64(time.Second)),
			MaxClaimAttempts:   cfg.Settlement.MaxClaimAttempts,
			AlertAfterFailures: cfg.Settlement.AlertAfterFailures,
			SweepInterval:      time.Duration(cfg.Settlement.SweepIntervalSeconds * float64(time.Second)),
		},
		a.logger,
	)

	// --- Operator alerting ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	var alerts *notify.AlertBridge
	if len(senders) > 0 {
		alerts = notify.NewAlertBridge(senders, cfg.Notify.Events, sink, a.logger)
	}

	// --- Recovery before any loop starts ---
	if err := Recover(ctx, deps.Store, breaker, positions, tracker, clk, a.logger); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	// --- Background loops, grouped by shutdown stage ---
	// Stop order: admission (the processor; in-flight executions finish
	// under their own timeout), then the settlement/rebalance/balance
	// loops, then the market-data feed (book subscriptions), then the
	// observers. The deferred sink.Close and cleanup flush the sink and
	// close the stores last.
	coord := NewCoordinator(a.logger)
	admission := coord.Stage("admission")
	loops := coord.Stage("loops")
	feed := coord.Stage("feed")
	observers := coord.Stage("observers")

	admission.Go(processor.Run)

	loops.Go(positions.Run)
	if deps.Store != nil {
		loops.Go(settle.Run)
	}
	loops.Go(balance.Run)
	loops.Go(func(ctx context.Context) error {
		// Window ledger housekeeping.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				ledger.Prune(clk.Now())
			}
		}
	})

	feed.Go(finder.Run)
	feed.Go(tracker.Run)

	if deps.RedisEvents != nil {
		observers.Go(deps.RedisEvents.Run)
	}
	if alerts != nil {
		observers.Go(alerts.Run)
	}
	// Log-only event consumer so decisions are observable without Redis.
	eventCh := sink.Subscribe(256)
	observers.Go(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-eventCh:
				if !ok {
					return nil
				}
				a.logger.Debug("event",
					slog.String("type", string(ev.Type)),
					slog.String("asset", ev.Asset),
					slog.Any("detail", ev.Detail),
				)
			}
		}
	})

	if err := coord.Run(ctx); err != nil {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
