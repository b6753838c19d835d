package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

// eventsChannel is the Pub/Sub channel live consumers listen on.
const eventsChannel = "events"

// eventsStream is the durable stream external tooling replays from.
const eventsStream = "events:log"

// streamMaxLen bounds the stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// eventPayload is the JSON shape published for each domain event.
type eventPayload struct {
	Type        string         `json:"type"`
	At          time.Time      `json:"at"`
	ConditionID string         `json:"condition_id,omitempty"`
	Asset       string         `json:"asset,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// EventPublisher subscribes to the event sink and forwards every event to
// Redis: Pub/Sub for live consumers and a capped stream for replay. Publish
// failures are logged and dropped; the sink is never blocked.
type EventPublisher struct {
	rdb    *redis.Client
	sub    <-chan domain.Event
	logger *slog.Logger
}

// NewEventPublisher registers a subscriber on the sink.
func NewEventPublisher(c *Client, sink *events.Sink, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		rdb:    c.Underlying(),
		sub:    sink.Subscribe(256),
		logger: logger.With(slog.String("component", "redis_events")),
	}
}

// Run forwards events until ctx is cancelled or the sink closes.
func (p *EventPublisher) Run(ctx context.Context) error {
	p.logger.Info("redis event publisher started")
	defer p.logger.Info("redis event publisher stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.sub:
			if !ok {
				return nil
			}
			p.publish(ctx, ev)
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(eventPayload{
		Type:        string(ev.Type),
		At:          ev.At,
		ConditionID: ev.ConditionID,
		Asset:       ev.Asset,
		Detail:      ev.Detail,
	})
	if err != nil {
		p.logger.Warn("event marshal failed", slog.String("type", string(ev.Type)))
		return
	}

	if err := p.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		p.logger.Debug("event publish failed", slog.String("error", err.Error()))
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventsStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		p.logger.Debug("event stream append failed", slog.String("error", err.Error()))
	}
}

// BalanceCache mirrors the latest exchange balance into Redis for external
// readers.
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a balance cache.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

// Set stores the balance with a short TTL so stale values age out.
func (b *BalanceCache) Set(ctx context.Context, balance domain.Balance) error {
	payload, err := json.Marshal(map[string]float64{
		"balance":   balance.Balance,
		"allowance": balance.Allowance,
	})
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, "balance", payload, 5*time.Minute).Err()
}
