package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

// AlertBridge subscribes to the event sink, renders alert-worthy events, and
// fans them out to every configured sender. An optional event-type allowlist
// narrows what operators receive.
type AlertBridge struct {
	senders []Sender
	allowed map[string]bool // empty means every alert passes
	sub     <-chan domain.Event
	logger  *slog.Logger
}

// NewAlertBridge registers a subscriber on the sink. allowedEvents filters by
// domain event type; an empty list allows all alert-worthy events.
func NewAlertBridge(senders []Sender, allowedEvents []string, sink *events.Sink, logger *slog.Logger) *AlertBridge {
	allowed := make(map[string]bool, len(allowedEvents))
	for _, e := range allowedEvents {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &AlertBridge{
		senders: senders,
		allowed: allowed,
		sub:     sink.Subscribe(64),
		logger:  logger.With(slog.String("component", "alert_bridge")),
	}
}

// Run forwards events until ctx is cancelled or the sink closes.
func (b *AlertBridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-b.sub:
			if !ok {
				return nil
			}
			alert, ok := Render(ev)
			if !ok || !b.allows(alert.Event) {
				continue
			}
			b.dispatch(ctx, alert)
		}
	}
}

// allows applies the event-type filter.
func (b *AlertBridge) allows(event string) bool {
	if len(b.allowed) == 0 {
		return true
	}
	return b.allowed[event]
}

// dispatch delivers one alert to every sender. A failing channel does not
// block the others.
func (b *AlertBridge) dispatch(ctx context.Context, alert Alert) {
	for _, s := range b.senders {
		if err := s.Send(ctx, alert); err != nil {
			b.logger.Warn("alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", alert.Event),
				slog.String("error", err.Error()),
			)
			continue
		}
		b.logger.Debug("alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", alert.Title),
		)
	}
}

// Render maps an alert-worthy domain event to an operator message. The
// second return is false for events operators do not need to see.
func Render(ev domain.Event) (Alert, bool) {
	alert := Alert{Event: string(ev.Type)}

	switch ev.Type {
	case domain.EventCircuitBreakerChanged:
		alert.Title = "Circuit breaker changed"
		alert.Body = fmt.Sprintf("%v → %v (%v)",
			ev.Detail["from"], ev.Detail["to"], ev.Detail["cause"])
		return alert, true

	case domain.EventSettlementDegraded:
		alert.Title = "Settlement degraded"
		alert.Body = fmt.Sprintf("%s %v: %v attempts, last error: %v",
			ev.Asset, ev.Detail["side"], ev.Detail["attempts"], ev.Detail["reason"])
		return alert, true

	case domain.EventSettlementAbandoned:
		alert.Title = "Settlement ABANDONED"
		alert.Body = fmt.Sprintf("%s trade %v side %v after %v attempts",
			ev.Asset, ev.Detail["trade_id"], ev.Detail["side"], ev.Detail["attempts"])
		return alert, true

	case domain.EventTradeRecorded:
		status, _ := ev.Detail["status"].(string)
		if status != string(domain.ExecutionOneLegOnly) {
			return Alert{}, false
		}
		alert.Title = "Partial fill"
		alert.Body = fmt.Sprintf("%s trade %v filled one leg only (hedge %.0f%%)",
			ev.Asset, ev.Detail["trade_id"], floatDetail(ev, "hedge_ratio")*100)
		return alert, true
	}

	return Alert{}, false
}

func floatDetail(ev domain.Event, key string) float64 {
	v, _ := ev.Detail[key].(float64)
	return v
}
