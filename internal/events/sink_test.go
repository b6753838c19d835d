package events

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestSinkFanOut(t *testing.T) {
	sink := NewSink(testLogger())
	a := sink.Subscribe(4)
	b := sink.Subscribe(4)

	sink.Emit(domain.Event{Type: domain.EventTradeRecorded})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, domain.EventTradeRecorded, (<-a).Type)
	assert.Equal(t, domain.EventTradeRecorded, (<-b).Type)
}

func TestSinkDropsWhenSubscriberFull(t *testing.T) {
	sink := NewSink(testLogger())
	ch := sink.Subscribe(1)

	sink.Emit(domain.Event{Type: domain.EventOrderPlaced})
	sink.Emit(domain.Event{Type: domain.EventOrderMatched}) // buffer full, dropped

	assert.Equal(t, int64(1), sink.Dropped())
	assert.Len(t, ch, 1)
}

func TestSinkEmitAfterClose(t *testing.T) {
	sink := NewSink(testLogger())
	ch := sink.Subscribe(1)
	sink.Close()

	// Must not panic; channel is closed.
	sink.Emit(domain.Event{Type: domain.EventMarketStale})
	_, open := <-ch
	assert.False(t, open)
}

func TestEmitterStampsTime(t *testing.T) {
	sink := NewSink(testLogger())
	ch := sink.Subscribe(1)

	at := time.Unix(1765432800, 0).UTC()
	em := NewEmitter(sink, func() time.Time { return at })
	em.Emit(domain.EventOpportunityDetected, "0xc1", "BTC", map[string]any{"spread_cents": 3.0})

	ev := <-ch
	assert.Equal(t, at, ev.At)
	assert.Equal(t, "0xc1", ev.ConditionID)
	assert.Equal(t, "BTC", ev.Asset)
	assert.Equal(t, 3.0, ev.Detail["spread_cents"])
}
