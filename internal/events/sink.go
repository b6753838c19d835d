// Package events provides the domain event sink: fire-and-forget fan-out of
// trading events to observability consumers. Emission never blocks the hot
// path, and the core's correctness does not depend on any consumer being
// present.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Sink fans out domain events to subscribers over buffered channels. A slow
// subscriber loses events rather than stalling the emitter.
type Sink struct {
	mu     sync.RWMutex
	subs   []chan domain.Event
	closed bool

	dropped atomic.Int64
	logger  *slog.Logger
}

// NewSink creates an event sink.
func NewSink(logger *slog.Logger) *Sink {
	return &Sink{
		logger: logger.With(slog.String("component", "event_sink")),
	}
}

// Subscribe registers a consumer and returns its channel. buffer bounds how
// far the consumer may lag before events are dropped for it.
func (s *Sink) Subscribe(buffer int) <-chan domain.Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Emit publishes an event to every subscriber without blocking. Events for a
// full subscriber buffer are counted and dropped.
func (s *Sink) Emit(ev domain.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded due to full subscriber
// buffers.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the sink and closes all subscriber channels. Emit becomes a
// no-op afterwards.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil

	if n := s.dropped.Load(); n > 0 {
		s.logger.Warn("event sink closed with drops", slog.Int64("dropped", n))
	}
}

// Emitter is a convenience wrapper that stamps events with a clock and a
// fixed component context before forwarding to the sink.
type Emitter struct {
	sink *Sink
	now  func() time.Time
}

// NewEmitter wraps sink with a time source.
func NewEmitter(sink *Sink, now func() time.Time) *Emitter {
	return &Emitter{sink: sink, now: now}
}

// Emit publishes an event of the given type.
func (e *Emitter) Emit(typ domain.EventType, conditionID, asset string, detail map[string]any) {
	e.sink.Emit(domain.Event{
		Type:        typ,
		At:          e.now(),
		ConditionID: conditionID,
		Asset:       asset,
		Detail:      detail,
	})
}
