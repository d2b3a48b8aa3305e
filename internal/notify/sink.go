// Package notify delivers workflow events to interested parties. Delivery is
// best effort: a failed publish never rolls back the state change that
// produced the event.
package notify

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/siteops/approvals/model"
)

// Sink receives events after a state change has been committed.
type Sink interface {
	Publish(ctx context.Context, evt model.Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, evt model.Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, evt model.Event) error {
	return f(ctx, evt)
}

// --- LogSink ---

// LogSink writes every event to a structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs evt at info level.
func (s *LogSink) Publish(_ context.Context, evt model.Event) error {
	s.logger.Info("notification",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.EventType),
		zap.String("workflow_id", evt.WorkflowID),
		zap.String("actor_id", evt.ActorID),
		zap.String("target", evt.TargetActorHint),
		zap.String("severity", evt.Severity),
		zap.String("message", evt.Message),
	)
	return nil
}

// --- MemorySink ---

// MemorySink records events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []model.Event
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish appends evt.
func (s *MemorySink) Publish(_ context.Context, evt model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (s *MemorySink) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// OfType returns the recorded events with the given type.
func (s *MemorySink) OfType(eventType string) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Event
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards recorded events.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// --- Fanout ---

// Fanout publishes each event to every sink in order. All sinks are
// attempted even when one fails.
type Fanout []Sink

// Publish delivers evt to every sink and joins their errors.
func (f Fanout) Publish(ctx context.Context, evt model.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
