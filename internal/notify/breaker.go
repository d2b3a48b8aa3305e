package notify

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

// BreakerSink guards a remote sink with a circuit breaker. While the breaker
// is open, publishes fail fast instead of waiting on the remote.
type BreakerSink struct {
	name    string
	next    Sink
	cb      *gobreaker.CircuitBreaker
	metrics *observability.Metrics
}

// NewBreakerSink wraps next. The breaker trips after cfg.FailureThreshold
// consecutive failures and probes again after cfg.Timeout.
func NewBreakerSink(name string, next Sink, cfg config.BreakerConfig, logger *zap.Logger, metrics *observability.Metrics) *BreakerSink {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	s := &BreakerSink{name: name, next: next, metrics: metrics}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notification sink breaker state changed",
				zap.String("sink", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetNotifyBreakerState(name, breakerGauge(to))
		},
	})
	metrics.SetNotifyBreakerState(name, 0)
	return s
}

// Publish delivers evt through the breaker.
func (s *BreakerSink) Publish(ctx context.Context, evt model.Event) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Publish(ctx, evt)
	})
	if err != nil {
		return fmt.Errorf("notify: sink %s: %w", s.name, err)
	}
	return nil
}

// State returns the breaker state.
func (s *BreakerSink) State() gobreaker.State {
	return s.cb.State()
}

func breakerGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
