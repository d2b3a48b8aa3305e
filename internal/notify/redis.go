package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "approvals:events"

// RedisSink publishes events as JSON on a Redis pub/sub channel. Failed
// publishes are retried with exponential backoff.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	retry   config.RetryConfig
	clock   clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithChannel overrides the pub/sub channel.
func WithChannel(channel string) RedisOption {
	return func(s *RedisSink) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithRetry sets the publish retry policy.
func WithRetry(cfg config.RetryConfig) RedisOption {
	return func(s *RedisSink) { s.retry = cfg }
}

// WithClock sets the clock driving retry elapsed-time accounting.
func WithClock(c clock.Clock) RedisOption {
	return func(s *RedisSink) { s.clock = c }
}

// WithRedisLogger sets the logger used for retry warnings.
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(s *RedisSink) { s.logger = l }
}

// WithRedisMetrics sets the metrics recorder.
func WithRedisMetrics(m *observability.Metrics) RedisOption {
	return func(s *RedisSink) { s.metrics = m }
}

// NewRedisSink creates a sink publishing through client.
func NewRedisSink(client redis.UniversalClient, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		client:  client,
		channel: DefaultChannel,
		retry: config.RetryConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			MaxElapsedTime:  10 * time.Second,
		},
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel returns the channel events are published on.
func (s *RedisSink) Channel() string { return s.channel }

// Publish serializes evt and publishes it, retrying transient failures until
// the retry policy gives up or ctx is done.
func (s *RedisSink) Publish(ctx context.Context, evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event %s: %w", evt.ID, err)
	}

	op := func() error {
		return s.client.Publish(ctx, s.channel, data).Err()
	}
	onRetry := func(err error, wait time.Duration) {
		s.metrics.RecordNotifyRetry("redis")
		s.logger.Warn("redis publish failed, retrying",
			zap.String("event_id", evt.ID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), onRetry); err != nil {
		return fmt.Errorf("notify: redis publish %s: %w", evt.ID, err)
	}
	return nil
}

func (s *RedisSink) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.retry.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         s.retry.MaxInterval,
		MaxElapsedTime:      s.retry.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               s.clock,
	}
	b.Reset()
	return b
}

// Subscribe listens on the sink's channel until the returned Subscription is
// closed or ctx is done. It returns once the subscription is confirmed by
// the server.
func (s *RedisSink) Subscribe(ctx context.Context) (*Subscription, error) {
	ps := s.client.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("notify: subscribe %s: %w", s.channel, err)
	}

	sub := &Subscription{
		pubsub: ps,
		events: make(chan model.Event),
		done:   make(chan struct{}),
	}
	go sub.run(ctx, s.logger)
	return sub, nil
}

// Subscription is a live stream of events received from Redis.
type Subscription struct {
	pubsub    *redis.PubSub
	events    chan model.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the stream of decoded events. The channel is closed when
// the subscription ends.
func (s *Subscription) Events() <-chan model.Event { return s.events }

// Close ends the subscription.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *Subscription) run(ctx context.Context, logger *zap.Logger) {
	defer close(s.events)
	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var evt model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logger.Warn("discarding malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case s.events <- evt:
			case <-s.done:
				return
			case <-ctx.Done():
				s.Close()
				return
			}
		}
	}
}

// Ping checks the connection. Used by readiness checks.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
