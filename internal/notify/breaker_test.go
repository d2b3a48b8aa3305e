package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

type flakySink struct {
	fail  bool
	calls int
}

func (f *flakySink) Publish(context.Context, model.Event) error {
	f.calls++
	if f.fail {
		return errors.New("remote unavailable")
	}
	return nil
}

func TestBreakerSink_TripsAndRecovers(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	next := &flakySink{fail: true}
	s := NewBreakerSink("redis", next, config.BreakerConfig{
		FailureThreshold: 2,
		MaxRequests:      1,
		Timeout:          20 * time.Millisecond,
	}, zap.NewNop(), m)
	ctx := context.Background()
	gauge := m.NotifyBreakerState.WithLabelValues("redis")

	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))

	assert.Error(t, s.Publish(ctx, testEvent("evt-1")))
	assert.Equal(t, gobreaker.StateClosed, s.State())
	assert.Error(t, s.Publish(ctx, testEvent("evt-2")))
	assert.Equal(t, gobreaker.StateOpen, s.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))

	// Open: the remote is not called.
	err := s.Publish(ctx, testEvent("evt-3"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, next.calls)

	time.Sleep(30 * time.Millisecond)
	next.fail = false
	require.NoError(t, s.Publish(ctx, testEvent("evt-4")))
	assert.Equal(t, gobreaker.StateClosed, s.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}
