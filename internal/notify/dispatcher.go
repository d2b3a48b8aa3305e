package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/model"
)

// ErrQueueFull is returned when an event is dropped because the dispatch
// queue is at capacity.
var ErrQueueFull = errors.New("notify: dispatch queue full")

// ErrDispatcherClosed is returned by Publish after Close.
var ErrDispatcherClosed = errors.New("notify: dispatcher closed")

// Dispatcher is an asynchronous Sink. Publish enqueues the event and returns
// immediately; a fixed pool of workers delivers queued events to the
// underlying sink. When the queue is full the event is dropped.
type Dispatcher struct {
	next    Sink
	queue   chan model.Event
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines delivering to next. Each delivery
// is bounded by publishTimeout when it is positive.
func NewDispatcher(next Sink, queueSize, workers int, publishTimeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		next:    next,
		queue:   make(chan model.Event, queueSize),
		timeout: publishTimeout,
		logger:  logger,
		metrics: metrics,
	}
	d.wg.Add(workers)
	for range workers {
		go d.work()
	}
	return d
}

// Publish enqueues evt without blocking.
func (d *Dispatcher) Publish(_ context.Context, evt model.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		d.metrics.SetNotifyQueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.RecordNotification(evt.EventType, observability.OutcomeDropped)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued events to be delivered
// or for ctx to end, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for evt := range d.queue {
		d.metrics.SetNotifyQueueDepth(len(d.queue))
		d.deliver(evt)
	}
}

func (d *Dispatcher) deliver(evt model.Event) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.next.Publish(ctx, evt); err != nil {
		d.metrics.RecordNotification(evt.EventType, observability.OutcomeFailed)
		d.logger.Warn("notification delivery failed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.EventType),
			zap.String("workflow_id", evt.WorkflowID),
			zap.Error(err),
		)
		return
	}
	d.metrics.RecordNotification(evt.EventType, observability.OutcomeDelivered)
}
