package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/siteops/approvals/model"
)

func testEvent(id string) model.Event {
	return model.Event{
		ID:              id,
		WorkflowID:      "wf-1",
		EventType:       model.EventWorkflowAdvanced,
		ActorID:         "u-approver",
		Message:         "Step 1 approved",
		Severity:        model.SeverityInfo,
		TargetActorHint: "u-next",
		OccurredAt:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLogSink(zap.New(core))

	require.NoError(t, s.Publish(context.Background(), testEvent("evt-1")))

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "evt-1", fields["event_id"])
	assert.Equal(t, model.EventWorkflowAdvanced, fields["event_type"])
	assert.Equal(t, "u-next", fields["target"])
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, testEvent("evt-1")))
	cancelled := testEvent("evt-2")
	cancelled.EventType = model.EventWorkflowCancelled
	require.NoError(t, s.Publish(ctx, cancelled))

	assert.Len(t, s.Events(), 2)
	got := s.OfType(model.EventWorkflowCancelled)
	require.Len(t, got, 1)
	assert.Equal(t, "evt-2", got[0].ID)

	s.Reset()
	assert.Empty(t, s.Events())
}

func TestFanout(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	boom := errors.New("boom")
	failing := SinkFunc(func(context.Context, model.Event) error { return boom })

	err := Fanout{a, failing, b}.Publish(context.Background(), testEvent("evt-1"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1, "sinks before the failure receive the event")
	assert.Len(t, b.Events(), 1, "sinks after the failure still receive the event")

	assert.NoError(t, Fanout{}.Publish(context.Background(), testEvent("evt-2")))
}
