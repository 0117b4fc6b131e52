package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baton-dev/baton/pkg/channels/gochannel"
	"github.com/baton-dev/baton/pkg/eventbus"
	"github.com/baton-dev/baton/pkg/events"
)

func newTestBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_PublishSubscribe(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.StepStarted, 1)

	err := bus.Handle(events.StepStartedEvent, func(_ context.Context, event any) error {
		started, ok := event.(*events.StepStarted)
		require.True(t, ok)

		received <- started

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(t.Context()))

	published := &events.StepStarted{
		BaseEvent: events.BaseEvent{
			ID:         bus.GenerateID(),
			Type:       events.StepStartedEvent,
			PipelineID: "p1",
			Timestamp:  time.Now().UTC(),
		},
		StepID:    "s1",
		AgentName: "developer",
		Position:  0,
	}

	require.NoError(t, bus.Publish(t.Context(), "p1", published))

	select {
	case event := <-received:
		assert.Equal(t, "p1", event.PipelineID)
		assert.Equal(t, "s1", event.StepID)
		assert.Equal(t, "developer", event.AgentName)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the handler")
	}
}

func TestWatermillEventBus_IgnoresUnhandledEventTypes(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan struct{}, 1)

	err := bus.Handle(events.PipelineFinishedEvent, func(_ context.Context, _ any) error {
		received <- struct{}{}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(t.Context()))

	// No handler registered for this type; the message is acked and dropped.
	require.NoError(t, bus.Publish(t.Context(), "p1", &events.PipelineFailed{
		BaseEvent: events.BaseEvent{Type: events.PipelineFailedEvent, PipelineID: "p1"},
		Reason:    "boom",
	}))

	require.NoError(t, bus.Publish(t.Context(), "p1", &events.PipelineFinished{
		BaseEvent: events.BaseEvent{Type: events.PipelineFinishedEvent, PipelineID: "p1"},
	}))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("handled event never arrived")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
