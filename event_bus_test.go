package pluginhost

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(nil, WithSynchronousDelivery())

	all := newRecordingObserver("all")
	startedOnly := newRecordingObserver("started-only")
	require.NoError(t, bus.RegisterObserver(all))
	require.NoError(t, bus.RegisterObserver(startedOnly, EventTypeModuleStarted))

	bus.publish(ctx, EventTypeModuleLoaded, ModuleEventData{ModuleID: "billing", Version: "1.0.0"})
	bus.publish(ctx, EventTypeModuleStarted, ModuleEventData{ModuleID: "billing", Version: "1.0.0"})

	assert.Equal(t, []string{EventTypeModuleLoaded, EventTypeModuleStarted}, all.types())
	assert.Equal(t, []string{EventTypeModuleStarted}, startedOnly.types())

	event := all.events[1]
	assert.Equal(t, EventSource, event.Source())
	assert.Equal(t, "billing", event.Extensions()[ExtensionModuleID])
	assert.Equal(t, "1.0.0", event.Extensions()[ExtensionModuleVersion])
	assert.NoError(t, ValidateCloudEvent(event))

	require.NoError(t, bus.UnregisterObserver(startedOnly))
	assert.Len(t, bus.GetObservers(), 1)
}

func TestEventBusObserverFailuresAreContained(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(nil, WithSynchronousDelivery())

	require.NoError(t, bus.RegisterObserver(NewFunctionalObserver("panics", func(context.Context, cloudevents.Event) error {
		panic("observer bug")
	})))
	require.NoError(t, bus.RegisterObserver(NewFunctionalObserver("fails", func(context.Context, cloudevents.Event) error {
		return errors.New("observer failed")
	})))
	rec := newRecordingObserver("rec")
	require.NoError(t, bus.RegisterObserver(rec))

	assert.NotPanics(t, func() {
		bus.publish(ctx, EventTypeModuleFailed, ModuleEventData{ModuleID: "billing"})
	})
	assert.True(t, rec.has(EventTypeModuleFailed))
}

func TestEventBusAsynchronous(t *testing.T) {
	bus := NewEventBus(nil)
	var seen atomic.Int32
	require.NoError(t, bus.RegisterObserver(NewFunctionalObserver("counter", func(ctx context.Context, _ cloudevents.Event) error {
		// delivery context is detached from the publisher's
		if ctx.Err() == nil {
			seen.Add(1)
		}
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	bus.publish(ctx, EventTypeModuleStarted, ModuleEventData{ModuleID: "billing"})
	cancel()

	assert.Eventually(t, func() bool { return seen.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEventBusRejectsInvalidEvents(t *testing.T) {
	bus := NewEventBus(nil, WithSynchronousDelivery())
	rec := newRecordingObserver("rec")
	require.NoError(t, bus.RegisterObserver(rec))

	err := bus.NotifyObservers(context.Background(), cloudevents.NewEvent())
	assert.Error(t, err)
	assert.Empty(t, rec.types())
}

func TestNilEventBusPublish(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() {
		bus.publish(context.Background(), EventTypeModuleStarted, ModuleEventData{ModuleID: "billing"})
	})
}
