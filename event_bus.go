package pluginhost

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// EventBus is the host's Subject. Delivery is best-effort and, unless
// synchronous delivery was requested, runs on a goroutine per observer.
type EventBus struct {
	mu          sync.RWMutex
	observers   map[string]*observerRegistration
	logger      Logger
	synchronous bool
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithSynchronousDelivery makes NotifyObservers return only after every
// observer has handled the event.
func WithSynchronousDelivery() EventBusOption {
	return func(b *EventBus) {
		b.synchronous = true
	}
}

// NewEventBus creates an EventBus with no observers.
func NewEventBus(logger Logger, opts ...EventBusOption) *EventBus {
	b := &EventBus{
		observers: make(map[string]*observerRegistration),
		logger:    loggerOrDiscard(logger),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *EventBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	b.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   types,
		registeredAt: time.Now(),
	}
	b.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

func (b *EventBus) UnregisterObserver(observer Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, observer.ObserverID())
	return nil
}

func (b *EventBus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if err := ValidateCloudEvent(event); err != nil {
		b.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	b.mu.RLock()
	targets := make([]Observer, 0, len(b.observers))
	for _, reg := range b.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		targets = append(targets, reg.observer)
	}
	b.mu.RUnlock()

	// Delivery outlives the operation that produced the event.
	ctx = context.WithoutCancel(ctx)
	for _, o := range targets {
		if b.synchronous {
			b.deliver(ctx, o, event)
			continue
		}
		go b.deliver(ctx, o, event)
	}
	return nil
}

func (b *EventBus) deliver(ctx context.Context, o Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Observer panicked", "observerID", o.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := o.OnEvent(ctx, event); err != nil {
		b.logger.Error("Observer error", "observerID", o.ObserverID(), "event", event.Type(), "error", err)
	}
}

func (b *EventBus) GetObservers() []ObserverInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := make([]ObserverInfo, 0, len(b.observers))
	for id, reg := range b.observers {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		info = append(info, ObserverInfo{ID: id, EventTypes: types, RegisteredAt: reg.registeredAt})
	}
	return info
}

// publish emits a module-scoped event. Errors are logged, never returned.
func (b *EventBus) publish(ctx context.Context, eventType string, data ModuleEventData) {
	if b == nil {
		return
	}
	if err := b.NotifyObservers(ctx, newModuleEvent(eventType, data)); err != nil {
		b.logger.Debug("Failed to emit event", "module", data.ModuleID, "eventType", eventType, "error", err)
	}
}
