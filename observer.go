// Package pluginhost provides a host runtime that loads, supervises, updates and
// retires independently packaged modules inside a long-running process.
//
// Lifecycle, health, deployment and rollout changes are published as
// CloudEvents through the Observer pattern defined in this file.
package pluginhost

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives events from a Subject.
type Observer interface {
	// OnEvent is called for every event the observer subscribed to.
	// Observers should return quickly; delivery never blocks a transition.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// Subject is implemented by event emitters.
type Subject interface {
	// RegisterObserver adds an observer. With no eventTypes the observer
	// receives every event.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Unknown observers are ignored.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers event to every interested observer.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers describes the registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event types published by the host, in reverse domain notation.
const (
	// Module lifecycle events
	EventTypeModuleRegistered       = "com.pluginhost.module.registered"
	EventTypeModuleLoaded           = "com.pluginhost.module.loaded"
	EventTypeModuleInitialized      = "com.pluginhost.module.initialized"
	EventTypeModuleStarted          = "com.pluginhost.module.started"
	EventTypeModuleStopped          = "com.pluginhost.module.stopped"
	EventTypeModuleUnloaded         = "com.pluginhost.module.unloaded"
	EventTypeModuleUnregistered     = "com.pluginhost.module.unregistered"
	EventTypeModuleFailed           = "com.pluginhost.module.failed"
	EventTypeModuleDependencyFailed = "com.pluginhost.module.dependency_failed"

	// Health events
	EventTypeHealthUnhealthy         = "com.pluginhost.health.unhealthy"
	EventTypeHealthRecoveryStarted   = "com.pluginhost.health.recovery_started"
	EventTypeHealthRecoveryExhausted = "com.pluginhost.health.recovery_exhausted"
	EventTypeHealthRecovered         = "com.pluginhost.health.recovered"

	// Deployment events
	EventTypeDeployInstalled      = "com.pluginhost.deploy.installed"
	EventTypeDeployUpdated        = "com.pluginhost.deploy.updated"
	EventTypeDeployFailed         = "com.pluginhost.deploy.failed"
	EventTypeDeployRolledBack     = "com.pluginhost.deploy.rolled_back"
	EventTypeDeployRollbackFailed = "com.pluginhost.deploy.rollback_failed"

	// Rollout events
	EventTypeRolloutStarted   = "com.pluginhost.rollout.started"
	EventTypeRolloutBatch     = "com.pluginhost.rollout.batch_completed"
	EventTypeRolloutPaused    = "com.pluginhost.rollout.paused"
	EventTypeRolloutResumed   = "com.pluginhost.rollout.resumed"
	EventTypeRolloutCompleted = "com.pluginhost.rollout.completed"
	EventTypeRolloutFailed    = "com.pluginhost.rollout.failed"
	EventTypeReleaseConfirmed = "com.pluginhost.release.confirmed"
	EventTypeReleaseRejected  = "com.pluginhost.release.rejected"
)

// FunctionalObserver adapts a function to the Observer interface.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
